package trace

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/yoanbernabeu/grepaid/internal/fileutil"
	_ "modernc.org/sqlite"
)

// DBFileName is the symbol index file inside a data directory.
const DBFileName = "symbols.db"

const driverName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS symbols (
	file TEXT NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	line INTEGER NOT NULL,
	end_line INTEGER NOT NULL DEFAULT 0,
	signature TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);
CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(file);
`

// SQLiteSymbolStore is the per-project symbol index.
type SQLiteSymbolStore struct {
	db *sql.DB
}

// SymbolDBPath returns the symbol index location inside dataDir.
func SymbolDBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFileName)
}

// OpenSymbolStore opens (creating if needed) the symbol index at path.
func OpenSymbolStore(path string) (*SQLiteSymbolStore, error) {
	if err := fileutil.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("failed to create symbol index directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open symbol index: %w", err)
	}

	// WAL lets search handles read while the indexer writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create symbol schema: %w", err)
	}
	return &SQLiteSymbolStore{db: db}, nil
}

// ReplaceFile swaps every symbol of file for symbols in one transaction.
func (s *SQLiteSymbolStore) ReplaceFile(ctx context.Context, file string, symbols []Symbol) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM symbols WHERE file = ?", file); err != nil {
		return fmt.Errorf("failed to clear symbols of %s: %w", file, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO symbols (file, name, kind, line, end_line, signature, language) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, sym := range symbols {
		if _, err = stmt.ExecContext(ctx, file, sym.Name, string(sym.Kind), sym.Line, sym.EndLine, sym.Signature, sym.Language); err != nil {
			return fmt.Errorf("failed to insert symbol %s: %w", sym.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit symbols of %s: %w", file, err)
	}
	return nil
}

// DeleteFile removes every symbol of file.
func (s *SQLiteSymbolStore) DeleteFile(ctx context.Context, file string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM symbols WHERE file = ?", file); err != nil {
		return fmt.Errorf("failed to delete symbols of %s: %w", file, err)
	}
	return nil
}

// Find returns symbols named name, optionally restricted to kind. Exact
// matches sort before prefix matches.
func (s *SQLiteSymbolStore) Find(ctx context.Context, name string, kind SymbolKind, limit int) ([]Symbol, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
SELECT file, name, kind, line, end_line, signature, language
FROM symbols
WHERE (name = ? OR name LIKE ? ESCAPE '\')`
	args := []any{name, escapeLike(name) + "%"}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY (name = ?) DESC, file, line LIMIT ?"
	args = append(args, name, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	var out []Symbol
	for rows.Next() {
		var sym Symbol
		var k string
		if err := rows.Scan(&sym.File, &sym.Name, &k, &sym.Line, &sym.EndLine, &sym.Signature, &sym.Language); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		sym.Kind = SymbolKind(k)
		out = append(out, sym)
	}
	return out, rows.Err()
}

// SymbolsForFile returns the symbols of one file in line order.
func (s *SQLiteSymbolStore) SymbolsForFile(ctx context.Context, file string) ([]Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT file, name, kind, line, end_line, signature, language
FROM symbols WHERE file = ? ORDER BY line`, file)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols of %s: %w", file, err)
	}
	defer rows.Close()

	var out []Symbol
	for rows.Next() {
		var sym Symbol
		var k string
		if err := rows.Scan(&sym.File, &sym.Name, &k, &sym.Line, &sym.EndLine, &sym.Signature, &sym.Language); err != nil {
			return nil, err
		}
		sym.Kind = SymbolKind(k)
		out = append(out, sym)
	}
	return out, rows.Err()
}

// Count returns the number of indexed symbols.
func (s *SQLiteSymbolStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM symbols").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count symbols: %w", err)
	}
	return n, nil
}

// Reset removes every symbol.
func (s *SQLiteSymbolStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM symbols"); err != nil {
		return fmt.Errorf("failed to reset symbols: %w", err)
	}
	return nil
}

func (s *SQLiteSymbolStore) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
