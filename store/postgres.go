package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PostgresStore keeps vectors in a pgvector table shared by all projects;
// rows are scoped by project id.
type PostgresStore struct {
	pool       *pgxpool.Pool
	projectID  string
	dimensions int
}

func NewPostgresStore(ctx context.Context, dsn, projectID string, dimensions int) (*PostgresStore, error) {
	if err := ensureVectorExtension(ctx, dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, projectID: projectID, dimensions: dimensions}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// ensureVectorExtension must run before the pool registers pgvector types.
func ensureVectorExtension(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS grepaid_vectors (
	project_id TEXT NOT NULL,
	id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	start_line INTEGER NOT NULL,
	end_line INTEGER NOT NULL,
	content TEXT NOT NULL,
	embedding vector(%d) NOT NULL,
	PRIMARY KEY (project_id, id)
)`, s.dimensions)

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create vectors table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error {
	if len(vector) != s.dimensions {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.dimensions)
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO grepaid_vectors (project_id, id, file_path, start_line, end_line, content, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (project_id, id) DO UPDATE SET
	file_path = EXCLUDED.file_path,
	start_line = EXCLUDED.start_line,
	end_line = EXCLUDED.end_line,
	content = EXCLUDED.content,
	embedding = EXCLUDED.embedding`,
		s.projectID, id, meta.FilePath, meta.StartLine, meta.EndLine, meta.Content, pgvector.NewVector(vector))
	if err != nil {
		return fmt.Errorf("failed to upsert vector %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM grepaid_vectors WHERE project_id = $1 AND id = $2", s.projectID, id)
	if err != nil {
		return fmt.Errorf("failed to delete vector %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		k = 10
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, file_path, start_line, end_line, content, 1 - (embedding <=> $2) AS score
FROM grepaid_vectors
WHERE project_id = $1
ORDER BY embedding <=> $2
LIMIT $3`, s.projectID, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var results []Match
	for rows.Next() {
		var m Match
		var score float64
		if err := rows.Scan(&m.ID, &m.Metadata.FilePath, &m.Metadata.StartLine, &m.Metadata.EndLine, &m.Metadata.Content, &score); err != nil {
			return nil, fmt.Errorf("failed to scan vector row: %w", err)
		}
		m.Score = float32(score)
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM grepaid_vectors WHERE project_id = $1", s.projectID).Scan(&n)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM grepaid_vectors WHERE project_id = $1", s.projectID); err != nil {
		return fmt.Errorf("failed to reset vectors: %w", err)
	}
	return nil
}

// Load is a no-op: rows are read on demand.
func (s *PostgresStore) Load(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Persist is a no-op: every statement commits on its own.
func (s *PostgresStore) Persist(ctx context.Context) error {
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
