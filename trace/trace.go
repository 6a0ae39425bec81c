// Package trace extracts symbol definitions from source files and keeps a
// queryable symbol index per project.
package trace

import (
	"context"
	"path/filepath"
	"strings"
)

// SymbolKind classifies a symbol definition.
type SymbolKind string

const (
	KindFunction  SymbolKind = "function"
	KindMethod    SymbolKind = "method"
	KindClass     SymbolKind = "class"
	KindInterface SymbolKind = "interface"
	KindType      SymbolKind = "type"
	KindEnum      SymbolKind = "enum"
)

// Symbol is one definition found in a file.
type Symbol struct {
	Name      string     `json:"name"`
	Kind      SymbolKind `json:"kind"`
	File      string     `json:"file"`
	Line      int        `json:"line"`
	EndLine   int        `json:"end_line,omitempty"`
	Signature string     `json:"signature,omitempty"`
	Language  string     `json:"language"`
}

// SymbolExtractor finds symbol definitions in file content.
type SymbolExtractor interface {
	ExtractSymbols(ctx context.Context, filePath string, content string) ([]Symbol, error)
}

// LanguageForPath maps a file extension to a language name, or "" when the
// extension is not supported.
func LanguageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".cs":
		return "csharp"
	case ".rs":
		return "rust"
	case ".php":
		return "php"
	case ".rb":
		return "ruby"
	case ".kt", ".kts":
		return "kotlin"
	case ".c", ".h", ".cpp", ".hpp", ".cc", ".cxx":
		return "c"
	default:
		return ""
	}
}

const maxSignatureLen = 200

func truncateSignature(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "{"))
	if len(s) > maxSignatureLen {
		s = s[:maxSignatureLen] + "..."
	}
	return s
}
