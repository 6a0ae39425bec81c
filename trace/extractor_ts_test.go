//go:build treesitter

package trace

import (
	"context"
	"testing"
)

func TestTreeSitterExtractor_Go(t *testing.T) {
	src := `package main

// Server handles requests.
type Server struct{}

type Handler interface{ Serve() }

func (s *Server) Start() {}

func main() {}
`
	symbols, err := NewTreeSitterExtractor().ExtractSymbols(context.Background(), "main.go", src)
	if err != nil {
		t.Fatalf("ExtractSymbols failed: %v", err)
	}

	want := map[string]SymbolKind{
		"Server":  KindClass,
		"Handler": KindInterface,
		"Start":   KindMethod,
		"main":    KindFunction,
	}
	got := make(map[string]SymbolKind)
	for _, s := range symbols {
		got[s.Name] = s.Kind
	}
	for name, kind := range want {
		if got[name] != kind {
			t.Errorf("symbol %s: kind = %q, want %q", name, got[name], kind)
		}
	}
}

func TestDefaultExtractor_FallsBackForUnsupportedLanguage(t *testing.T) {
	symbols, err := NewDefaultExtractor().ExtractSymbols(context.Background(), "lib.rs", "pub fn parse() {}\n")
	if err != nil {
		t.Fatalf("ExtractSymbols failed: %v", err)
	}
	if len(symbols) != 1 || symbols[0].Name != "parse" {
		t.Fatalf("expected regex fallback to find parse, got %+v", symbols)
	}
}
