//go:build !treesitter

package trace

// NewDefaultExtractor returns the extractor used when the binary is built
// without tree-sitter grammars.
func NewDefaultExtractor() SymbolExtractor {
	return NewRegexExtractor()
}
