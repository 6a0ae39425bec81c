//go:build treesitter

package trace

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// TreeSitterExtractor implements SymbolExtractor using tree-sitter AST parsing.
// Parsers are not safe for concurrent use, so each language's parser is
// guarded by its own mutex.
type TreeSitterExtractor struct {
	parsers map[string]*lockedParser
}

type lockedParser struct {
	mu     sync.Mutex
	parser *sitter.Parser
}

// NewTreeSitterExtractor creates a new tree-sitter based extractor.
func NewTreeSitterExtractor() *TreeSitterExtractor {
	languages := map[string]*sitter.Language{
		".go":  golang.GetLanguage(),
		".js":  javascript.GetLanguage(),
		".jsx": javascript.GetLanguage(),
		".ts":  typescript.GetLanguage(),
		".tsx": typescript.GetLanguage(),
		".py":  python.GetLanguage(),
	}

	ext := &TreeSitterExtractor{parsers: make(map[string]*lockedParser)}
	for extension, lang := range languages {
		parser := sitter.NewParser()
		parser.SetLanguage(lang)
		ext.parsers[extension] = &lockedParser{parser: parser}
	}
	return ext
}

// NewDefaultExtractor prefers tree-sitter and falls back to line patterns
// for languages without a grammar.
func NewDefaultExtractor() SymbolExtractor {
	return &fallbackExtractor{primary: NewTreeSitterExtractor(), fallback: NewRegexExtractor()}
}

type fallbackExtractor struct {
	primary  *TreeSitterExtractor
	fallback *RegexExtractor
}

func (f *fallbackExtractor) ExtractSymbols(ctx context.Context, filePath string, content string) ([]Symbol, error) {
	if f.primary.Supports(filePath) {
		return f.primary.ExtractSymbols(ctx, filePath, content)
	}
	return f.fallback.ExtractSymbols(ctx, filePath, content)
}

// Supports reports whether a grammar is registered for the file's extension.
func (e *TreeSitterExtractor) Supports(filePath string) bool {
	_, ok := e.parsers[strings.ToLower(filepath.Ext(filePath))]
	return ok
}

// ExtractSymbols extracts all symbol definitions from a file using tree-sitter.
func (e *TreeSitterExtractor) ExtractSymbols(ctx context.Context, filePath string, content string) ([]Symbol, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	lp, ok := e.parsers[ext]
	if !ok {
		return nil, nil
	}

	lp.mu.Lock()
	tree, err := lp.parser.ParseCtx(ctx, nil, []byte(content))
	lp.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to parse file: %w", err)
	}
	defer tree.Close()

	var symbols []Symbol
	walkNode(tree.RootNode(), []byte(content), filePath, LanguageForPath(filePath), &symbols)
	return symbols, nil
}

func walkNode(node *sitter.Node, content []byte, filePath, lang string, symbols *[]Symbol) {
	switch lang {
	case "go":
		extractGoSymbol(node, content, filePath, symbols)
	case "javascript", "typescript":
		extractJSSymbol(node, content, filePath, lang, symbols)
	case "python":
		extractPythonSymbol(node, content, filePath, symbols)
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		walkNode(node.Child(i), content, filePath, lang, symbols)
	}
}

func newSymbol(node *sitter.Node, content []byte, name string, kind SymbolKind, filePath, lang string) Symbol {
	return Symbol{
		Name:      name,
		Kind:      kind,
		File:      filePath,
		Line:      int(node.StartPoint().Row) + 1,
		EndLine:   int(node.EndPoint().Row) + 1,
		Signature: truncateSignature(node.Content(content)),
		Language:  lang,
	}
}

func extractGoSymbol(node *sitter.Node, content []byte, filePath string, symbols *[]Symbol) {
	switch node.Type() {
	case "function_declaration":
		if nameNode := node.ChildByFieldName("name"); nameNode != nil {
			*symbols = append(*symbols, newSymbol(node, content, nameNode.Content(content), KindFunction, filePath, "go"))
		}

	case "method_declaration":
		if nameNode := node.ChildByFieldName("name"); nameNode != nil {
			*symbols = append(*symbols, newSymbol(node, content, nameNode.Content(content), KindMethod, filePath, "go"))
		}

	case "type_spec":
		nameNode := node.ChildByFieldName("name")
		if nameNode == nil {
			return
		}
		kind := KindType
		if typeNode := node.ChildByFieldName("type"); typeNode != nil {
			switch typeNode.Type() {
			case "interface_type":
				kind = KindInterface
			case "struct_type":
				kind = KindClass
			}
		}
		*symbols = append(*symbols, newSymbol(node, content, nameNode.Content(content), kind, filePath, "go"))
	}
}

func extractJSSymbol(node *sitter.Node, content []byte, filePath, lang string, symbols *[]Symbol) {
	switch node.Type() {
	case "function_declaration", "generator_function_declaration":
		if nameNode := node.ChildByFieldName("name"); nameNode != nil {
			*symbols = append(*symbols, newSymbol(node, content, nameNode.Content(content), KindFunction, filePath, lang))
		}

	case "class_declaration":
		if nameNode := node.ChildByFieldName("name"); nameNode != nil {
			*symbols = append(*symbols, newSymbol(node, content, nameNode.Content(content), KindClass, filePath, lang))
		}

	case "method_definition":
		if nameNode := node.ChildByFieldName("name"); nameNode != nil {
			*symbols = append(*symbols, newSymbol(node, content, nameNode.Content(content), KindMethod, filePath, lang))
		}

	case "interface_declaration":
		if nameNode := node.ChildByFieldName("name"); nameNode != nil {
			*symbols = append(*symbols, newSymbol(node, content, nameNode.Content(content), KindInterface, filePath, lang))
		}

	case "lexical_declaration", "variable_declaration":
		for i := 0; i < int(node.ChildCount()); i++ {
			decl := node.Child(i)
			if decl.Type() != "variable_declarator" {
				continue
			}
			nameNode := decl.ChildByFieldName("name")
			valueNode := decl.ChildByFieldName("value")
			if nameNode == nil || valueNode == nil {
				continue
			}
			if t := valueNode.Type(); t == "arrow_function" || t == "function" {
				*symbols = append(*symbols, newSymbol(node, content, nameNode.Content(content), KindFunction, filePath, lang))
			}
		}
	}
}

func extractPythonSymbol(node *sitter.Node, content []byte, filePath string, symbols *[]Symbol) {
	switch node.Type() {
	case "function_definition":
		nameNode := node.ChildByFieldName("name")
		if nameNode == nil {
			return
		}
		kind := KindFunction
		// Check if it's a method (inside a class)
		if parent := node.Parent(); parent != nil && parent.Type() == "block" {
			if gp := parent.Parent(); gp != nil && gp.Type() == "class_definition" {
				kind = KindMethod
			}
		}
		*symbols = append(*symbols, newSymbol(node, content, nameNode.Content(content), kind, filePath, "python"))

	case "class_definition":
		if nameNode := node.ChildByFieldName("name"); nameNode != nil {
			*symbols = append(*symbols, newSymbol(node, content, nameNode.Content(content), KindClass, filePath, "python"))
		}
	}
}
