package search

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yoanbernabeu/grepaid/trace"
)

// Mode selects the engine that answers a query.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeSemantic Mode = "semantic"
	ModeSymbol   Mode = "symbol"
	ModePattern  Mode = "pattern"
)

// ParseMode accepts the mode names used on the wire and the CLI. An empty
// string means auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeSemantic, ModeSymbol, ModePattern:
		return m, nil
	default:
		return "", fmt.Errorf("unknown search mode %q", s)
	}
}

var (
	declRe = regexp.MustCompile(`^\s*(func|function|fn|def|class|struct|interface|trait|enum|type|method)\s+([A-Za-z_$][\w$]*(?:\.[A-Za-z_$][\w$]*)*)\s*$`)

	// A lone identifier that reads as code: camel hump, underscore or a
	// qualified name.
	identRe = regexp.MustCompile(`^\s*[A-Za-z_$][\w$]*(?:\.[A-Za-z_$][\w$]*)*\s*$`)
	codeyRe = regexp.MustCompile(`[a-z][A-Z]|_|\.`)
)

const regexMeta = `\^$*+?()[]{}|`

// DetectMode returns the candidate modes for query, best first.
func DetectMode(query string) []Mode {
	if _, _, ok := parseSymbolQuery(query); ok {
		return []Mode{ModeSymbol, ModeSemantic, ModePattern}
	}
	if looksLikeRegex(query) {
		return []Mode{ModePattern, ModeSemantic, ModeSymbol}
	}
	return []Mode{ModeSemantic, ModeSymbol, ModePattern}
}

func looksLikeRegex(query string) bool {
	if !strings.ContainsAny(query, regexMeta) {
		return false
	}
	_, err := regexp.Compile(query)
	return err == nil
}

// parseSymbolQuery extracts the symbol name and, when the declaration
// keyword pins it down, its kind.
func parseSymbolQuery(query string) (string, trace.SymbolKind, bool) {
	if m := declRe.FindStringSubmatch(query); m != nil {
		return lastSegment(m[2]), kindForKeyword(m[1]), true
	}
	if identRe.MatchString(query) && codeyRe.MatchString(strings.TrimSpace(query)) {
		return lastSegment(strings.TrimSpace(query)), "", true
	}
	return "", "", false
}

// symbolName is used when symbol mode is requested explicitly for a query
// that does not look like a declaration.
func symbolName(query string) (string, trace.SymbolKind) {
	if name, kind, ok := parseSymbolQuery(query); ok {
		return name, kind
	}
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "", ""
	}
	return lastSegment(fields[len(fields)-1]), ""
}

func lastSegment(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

func kindForKeyword(kw string) trace.SymbolKind {
	switch kw {
	case "class", "struct":
		return trace.KindClass
	case "interface", "trait":
		return trace.KindInterface
	case "enum":
		return trace.KindEnum
	default:
		return ""
	}
}
