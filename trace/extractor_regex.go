package trace

import (
	"bufio"
	"context"
	"regexp"
	"strings"
)

type symbolPattern struct {
	re   *regexp.Regexp
	kind SymbolKind
	// kindGroup, when set, is the capture group whose text picks the kind.
	kindGroup int
}

var regexPatterns = map[string][]symbolPattern{
	"go": {
		{re: regexp.MustCompile(`^func\s+\([^)]*\)\s*([A-Za-z_]\w*)`), kind: KindMethod},
		{re: regexp.MustCompile(`^func\s+([A-Za-z_]\w*)`), kind: KindFunction},
		{re: regexp.MustCompile(`^(?:type\s+|\t)([A-Za-z_]\w*)\s+(?:\[[^\]]*\]\s*)?(struct|interface)\b`), kindGroup: 2},
		{re: regexp.MustCompile(`^type\s+([A-Za-z_]\w*)\s+\S`), kind: KindType},
	},
	"python": {
		{re: regexp.MustCompile(`^(\s*)class\s+([A-Za-z_]\w*)`), kind: KindClass},
		{re: regexp.MustCompile(`^(\s*)(?:async\s+)?def\s+([A-Za-z_]\w*)`), kind: KindFunction},
	},
	"javascript": jsPatterns,
	"typescript": append([]symbolPattern{
		{re: regexp.MustCompile(`^\s*(?:export\s+)?interface\s+([A-Za-z_$][\w$]*)`), kind: KindInterface},
		{re: regexp.MustCompile(`^\s*(?:export\s+)?type\s+([A-Za-z_$][\w$]*)\s*(?:<[^>]*>)?\s*=`), kind: KindType},
		{re: regexp.MustCompile(`^\s*(?:export\s+)?(?:const\s+)?enum\s+([A-Za-z_$][\w$]*)`), kind: KindEnum},
	}, jsPatterns...),
	"java":   classLikePatterns,
	"csharp": classLikePatterns,
	"kotlin": classLikePatterns,
	"php": {
		{re: regexp.MustCompile(`^\s*(?:abstract\s+|final\s+)?class\s+(\w+)`), kind: KindClass},
		{re: regexp.MustCompile(`^\s*interface\s+(\w+)`), kind: KindInterface},
		{re: regexp.MustCompile(`^\s*(?:public\s+|private\s+|protected\s+|static\s+)*function\s+(\w+)`), kind: KindFunction},
	},
	"ruby": {
		{re: regexp.MustCompile(`^\s*class\s+([A-Z]\w*)`), kind: KindClass},
		{re: regexp.MustCompile(`^\s*module\s+([A-Z]\w*)`), kind: KindType},
		{re: regexp.MustCompile(`^\s*def\s+(?:self\.)?(\w+[?!]?)`), kind: KindFunction},
	},
	"rust": {
		{re: regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?(?:unsafe\s+)?fn\s+(\w+)`), kind: KindFunction},
		{re: regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?struct\s+(\w+)`), kind: KindClass},
		{re: regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?enum\s+(\w+)`), kind: KindEnum},
		{re: regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?trait\s+(\w+)`), kind: KindInterface},
	},
	"c": {
		{re: regexp.MustCompile(`^\s*(?:typedef\s+)?struct\s+(\w+)\s*\{`), kind: KindClass},
		{re: regexp.MustCompile(`^\s*class\s+(\w+)`), kind: KindClass},
		{re: regexp.MustCompile(`^[A-Za-z_][\w\s\*&:<>,]*?\b(\w+)\s*\([^;]*\)\s*\{?\s*$`), kind: KindFunction},
	},
}

var jsPatterns = []symbolPattern{
	{re: regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\*?\s+([A-Za-z_$][\w$]*)`), kind: KindFunction},
	{re: regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`), kind: KindClass},
	{re: regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s+)?(?:function\b|\([^)]*\)\s*=>|[A-Za-z_$][\w$]*\s*=>)`), kind: KindFunction},
}

var classLikePatterns = []symbolPattern{
	{re: regexp.MustCompile(`^\s*(?:(?:public|private|protected|internal|abstract|final|sealed|static|partial|data|open)\s+)*class\s+(\w+)`), kind: KindClass},
	{re: regexp.MustCompile(`^\s*(?:(?:public|private|protected|internal)\s+)*interface\s+(\w+)`), kind: KindInterface},
	{re: regexp.MustCompile(`^\s*(?:(?:public|private|protected|internal)\s+)*enum\s+(?:class\s+)?(\w+)`), kind: KindEnum},
	{re: regexp.MustCompile(`^\s*fun\s+(?:<[^>]*>\s*)?(?:\w+\.)?(\w+)\s*\(`), kind: KindFunction},
	{re: regexp.MustCompile(`^\s*(?:(?:public|private|protected|internal|static|final|abstract|override|virtual|async|synchronized)\s+)+[\w<>\[\],\s]+?\s+(\w+)\s*\([^;]*$`), kind: KindMethod},
}

// RegexExtractor finds definitions with per-language line patterns. It is
// the default extractor: fast, dependency-free, and good enough for
// top-level declarations.
type RegexExtractor struct{}

func NewRegexExtractor() *RegexExtractor {
	return &RegexExtractor{}
}

// ExtractSymbols scans content line by line; the first matching pattern for
// a line wins.
func (e *RegexExtractor) ExtractSymbols(ctx context.Context, filePath string, content string) ([]Symbol, error) {
	lang := LanguageForPath(filePath)
	patterns, ok := regexPatterns[lang]
	if !ok {
		return nil, nil
	}

	var symbols []Symbol
	var pythonClassIndent = -1

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum%512 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := scanner.Text()

		for _, p := range patterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			name, kind := m[1], p.kind
			switch {
			case p.kindGroup > 0:
				kind = KindClass
				if m[p.kindGroup] == "interface" {
					kind = KindInterface
				}
			case lang == "python":
				indent := len(m[1])
				name = m[2]
				if kind == KindClass {
					pythonClassIndent = indent
				} else if pythonClassIndent >= 0 && indent > pythonClassIndent {
					kind = KindMethod
				}
			}
			if isKeyword(name) {
				break
			}
			symbols = append(symbols, Symbol{
				Name:      name,
				Kind:      kind,
				File:      filePath,
				Line:      lineNum,
				Signature: truncateSignature(line),
				Language:  lang,
			})
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return symbols, nil
}

func isKeyword(name string) bool {
	switch name {
	case "if", "for", "while", "switch", "return", "catch", "else", "new", "sizeof":
		return true
	}
	return false
}
