package search

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/yoanbernabeu/grepaid/indexer"
)

// ErrInvalidPattern is returned for a pattern that does not compile.
var ErrInvalidPattern = errors.New("invalid pattern")

// ErrStop may be returned by an emit callback to end a search early
// without error.
var ErrStop = errors.New("stop search")

// PatternMatch is one matching line.
type PatternMatch struct {
	File string
	Line int
	Text string
}

// PatternMatcher runs a regular expression over project files and streams
// matches to emit. paths restricts the search to project-relative prefixes
// and fileTypes to extensions; both are optional.
type PatternMatcher interface {
	Search(ctx context.Context, pattern string, paths, fileTypes []string, emit func(PatternMatch) error) error
}

// RegexpMatcher is the default PatternMatcher: RE2 over every indexable
// file of the project, in path order.
type RegexpMatcher struct {
	scanner *indexer.Scanner
}

func NewRegexpMatcher(scanner *indexer.Scanner) *RegexpMatcher {
	return &RegexpMatcher{scanner: scanner}
}

func (m *RegexpMatcher) Search(ctx context.Context, pattern string, paths, fileTypes []string, emit func(PatternMatch) error) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	files, _, err := m.scanner.Scan()
	if err != nil {
		return fmt.Errorf("failed to list files: %w", err)
	}

	filter := Filters{Paths: paths, FileTypes: fileTypes}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !filter.Match(f.Path) {
			continue
		}
		if err := m.searchFile(re, f.Path, emit); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (m *RegexpMatcher) searchFile(re *regexp.Regexp, rel string, emit func(PatternMatch) error) error {
	content, err := os.ReadFile(m.scanner.Abs(rel))
	if err != nil {
		// Deleted between scan and read.
		return nil
	}
	if indexer.IsBinary(content) {
		return nil
	}

	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), len(content)+1)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if !re.MatchString(text) {
			continue
		}
		if err := emit(PatternMatch{File: rel, Line: line, Text: strings.TrimRight(text, "\r")}); err != nil {
			return err
		}
	}
	return sc.Err()
}
