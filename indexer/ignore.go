package indexer

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/yoanbernabeu/grepaid/config"
)

// IgnoreRules decides which project paths are excluded from indexing and
// watching. Paths are relative to the project root and slash-separated.
type IgnoreRules interface {
	IsIgnored(path string) bool
	Reload() error
}

// alwaysIgnored directories are never descended into.
var alwaysIgnored = []string{".git", ".hg", ".svn"}

// IsIgnoreFile reports whether name is a file whose edits change the rules.
func IsIgnoreFile(name string) bool {
	base := filepath.Base(name)
	return base == ".gitignore" || base == config.IgnoreFileName
}

// scopedMatcher is a compiled .gitignore applying below baseDir.
type scopedMatcher struct {
	gi      *ignore.GitIgnore
	baseDir string // "" for the project root
}

// overrideMatcher is a compiled .grepaidignore. "full" keeps negations and
// gives the verdict; "any" has every pattern positive and detects whether
// the file has an opinion on a path at all.
type overrideMatcher struct {
	full    *ignore.GitIgnore
	any     *ignore.GitIgnore
	baseDir string
}

type ruleSet struct {
	gitignores   []scopedMatcher
	overrides    []overrideMatcher
	hasNegations bool
}

// IgnoreMatcher implements IgnoreRules from nested .gitignore files,
// nested .grepaidignore files and extra patterns from the config.
//
// A .grepaidignore verdict wins over .gitignore at the same or a shallower
// level; a deeper .gitignore still wins over a shallower .grepaidignore.
type IgnoreMatcher struct {
	root  string
	extra []string

	mu    sync.RWMutex
	rules ruleSet
}

// NewIgnoreMatcher compiles the rules found under root.
func NewIgnoreMatcher(root string, extra []string) (*IgnoreMatcher, error) {
	m := &IgnoreMatcher{root: root, extra: extra}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload recompiles every ignore file under the root.
func (m *IgnoreMatcher) Reload() error {
	var rs ruleSet
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != m.root && m.isStaticDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		if name != ".gitignore" && name != config.IgnoreFileName {
			return nil
		}
		rel, err := filepath.Rel(m.root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		base := filepath.ToSlash(rel)
		if base == "." {
			base = ""
		}

		if name == ".gitignore" {
			gi, err := ignore.CompileIgnoreFile(path)
			if err != nil {
				return nil
			}
			rs.gitignores = append(rs.gitignores, scopedMatcher{gi: gi, baseDir: base})
			return nil
		}

		om, negations, err := compileOverrideFile(path)
		if err != nil {
			return nil
		}
		om.baseDir = base
		rs.overrides = append(rs.overrides, om)
		rs.hasNegations = rs.hasNegations || negations
		return nil
	})
	if err != nil {
		return err
	}

	if len(m.extra) > 0 {
		rs.gitignores = append(rs.gitignores, scopedMatcher{gi: ignore.CompileIgnoreLines(m.extra...)})
	}

	m.mu.Lock()
	m.rules = rs
	m.mu.Unlock()
	return nil
}

func (m *IgnoreMatcher) isStaticDir(name string) bool {
	for _, d := range alwaysIgnored {
		if name == d {
			return true
		}
	}
	for _, d := range m.extra {
		if name == d {
			return true
		}
	}
	return false
}

// IsIgnored reports whether the project-relative path is excluded.
func (m *IgnoreMatcher) IsIgnored(path string) bool {
	p := filepath.ToSlash(path)
	for _, seg := range strings.Split(p, "/") {
		for _, d := range alwaysIgnored {
			if seg == d {
				return true
			}
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules.ignored(p, m.extra)
}

// SkipDir reports whether a walk may skip the directory entirely. With
// negations in a .grepaidignore, files inside an ignored directory may be
// re-included, so the walk has to descend.
func (m *IgnoreMatcher) SkipDir(path string) bool {
	if !m.IsIgnored(path) {
		return false
	}
	p := filepath.ToSlash(path)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if verdict, ok, _ := m.rules.override(p); ok {
		return verdict
	}
	return !m.rules.hasNegations
}

func (rs *ruleSet) ignored(p string, extra []string) bool {
	verdict, ok, overrideBase := rs.override(p)
	if ok {
		if verdict {
			return true
		}
		ignored, gitBase := rs.gitignored(p, extra)
		return ignored && len(gitBase) > len(overrideBase)
	}
	ignored, _ := rs.gitignored(p, extra)
	return ignored
}

// override returns the verdict of the deepest .grepaidignore with an opinion.
func (rs *ruleSet) override(p string) (verdict, ok bool, base string) {
	var best *overrideMatcher
	for i := range rs.overrides {
		om := &rs.overrides[i]
		rel, in := relativeTo(p, om.baseDir)
		if !in {
			continue
		}
		if om.any.MatchesPath(rel) || om.any.MatchesPath(rel+"/") {
			if best == nil || len(om.baseDir) > len(best.baseDir) {
				best = om
			}
		}
	}
	if best == nil {
		return false, false, ""
	}

	rel, _ := relativeTo(p, best.baseDir)
	plain := best.full.MatchesPath(rel)
	slash := best.full.MatchesPath(rel + "/")
	// A directory-only negation matches the slash form only.
	if plain && !slash {
		return false, true, best.baseDir
	}
	return plain || slash, true, best.baseDir
}

// gitignored returns whether any .gitignore or extra pattern matches, and
// the base of the deepest matching file.
func (rs *ruleSet) gitignored(p string, extra []string) (bool, string) {
	found := false
	deepest := ""

	name := p
	if i := strings.LastIndex(p, "/"); i >= 0 {
		name = p[i+1:]
	}
	for _, d := range extra {
		if name == d {
			found = true
			break
		}
	}

	for _, sm := range rs.gitignores {
		rel, in := relativeTo(p, sm.baseDir)
		if !in {
			continue
		}
		if sm.gi.MatchesPath(rel) || sm.gi.MatchesPath(rel+"/") {
			if !found || len(sm.baseDir) > len(deepest) {
				deepest = sm.baseDir
				found = true
			}
		}
	}
	return found, deepest
}

func relativeTo(p, base string) (string, bool) {
	if base == "" {
		return p, true
	}
	if p == base {
		return ".", true
	}
	if strings.HasPrefix(p, base+"/") {
		return p[len(base)+1:], true
	}
	return "", false
}

func compileOverrideFile(path string) (overrideMatcher, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return overrideMatcher{}, false, err
	}

	var full, anyLines []string
	negations := false
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		full = append(full, line)
		if strings.HasPrefix(line, "!") {
			negations = true
			line = line[1:]
		}
		anyLines = append(anyLines, line)
	}

	return overrideMatcher{
		full: ignore.CompileIgnoreLines(full...),
		any:  ignore.CompileIgnoreLines(anyLines...),
	}, negations, nil
}
