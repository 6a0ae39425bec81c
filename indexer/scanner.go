package indexer

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// DefaultMaxFileSize bounds the files considered for indexing.
const DefaultMaxFileSize = 1 << 20

// binaryProbeSize is how much of a file is inspected for NUL bytes.
const binaryProbeSize = 8 << 10

// FileInfo is one indexable file found by a scan.
type FileInfo struct {
	Path string // project-relative, slash-separated
	Size int64
}

// Scanner lists the indexable files of a project.
type Scanner struct {
	root        string
	ignore      IgnoreRules
	maxFileSize int64
}

func NewScanner(root string, rules IgnoreRules, maxFileSize int64) *Scanner {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Scanner{root: root, ignore: rules, maxFileSize: maxFileSize}
}

// Scan walks the root and returns indexable files in path order, plus the
// paths skipped for size.
func (s *Scanner) Scan() ([]FileInfo, []string, error) {
	var files []FileInfo
	var skipped []string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.root {
				return err
			}
			return nil
		}
		if path == s.root {
			return nil
		}

		rel, err := s.Rel(path)
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if s.skipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.ignore.IsIgnored(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > s.maxFileSize {
			skipped = append(skipped, rel)
			return nil
		}
		files = append(files, FileInfo{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, skipped, nil
}

// Rel converts an absolute path under the root to the project-relative form.
func (s *Scanner) Rel(path string) (string, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Abs converts a project-relative path to an absolute one.
func (s *Scanner) Abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Indexable reports whether a single project-relative path would be
// included by Scan.
func (s *Scanner) Indexable(rel string) bool {
	if s.ignore.IsIgnored(rel) {
		return false
	}
	info, err := os.Stat(s.Abs(rel))
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Size() <= s.maxFileSize
}

func (s *Scanner) skipDir(rel string) bool {
	if sd, ok := s.ignore.(interface{ SkipDir(string) bool }); ok {
		return sd.SkipDir(rel)
	}
	return s.ignore.IsIgnored(rel)
}

// IsBinary reports whether content looks like a binary file.
func IsBinary(content []byte) bool {
	if len(content) > binaryProbeSize {
		content = content[:binaryProbeSize]
	}
	return bytes.IndexByte(content, 0) >= 0
}
