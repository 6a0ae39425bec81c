// Package manifest persists which files of a project are indexed and with
// what content.
//
// The manifest is the source of truth for incremental reindexing: a file is
// reindexed only when its content checksum differs from the recorded one.
// It is saved with write-then-rename, so a crash mid-save leaves the
// previous manifest intact. A manifest that cannot be decoded is never
// partially trusted: callers get ErrCorrupt and must rebuild from scratch.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/yoanbernabeu/grepaid/internal/fileutil"
)

// FileName is the manifest file name inside a project's data directory.
const FileName = "manifest.json"

// writeFile is replaced in tests to simulate a crash during Save.
var (
	defaultWriteFile = fileutil.WriteFileAtomic
	writeFile        = defaultWriteFile
)

// ErrCorrupt is returned when the persisted manifest cannot be trusted.
var ErrCorrupt = errors.New("manifest corrupted")

// Entry records the indexed state of one file.
type Entry struct {
	Checksum string   `json:"checksum"`
	ChunkIDs []string `json:"chunk_ids,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
}

// Manifest maps project-relative paths to their indexed state.
type Manifest struct {
	ProjectID             string           `json:"project_id"`
	Files                 map[string]Entry `json:"files"`
	LastFullIndexChecksum string           `json:"last_full_index_checksum,omitempty"`
	Generation            uint64           `json:"generation"`

	mu   sync.RWMutex
	path string
}

// New returns an empty manifest that will be saved at path.
func New(path, projectID string) *Manifest {
	return &Manifest{
		ProjectID: projectID,
		Files:     make(map[string]Entry),
		path:      path,
	}
}

// Path returns the manifest location inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Load reads the manifest at path. A missing file yields an empty manifest.
// Undecodable content, or a manifest belonging to another project, yields
// ErrCorrupt.
func Load(path, projectID string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(path, projectID), nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m := New(path, projectID)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if m.ProjectID != projectID {
		return nil, fmt.Errorf("%w: belongs to project %q", ErrCorrupt, m.ProjectID)
	}
	if m.Files == nil {
		m.Files = make(map[string]Entry)
	}
	m.path = path
	return m, nil
}

// Get returns the entry for path.
func (m *Manifest) Get(path string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.Files[path]
	return e, ok
}

// Checksum returns the recorded checksum for path, or "" when untracked.
func (m *Manifest) Checksum(path string) string {
	e, _ := m.Get(path)
	return e.Checksum
}

// Set records path as indexed with the given entry.
func (m *Manifest) Set(path string, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files[path] = e
}

// Remove forgets path.
func (m *Manifest) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Files, path)
}

// Paths returns the tracked paths in sorted order.
func (m *Manifest) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of tracked files.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Files)
}

// Reset drops every entry.
func (m *Manifest) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files = make(map[string]Entry)
	m.LastFullIndexChecksum = ""
}

// TreeChecksum digests every (path, checksum) pair in path order. It changes
// whenever any tracked file is added, removed or modified.
func (m *Manifest) TreeChecksum() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return treeChecksum(m.Files)
}

// MarkFullIndex records the tree checksum of a completed full build.
func (m *Manifest) MarkFullIndex() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastFullIndexChecksum = treeChecksum(m.Files)
}

// Save atomically writes the manifest and bumps its generation.
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.Generation + 1
	snapshot := struct {
		ProjectID             string           `json:"project_id"`
		Files                 map[string]Entry `json:"files"`
		LastFullIndexChecksum string           `json:"last_full_index_checksum,omitempty"`
		Generation            uint64           `json:"generation"`
	}{m.ProjectID, m.Files, m.LastFullIndexChecksum, next}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := writeFile(m.path, data, 0644); err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	m.Generation = next
	return nil
}

func treeChecksum(files map[string]Entry) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(files[p].Checksum))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashContent returns the content checksum used throughout the index.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashFile reads path and returns its content checksum.
func HashFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return HashContent(content), nil
}
