package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoanbernabeu/grepaid/indexer"
	"github.com/yoanbernabeu/grepaid/manifest"
)

type fakeTarget struct {
	mu       sync.Mutex
	sums     map[string]string
	applied  []indexer.ChangeSet
	fullRuns int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{sums: make(map[string]string)}
}

func (f *fakeTarget) Apply(ctx context.Context, cs indexer.ChangeSet) (*indexer.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, cs)
	return &indexer.Summary{Added: len(cs.Added), Modified: len(cs.Modified), Removed: len(cs.Removed)}, nil
}

func (f *fakeTarget) IndexAll(ctx context.Context) (*indexer.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fullRuns++
	return &indexer.Summary{Full: true}, nil
}

func (f *fakeTarget) Checksum(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sums[path]
}

func (f *fakeTarget) commit(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sums[path] = manifest.HashContent([]byte(content))
}

func (f *fakeTarget) batches() []indexer.ChangeSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]indexer.ChangeSet(nil), f.applied...)
}

func (f *fakeTarget) full() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fullRuns
}

func newTestWatcher(t *testing.T, clock clockwork.Clock, debounce time.Duration) (*Watcher, *fakeTarget, string) {
	t.Helper()
	root := t.TempDir()
	rules, err := indexer.NewIgnoreMatcher(root, nil)
	require.NoError(t, err)

	target := newFakeTarget()
	w, err := New(Options{Root: root, Ignore: rules, Target: target, Debounce: debounce, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, target, root
}

func writeFile(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func waitIdle(t *testing.T, w *Watcher) {
	t.Helper()
	require.Eventually(t, func() bool {
		return w.State() == Idle && !w.quiet.Armed()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatcher_UnchangedContentIsDropped(t *testing.T) {
	w, target, root := newTestWatcher(t, clockwork.NewFakeClock(), 500*time.Millisecond)
	path := writeFile(t, root, "main.go", "package main\n")
	target.commit("main.go", "package main\n")

	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})

	assert.Empty(t, w.Pending())
	assert.False(t, w.quiet.Armed())
	assert.Equal(t, Idle, w.State())
}

func TestWatcher_BurstFlushesOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w, target, root := newTestWatcher(t, clock, 500*time.Millisecond)

	for i, content := range []string{"a", "ab", "abc"} {
		path := writeFile(t, root, "a.go", content)
		w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
		if i == 0 {
			assert.Equal(t, Accumulating, w.State())
		}
		clock.Advance(300 * time.Millisecond)
	}
	assert.Empty(t, target.batches())
	require.Len(t, w.Pending(), 1)
	assert.Equal(t, manifest.HashContent([]byte("abc")), w.Pending()[0].ContentHash)

	clock.Advance(200 * time.Millisecond)
	waitIdle(t, w)

	batches := target.batches()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"a.go"}, batches[0].Added)
}

func TestWatcher_RevertedEditIsDropped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w, target, root := newTestWatcher(t, clock, 500*time.Millisecond)
	target.commit("lib.go", "v1")

	path := writeFile(t, root, "lib.go", "v2")
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	require.Len(t, w.Pending(), 1)

	writeFile(t, root, "lib.go", "v1")
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	assert.Empty(t, w.Pending())

	clock.Advance(time.Second)
	waitIdle(t, w)
	assert.Empty(t, target.batches())
}

func TestWatcher_DeletionAndModification(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w, target, root := newTestWatcher(t, clock, 500*time.Millisecond)
	target.commit("gone.go", "old")
	target.commit("kept.go", "old")

	kept := writeFile(t, root, "kept.go", "new")
	w.handleEvent(fsnotify.Event{Name: kept, Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(root, "gone.go"), Op: fsnotify.Remove})
	// Never indexed, nothing to remove.
	w.handleEvent(fsnotify.Event{Name: filepath.Join(root, "stray.go"), Op: fsnotify.Remove})

	clock.Advance(500 * time.Millisecond)
	waitIdle(t, w)

	batches := target.batches()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"kept.go"}, batches[0].Modified)
	assert.Equal(t, []string{"gone.go"}, batches[0].Removed)
	assert.Empty(t, batches[0].Added)
}

func TestWatcher_IgnoredPathsNeverQueue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w, _, root := newTestWatcher(t, clock, 500*time.Millisecond)

	path := writeFile(t, root, ".git/index", "binary")
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})

	assert.Empty(t, w.Pending())
	assert.False(t, w.quiet.Armed())
}

func TestWatcher_IgnoreFileChangeTriggersFullRun(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w, target, root := newTestWatcher(t, clock, 500*time.Millisecond)

	path := writeFile(t, root, ".gitignore", "gen/\n")
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})

	clock.Advance(500 * time.Millisecond)
	waitIdle(t, w)

	assert.Equal(t, 1, target.full())
	assert.Empty(t, target.batches())
	assert.True(t, w.opts.Ignore.IsIgnored("gen/x.go"))
}

func TestWatcher_FilesystemEvents(t *testing.T) {
	w, target, root := newTestWatcher(t, clockwork.NewRealClock(), 50*time.Millisecond)
	require.NoError(t, w.Start(context.Background()))

	writeFile(t, root, "pkg/new.go", "package pkg\n")

	require.Eventually(t, func() bool {
		for _, cs := range target.batches() {
			for _, p := range cs.Added {
				if p == "pkg/new.go" {
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_TouchWithoutContentChangeNeverReindexes(t *testing.T) {
	w, target, root := newTestWatcher(t, clockwork.NewRealClock(), 50*time.Millisecond)
	path := writeFile(t, root, "main.go", "package main\n")
	target.commit("main.go", "package main\n")
	ignorePath := writeFile(t, root, ".gitignore", "*.log\n")
	require.NoError(t, w.Start(context.Background()))

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	require.NoError(t, os.Chtimes(ignorePath, later, later))
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Chmod})
	w.handleEvent(fsnotify.Event{Name: ignorePath, Op: fsnotify.Chmod})

	// Several debounce windows pass without any work.
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, w.Pending())
	assert.False(t, w.quiet.Armed())
	assert.Equal(t, Idle, w.State())
	assert.Empty(t, target.batches())
	assert.Zero(t, target.full())
}
