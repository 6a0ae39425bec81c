// Package watcher turns filesystem notifications into debounced,
// content-filtered index batches.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/yoanbernabeu/grepaid/indexer"
	"github.com/yoanbernabeu/grepaid/internal/logging"
	"github.com/yoanbernabeu/grepaid/manifest"
)

type EventKind int

const (
	Created EventKind = iota
	Modified
	Deleted
	Moved
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Moved:
		return "moved"
	default:
		return "unknown"
	}
}

// FileEvent is one pending change. ContentHash is empty for deletions.
type FileEvent struct {
	Path        string    `json:"path"`
	Kind        EventKind `json:"kind"`
	ContentHash string    `json:"content_hash,omitempty"`
}

type State int

const (
	Idle State = iota
	Accumulating
	Flushing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Target applies flushed batches. *indexer.Indexer implements it.
type Target interface {
	Apply(ctx context.Context, cs indexer.ChangeSet) (*indexer.Summary, error)
	IndexAll(ctx context.Context) (*indexer.Summary, error)
	Checksum(path string) string
}

type Options struct {
	Root     string
	Ignore   indexer.IgnoreRules
	Target   Target
	Debounce time.Duration
	Clock    clockwork.Clock
	Logger   *log.Logger

	// OnFlush, when set, observes the outcome of every flush.
	OnFlush func(*indexer.Summary, error)
}

// Watcher watches a project tree. Events pass the ignore rules, then a
// content checksum comparison against the committed manifest; survivors
// accumulate until the debounce window stays quiet, then flush as one batch.
type Watcher struct {
	opts  Options
	log   *log.Logger
	fsw   *fsnotify.Watcher
	quiet *QuietPeriod

	mu            sync.Mutex
	pending       map[string]FileEvent
	ignoreChanged bool
	state         State

	flushMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) (*Watcher, error) {
	if opts.Target == nil || opts.Ignore == nil {
		return nil, errors.New("watcher: target and ignore rules are required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		opts:    opts,
		log:     logging.OrDiscard(opts.Logger),
		fsw:     fsw,
		pending: make(map[string]FileEvent),
		ctx:     context.Background(),
	}
	w.quiet = NewQuietPeriod(opts.Clock, opts.Debounce, w.flush)
	return w, nil
}

// Start watches every non-ignored directory and begins processing events.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	if err := w.addRecursive(w.opts.Root, false); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Close stops watching. A flush in progress is canceled and waited for.
func (w *Watcher) Close() error {
	w.quiet.Stop()
	if w.cancel != nil {
		w.cancel()
	}
	err := w.fsw.Close()
	w.wg.Wait()
	w.flushMu.Lock()
	w.flushMu.Unlock()
	return err
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pending returns a snapshot of the accumulated events in path order.
func (w *Watcher) Pending() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	events := make([]FileEvent, 0, len(w.pending))
	for _, ev := range w.pending {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	return events
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "err", err)
		}
	}
}

// addRecursive watches dir and its non-skipped subdirectories. With
// queueFiles set, files found are queued as created; a directory that
// appears with content already in it would otherwise go unnoticed.
func (w *Watcher) addRecursive(dir string, queueFiles bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := w.rel(path)
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if rel != "." && w.skipDir(rel) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				w.log.Warn("failed to watch directory", "path", path, "err", err)
			}
			return nil
		}
		if queueFiles && d.Type().IsRegular() {
			w.observe(rel, Created)
		}
		return nil
	})
}

func (w *Watcher) skipDir(rel string) bool {
	if sd, ok := w.opts.Ignore.(interface{ SkipDir(string) bool }); ok {
		return sd.SkipDir(rel)
	}
	return w.opts.Ignore.IsIgnored(rel)
}

func (w *Watcher) rel(path string) (string, error) {
	rel, err := filepath.Rel(w.opts.Root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel, err := w.rel(ev.Name)
	if err != nil || rel == "." {
		return
	}

	if indexer.IsIgnoreFile(rel) && !ev.Has(fsnotify.Chmod) {
		w.mu.Lock()
		w.ignoreChanged = true
		w.mu.Unlock()
		w.markAccumulating()
		w.quiet.Accumulate()
	}

	switch {
	case ev.Has(fsnotify.Remove):
		w.observe(rel, Deleted)
	case ev.Has(fsnotify.Rename):
		w.observe(rel, Moved)
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.opts.Ignore.IsIgnored(rel) {
				return
			}
			if err := w.addRecursive(ev.Name, true); err != nil {
				w.log.Warn("failed to watch new directory", "path", ev.Name, "err", err)
			}
			return
		}
		w.observe(rel, Created)
	case ev.Has(fsnotify.Write):
		w.observe(rel, Modified)
	}
}

// observe applies the ignore rules and the checksum filter to one path and
// records it as pending when it really changed.
func (w *Watcher) observe(rel string, kind EventKind) {
	if w.opts.Ignore.IsIgnored(rel) {
		return
	}

	event := FileEvent{Path: rel, Kind: kind}
	if kind == Created || kind == Modified {
		hash, err := manifest.HashFile(filepath.Join(w.opts.Root, filepath.FromSlash(rel)))
		switch {
		case err != nil:
			event.Kind = Deleted
		case hash == w.opts.Target.Checksum(rel):
			// Same content as committed: nothing to do, and any earlier
			// pending change to this path has been reverted.
			w.mu.Lock()
			delete(w.pending, rel)
			w.mu.Unlock()
			return
		default:
			event.ContentHash = hash
		}
	}

	if event.Kind == Deleted || event.Kind == Moved {
		if w.opts.Target.Checksum(rel) == "" && !w.hasPending(rel) {
			return
		}
	}

	w.mu.Lock()
	w.pending[rel] = event
	w.mu.Unlock()
	w.markAccumulating()
	w.quiet.Accumulate()
}

func (w *Watcher) hasPending(rel string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[rel]
	return ok
}

func (w *Watcher) markAccumulating() {
	w.mu.Lock()
	if w.state == Idle {
		w.state = Accumulating
	}
	w.mu.Unlock()
}

// flush drains the pending set into one batch. It runs on the quiet-period
// timer goroutine; flushes never overlap.
func (w *Watcher) flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	events := w.pending
	w.pending = make(map[string]FileEvent)
	reload := w.ignoreChanged
	w.ignoreChanged = false
	w.state = Flushing
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if len(w.pending) > 0 || w.ignoreChanged {
			w.state = Accumulating
		} else {
			w.state = Idle
		}
		w.mu.Unlock()
	}()

	if w.ctx.Err() != nil {
		return
	}

	var (
		sum *indexer.Summary
		err error
	)
	if reload {
		if rerr := w.opts.Ignore.Reload(); rerr != nil {
			w.log.Warn("failed to reload ignore rules", "err", rerr)
		}
		sum, err = w.opts.Target.IndexAll(w.ctx)
	} else {
		cs := w.partition(events)
		if cs.Empty() {
			return
		}
		w.log.Debug("flushing changes",
			"added", len(cs.Added), "modified", len(cs.Modified), "removed", len(cs.Removed))
		sum, err = w.opts.Target.Apply(w.ctx, cs)
	}

	if err != nil && !errors.Is(err, indexer.ErrPartialFailure) {
		w.log.Error("flush failed", "err", err)
	}
	if w.opts.OnFlush != nil {
		w.opts.OnFlush(sum, err)
	}
}

// partition re-checks every pending path against disk and the manifest.
// Content reverted during the window drops out here.
func (w *Watcher) partition(events map[string]FileEvent) indexer.ChangeSet {
	paths := make([]string, 0, len(events))
	for p := range events {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var cs indexer.ChangeSet
	for _, p := range paths {
		committed := w.opts.Target.Checksum(p)
		hash, err := manifest.HashFile(filepath.Join(w.opts.Root, filepath.FromSlash(p)))
		switch {
		case err != nil:
			if committed != "" {
				cs.Removed = append(cs.Removed, p)
			}
		case hash == committed:
		case committed == "":
			cs.Added = append(cs.Added, p)
		default:
			cs.Modified = append(cs.Modified, p)
		}
	}
	return cs
}
