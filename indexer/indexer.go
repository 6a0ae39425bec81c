package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/yoanbernabeu/grepaid/embedder"
	"github.com/yoanbernabeu/grepaid/internal/logging"
	"github.com/yoanbernabeu/grepaid/manifest"
	"github.com/yoanbernabeu/grepaid/store"
	"github.com/yoanbernabeu/grepaid/trace"
)

// ErrPartialFailure matches the error returned for a batch in which some
// files could not be indexed.
var ErrPartialFailure = errors.New("partial index failure")

// FileError is the failure of one file within a batch.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *FileError) Unwrap() error { return e.Err }

// PartialFailureError aggregates the per-file failures of a batch.
type PartialFailureError struct {
	Failed []FileError
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for i := range e.Failed {
		parts = append(parts, e.Failed[i].Error())
	}
	return fmt.Sprintf("%d file(s) failed to index: %s", len(e.Failed), strings.Join(parts, "; "))
}

func (e *PartialFailureError) Is(target error) bool { return target == ErrPartialFailure }

// ChangeSet is a batch of project-relative paths to bring up to date.
type ChangeSet struct {
	Added    []string
	Modified []string
	Removed  []string
}

func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

// Summary reports the outcome of one batch.
type Summary struct {
	Added      int               `json:"added"`
	Modified   int               `json:"modified"`
	Removed    int               `json:"removed"`
	Unchanged  int               `json:"unchanged"`
	Chunks     int               `json:"chunks"`
	Failed     map[string]string `json:"failed,omitempty"`
	Full       bool              `json:"full"`
	Canceled   bool              `json:"canceled,omitempty"`
	Duration   time.Duration     `json:"duration"`
	Generation uint64            `json:"generation"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Changed reports whether the batch committed anything.
func (s *Summary) Changed() bool {
	return s.Added+s.Modified+s.Removed > 0
}

func (s *Summary) PartialFailure() bool { return len(s.Failed) > 0 }

// Err returns a *PartialFailureError when any file failed, nil otherwise.
func (s *Summary) Err() error {
	if !s.PartialFailure() {
		return nil
	}
	paths := make([]string, 0, len(s.Failed))
	for p := range s.Failed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	pf := &PartialFailureError{}
	for _, p := range paths {
		pf.Failed = append(pf.Failed, FileError{Path: p, Err: errors.New(s.Failed[p])})
	}
	return pf
}

// Stats describes the committed index.
type Stats struct {
	Files   int `json:"files"`
	Vectors int `json:"vectors"`
	Symbols int `json:"symbols"`
}

type Options struct {
	Root      string
	ProjectID string
	DataDir   string

	// Store and Embedder may both be nil; semantic data is then not kept.
	Store    store.VectorStore
	Embedder embedder.Embedder

	// Symbols may be nil; symbol data is then not kept.
	Symbols   *trace.SQLiteSymbolStore
	Extractor trace.SymbolExtractor

	Chunker     *Chunker
	Ignore      IgnoreRules
	Logger      *log.Logger
	MaxFileSize int64
}

// Indexer keeps a project's stores and manifest in sync with its files.
// Full builds and incremental batches are serialised.
type Indexer struct {
	opts    Options
	log     *log.Logger
	scanner *Scanner

	mu      sync.Mutex
	mf      atomic.Pointer[manifest.Manifest]
	corrupt bool

	lastMu sync.RWMutex
	last   *Summary
}

// New loads the project manifest. A corrupt manifest is not fatal here:
// the indexer starts empty and the next IndexAll rebuilds from scratch.
func New(opts Options) (*Indexer, error) {
	if opts.Root == "" || opts.DataDir == "" {
		return nil, errors.New("indexer: root and data dir are required")
	}
	if opts.Chunker == nil {
		opts.Chunker = NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	}
	if opts.Extractor == nil {
		opts.Extractor = trace.NewDefaultExtractor()
	}
	if opts.Ignore == nil {
		rules, err := NewIgnoreMatcher(opts.Root, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load ignore rules: %w", err)
		}
		opts.Ignore = rules
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	idx := &Indexer{
		opts:    opts,
		log:     logging.OrDiscard(opts.Logger),
		scanner: NewScanner(opts.Root, opts.Ignore, opts.MaxFileSize),
	}

	m, err := manifest.Load(manifest.Path(opts.DataDir), opts.ProjectID)
	switch {
	case errors.Is(err, manifest.ErrCorrupt):
		idx.log.Warn("manifest corrupted, full rebuild required", "err", err)
		idx.corrupt = true
		m = manifest.New(manifest.Path(opts.DataDir), opts.ProjectID)
	case err != nil:
		return nil, err
	}
	idx.mf.Store(m)
	return idx, nil
}

// NeedsRebuild reports whether the manifest was found corrupt and no full
// build has been committed since.
func (idx *Indexer) NeedsRebuild() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.corrupt
}

// Indexed reports whether a manifest with at least one file exists.
func (idx *Indexer) Indexed() bool {
	return idx.mf.Load().Len() > 0
}

// Checksum returns the committed checksum for path, or "" when untracked.
func (idx *Indexer) Checksum(path string) string {
	return idx.mf.Load().Checksum(path)
}

// Scanner exposes the path helpers used by the indexer.
func (idx *Indexer) Scanner() *Scanner { return idx.scanner }

func (idx *Indexer) LastSummary() *Summary {
	idx.lastMu.RLock()
	defer idx.lastMu.RUnlock()
	return idx.last
}

func (idx *Indexer) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Files: idx.mf.Load().Len()}
	if idx.opts.Store != nil {
		n, err := idx.opts.Store.Count(ctx)
		if err != nil {
			return st, fmt.Errorf("failed to count vectors: %w", err)
		}
		st.Vectors = n
	}
	if idx.opts.Symbols != nil {
		n, err := idx.opts.Symbols.Count(ctx)
		if err != nil {
			return st, fmt.Errorf("failed to count symbols: %w", err)
		}
		st.Symbols = n
	}
	return st, nil
}

// IndexAll brings the whole project up to date: every indexable file is
// checked against the manifest and tracked files that disappeared are
// removed. The returned summary is never nil.
func (idx *Indexer) IndexAll(ctx context.Context) (*Summary, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.indexAllLocked(ctx, idx.corrupt)
}

// Rebuild clears the stores and the manifest, then indexes every file.
func (idx *Indexer) Rebuild(ctx context.Context) (*Summary, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.indexAllLocked(ctx, true)
}

func (idx *Indexer) indexAllLocked(ctx context.Context, reset bool) (*Summary, error) {
	if reset {
		if err := idx.resetLocked(ctx); err != nil {
			return &Summary{Full: true}, fmt.Errorf("failed to reset index: %w", err)
		}
	}

	files, skipped, err := idx.scanner.Scan()
	if err != nil {
		return &Summary{Full: true}, fmt.Errorf("failed to scan files: %w", err)
	}
	if len(skipped) > 0 {
		idx.log.Debug("skipped oversized files", "count", len(skipped))
	}

	seen := make(map[string]bool, len(files))
	candidates := make([]string, 0, len(files))
	for _, f := range files {
		seen[f.Path] = true
		candidates = append(candidates, f.Path)
	}
	var removed []string
	for _, p := range idx.mf.Load().Paths() {
		if !seen[p] {
			removed = append(removed, p)
		}
	}

	sum, err := idx.runLocked(ctx, candidates, removed, true, reset)
	if reset && (err == nil || errors.Is(err, ErrPartialFailure)) {
		idx.corrupt = false
	}
	return sum, err
}

// Apply indexes one batch of changes. Paths listed as added or modified
// that no longer exist, or are no longer indexable, are removed instead.
func (idx *Indexer) Apply(ctx context.Context, cs ChangeSet) (*Summary, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.corrupt {
		return &Summary{}, fmt.Errorf("incremental update refused: %w", manifest.ErrCorrupt)
	}

	candidates := make([]string, 0, len(cs.Added)+len(cs.Modified))
	candidates = append(candidates, cs.Added...)
	candidates = append(candidates, cs.Modified...)
	return idx.runLocked(ctx, candidates, cs.Removed, false, false)
}

func (idx *Indexer) resetLocked(ctx context.Context) error {
	if idx.opts.Store != nil {
		if err := idx.opts.Store.Reset(ctx); err != nil {
			return err
		}
	}
	if idx.opts.Symbols != nil {
		if err := idx.opts.Symbols.Reset(ctx); err != nil {
			return err
		}
	}
	idx.mf.Load().Reset()
	return nil
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeAdded
	outcomeModified
	outcomeRemoved
	outcomeSkipped
)

func (idx *Indexer) runLocked(ctx context.Context, candidates, removed []string, full, force bool) (*Summary, error) {
	start := time.Now()
	sum := &Summary{Full: full, Failed: make(map[string]string)}

	fail := func(path string, err error) {
		sum.Failed[path] = err.Error()
		idx.log.Warn("failed to index file", "path", path, "err", err)
	}

	for _, p := range removed {
		if ctx.Err() != nil {
			break
		}
		ok, err := idx.removeFile(ctx, p)
		if err != nil {
			fail(p, err)
			continue
		}
		if ok {
			sum.Removed++
		}
	}

	for _, p := range candidates {
		if ctx.Err() != nil {
			break
		}
		out, chunks, err := idx.indexFile(ctx, p)
		if err != nil {
			fail(p, err)
			continue
		}
		switch out {
		case outcomeAdded:
			sum.Added++
		case outcomeModified:
			sum.Modified++
		case outcomeRemoved:
			sum.Removed++
		case outcomeUnchanged:
			sum.Unchanged++
		}
		sum.Chunks += chunks
	}

	canceled := ctx.Err() != nil
	sum.Canceled = canceled

	if sum.Changed() || force || (full && !canceled && idx.mf.Load().LastFullIndexChecksum == "") {
		// Completed work is committed even when the batch was canceled.
		commitCtx := context.WithoutCancel(ctx)
		if full && !canceled && !sum.PartialFailure() {
			idx.mf.Load().MarkFullIndex()
		}
		if err := idx.commit(commitCtx); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}
	}

	sum.Generation = idx.mf.Load().Generation
	sum.Duration = time.Since(start)
	sum.FinishedAt = time.Now()
	if len(sum.Failed) == 0 {
		sum.Failed = nil
	}

	idx.lastMu.Lock()
	idx.last = sum
	idx.lastMu.Unlock()

	idx.log.Info("index batch done",
		"full", full,
		"added", sum.Added,
		"modified", sum.Modified,
		"removed", sum.Removed,
		"unchanged", sum.Unchanged,
		"failed", len(sum.Failed),
		"duration", sum.Duration.Round(time.Millisecond))

	if canceled {
		return sum, ctx.Err()
	}
	return sum, sum.Err()
}

// commit persists the stores, then the manifest, then publishes a new
// freshness token. A failure leaves the previous manifest on disk and the
// in-memory manifest is reloaded from it.
func (idx *Indexer) commit(ctx context.Context) error {
	if idx.opts.Store != nil {
		if err := idx.opts.Store.Persist(ctx); err != nil {
			idx.reloadManifest()
			return fmt.Errorf("failed to persist vector store: %w", err)
		}
	}
	if err := idx.mf.Load().Save(); err != nil {
		idx.reloadManifest()
		return err
	}
	if _, err := manifest.WriteToken(idx.opts.DataDir); err != nil {
		return err
	}
	return nil
}

func (idx *Indexer) reloadManifest() {
	m, err := manifest.Load(manifest.Path(idx.opts.DataDir), idx.opts.ProjectID)
	if err != nil {
		idx.log.Error("failed to reload manifest", "err", err)
		idx.corrupt = true
		idx.mf.Store(manifest.New(manifest.Path(idx.opts.DataDir), idx.opts.ProjectID))
		return
	}
	idx.mf.Store(m)
}

func (idx *Indexer) indexFile(ctx context.Context, rel string) (outcome, int, error) {
	abs := idx.scanner.Abs(rel)
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return idx.removedOutcome(ctx, rel)
		}
		return outcomeSkipped, 0, err
	}
	if !info.Mode().IsRegular() || info.Size() > idx.scanner.maxFileSize || idx.opts.Ignore.IsIgnored(rel) {
		return idx.removedOutcome(ctx, rel)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return idx.removedOutcome(ctx, rel)
		}
		return outcomeSkipped, 0, err
	}
	if IsBinary(content) {
		return idx.removedOutcome(ctx, rel)
	}

	checksum := manifest.HashContent(content)
	prev, tracked := idx.mf.Load().Get(rel)
	if tracked && prev.Checksum == checksum {
		return outcomeUnchanged, 0, nil
	}

	text := string(content)
	entry := manifest.Entry{Checksum: checksum}

	if idx.opts.Store != nil && idx.opts.Embedder != nil {
		chunks := idx.opts.Chunker.Chunk(rel, text)
		ids, err := idx.storeChunks(ctx, chunks)
		if err != nil {
			return outcomeSkipped, 0, err
		}
		entry.ChunkIDs = ids
		keep := make(map[string]bool, len(ids))
		for _, id := range ids {
			keep[id] = true
		}
		for _, id := range prev.ChunkIDs {
			if keep[id] {
				continue
			}
			if err := idx.opts.Store.Delete(ctx, id); err != nil {
				return outcomeSkipped, 0, fmt.Errorf("failed to delete stale chunk %s: %w", id, err)
			}
		}
	}

	if idx.opts.Symbols != nil {
		syms, err := idx.opts.Extractor.ExtractSymbols(ctx, rel, text)
		if err != nil {
			return outcomeSkipped, 0, fmt.Errorf("failed to extract symbols: %w", err)
		}
		if err := idx.opts.Symbols.ReplaceFile(ctx, rel, syms); err != nil {
			return outcomeSkipped, 0, fmt.Errorf("failed to store symbols: %w", err)
		}
		for _, s := range syms {
			entry.Symbols = append(entry.Symbols, s.Name)
		}
	}

	idx.mf.Load().Set(rel, entry)
	if tracked {
		return outcomeModified, len(entry.ChunkIDs), nil
	}
	return outcomeAdded, len(entry.ChunkIDs), nil
}

func (idx *Indexer) storeChunks(ctx context.Context, chunks []ChunkInfo) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := idx.opts.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		meta := store.Metadata{
			FilePath:  c.FilePath,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			Content:   c.Content,
		}
		if err := idx.opts.Store.Upsert(ctx, c.ID, vectors[i], meta); err != nil {
			return nil, fmt.Errorf("failed to store chunk %s: %w", c.ID, err)
		}
		ids[i] = c.ID
	}
	return ids, nil
}

func (idx *Indexer) removedOutcome(ctx context.Context, rel string) (outcome, int, error) {
	ok, err := idx.removeFile(ctx, rel)
	if err != nil {
		return outcomeSkipped, 0, err
	}
	if ok {
		return outcomeRemoved, 0, nil
	}
	return outcomeSkipped, 0, nil
}

// removeFile drops every trace of rel. It reports false when rel was not
// tracked.
func (idx *Indexer) removeFile(ctx context.Context, rel string) (bool, error) {
	entry, tracked := idx.mf.Load().Get(rel)
	if !tracked {
		return false, nil
	}
	if idx.opts.Store != nil {
		for _, id := range entry.ChunkIDs {
			if err := idx.opts.Store.Delete(ctx, id); err != nil {
				return false, fmt.Errorf("failed to delete chunk %s: %w", id, err)
			}
		}
	}
	if idx.opts.Symbols != nil {
		if err := idx.opts.Symbols.DeleteFile(ctx, rel); err != nil {
			return false, fmt.Errorf("failed to delete symbols: %w", err)
		}
	}
	idx.mf.Load().Remove(rel)
	return true, nil
}
