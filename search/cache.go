package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/yoanbernabeu/grepaid/config"
	"github.com/yoanbernabeu/grepaid/internal/logging"
	"github.com/yoanbernabeu/grepaid/manifest"
	"github.com/yoanbernabeu/grepaid/store"
	"github.com/yoanbernabeu/grepaid/trace"
)

// Handle is a read-only view of one data directory at one freshness token.
// It is shared by concurrent searches and closed once it has been replaced
// and the last search using it has released it.
type Handle struct {
	DataDir string
	Token   string

	// Vectors and Symbols are nil when the data directory has none.
	Vectors store.VectorStore
	Symbols *trace.SQLiteSymbolStore

	vectorCount int
	symbolCount int

	mu   sync.Mutex
	refs int
}

// NewHandle wraps opened stores. Counts are taken once, at build time.
func NewHandle(ctx context.Context, dataDir string, vectors store.VectorStore, symbols *trace.SQLiteSymbolStore) (*Handle, error) {
	h := &Handle{DataDir: dataDir, Vectors: vectors, Symbols: symbols, refs: 1}
	if vectors != nil {
		n, err := vectors.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count vectors: %w", err)
		}
		h.vectorCount = n
	}
	if symbols != nil {
		n, err := symbols.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count symbols: %w", err)
		}
		h.symbolCount = n
	}
	return h, nil
}

func (h *Handle) VectorCount() int { return h.vectorCount }
func (h *Handle) SymbolCount() int { return h.symbolCount }

func (h *Handle) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return false
	}
	h.refs++
	return true
}

// Release returns a handle obtained from GetOrBuild.
func (h *Handle) Release() {
	h.mu.Lock()
	h.refs--
	last := h.refs == 0
	h.mu.Unlock()
	if last {
		h.close()
	}
}

func (h *Handle) close() {
	if h.Vectors != nil {
		_ = h.Vectors.Close()
	}
	if h.Symbols != nil {
		_ = h.Symbols.Close()
	}
}

// Opener builds a handle from what is on disk for dataDir.
type Opener func(ctx context.Context, dataDir string) (*Handle, error)

// DiskOpener opens the configured vector backend and the symbol database
// of a data directory. dimensions of zero skips the vector store.
func DiskOpener(cfg config.StoreConfig, projectID string, dimensions int) Opener {
	return func(ctx context.Context, dataDir string) (*Handle, error) {
		var vectors store.VectorStore
		if dimensions > 0 {
			vs, err := store.Open(ctx, cfg, dataDir, projectID, dimensions)
			if err != nil {
				return nil, err
			}
			if err := vs.Load(ctx); err != nil {
				vs.Close()
				return nil, fmt.Errorf("failed to load vectors: %w", err)
			}
			vectors = vs
		}

		var symbols *trace.SQLiteSymbolStore
		if _, err := os.Stat(trace.SymbolDBPath(dataDir)); err == nil {
			symbols, err = trace.OpenSymbolStore(trace.SymbolDBPath(dataDir))
			if err != nil {
				if vectors != nil {
					vectors.Close()
				}
				return nil, err
			}
		}

		h, err := NewHandle(ctx, dataDir, vectors, symbols)
		if err != nil {
			if vectors != nil {
				vectors.Close()
			}
			if symbols != nil {
				symbols.Close()
			}
			return nil, err
		}
		return h, nil
	}
}

// ErrCacheClosed is returned by GetOrBuild after Close.
var ErrCacheClosed = errors.New("index cache closed")

// Cache hands out search handles keyed by (dataDir, freshness token). A
// cached handle is reused only while the token on disk is unchanged.
// Builds for one data directory are single-flighted; different data
// directories build independently.
type Cache struct {
	open Opener
	log  *log.Logger

	mu      sync.Mutex
	entries map[string]*Handle
	closed  bool

	group  singleflight.Group
	builds atomic.Int64
}

func NewCache(open Opener, logger *log.Logger) *Cache {
	return &Cache{
		open:    open,
		log:     logging.OrDiscard(logger),
		entries: make(map[string]*Handle),
	}
}

// Builds returns how many handles have been built.
func (c *Cache) Builds() int64 { return c.builds.Load() }

// GetOrBuild returns an acquired handle for dataDir that reflects the
// current token. Callers must Release it.
func (c *Cache) GetOrBuild(ctx context.Context, dataDir string) (*Handle, error) {
	for {
		token, err := manifest.ReadToken(dataDir)
		if err != nil {
			return nil, err
		}
		if h, err := c.cached(dataDir, token); h != nil || err != nil {
			return h, err
		}

		v, err, _ := c.group.Do(dataDir, func() (any, error) {
			return c.build(ctx, dataDir)
		})
		if err != nil {
			return nil, err
		}
		h := v.(*Handle)
		// The handle may have been replaced and drained before this
		// caller got to it, or come from a build that started under an
		// older token.
		if h.acquire() {
			if h.Token == token {
				return h, nil
			}
			h.Release()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (c *Cache) cached(dataDir, token string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	if h := c.entries[dataDir]; h != nil && h.Token == token && h.acquire() {
		return h, nil
	}
	return nil, nil
}

func (c *Cache) build(ctx context.Context, dataDir string) (*Handle, error) {
	token, err := manifest.ReadToken(dataDir)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if h := c.entries[dataDir]; h != nil && h.Token == token {
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	// One caller giving up must not fail the others sharing this build.
	h, err := c.open(context.WithoutCancel(ctx), dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to build search handle: %w", err)
	}
	h.Token = token
	c.builds.Add(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		h.Release()
		return nil, ErrCacheClosed
	}
	old := c.entries[dataDir]
	c.entries[dataDir] = h
	c.mu.Unlock()

	if old != nil {
		old.Release()
	}
	c.log.Debug("search handle built", "data_dir", dataDir, "token", token,
		"vectors", h.vectorCount, "symbols", h.symbolCount)
	return h, nil
}

// Close releases every cached handle. Handles still held by searches are
// closed when released.
func (c *Cache) Close() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*Handle)
	c.closed = true
	c.mu.Unlock()

	for _, h := range entries {
		h.Release()
	}
}
