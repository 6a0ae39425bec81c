package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"

	"github.com/yoanbernabeu/grepaid/config"
	"github.com/yoanbernabeu/grepaid/embedder"
	"github.com/yoanbernabeu/grepaid/indexer"
	"github.com/yoanbernabeu/grepaid/internal/fileutil"
	"github.com/yoanbernabeu/grepaid/internal/logging"
	"github.com/yoanbernabeu/grepaid/ipc"
	"github.com/yoanbernabeu/grepaid/manifest"
	"github.com/yoanbernabeu/grepaid/project"
	"github.com/yoanbernabeu/grepaid/search"
	"github.com/yoanbernabeu/grepaid/store"
	"github.com/yoanbernabeu/grepaid/trace"
	"github.com/yoanbernabeu/grepaid/watcher"
)

const embedderPingTimeout = 3 * time.Second

type HostOptions struct {
	Identity *project.Identity
	Config   *config.Config
	Paths    Paths
	Version  string
	Logger   *log.Logger
	Clock    clockwork.Clock

	// Embedder overrides the configured provider.
	Embedder embedder.Embedder
	// MCP, when set, builds the stream handler of the mcp upgrade.
	MCP func(h *Host) ipc.StreamFunc
}

// Host is the daemon process of one project. It owns the index, the
// watcher and the search engine, and serves them on the project socket.
type Host struct {
	opts HostOptions
	id   *project.Identity
	cfg  *config.Config
	log  *log.Logger

	lock     *fileutil.Lock
	server   *ipc.Server
	emb      embedder.Embedder
	semantic bool
	vectors  store.VectorStore
	symbols  *trace.SQLiteSymbolStore
	ignore   *indexer.IgnoreMatcher
	idx      *indexer.Indexer
	cache    *search.Cache
	router   *search.Router

	watchMu sync.Mutex
	watcher *watcher.Watcher

	ctx       context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startedAt time.Time
	lastSeen  atomic.Int64
	indexing  atomic.Int32
	lastFlush atomic.Pointer[FlushReport]
}

// NewHost takes the project lock and opens every component. On error
// everything opened so far is released.
func NewHost(opts HostOptions) (_ *Host, err error) {
	if opts.Identity == nil || opts.Config == nil {
		return nil, errors.New("daemon: identity and config are required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Paths.Socket == "" {
		opts.Paths = PathsFor(opts.Config.RuntimeRoot(), opts.Identity.ProjectID)
	}

	h := &Host{
		opts:   opts,
		id:     opts.Identity,
		cfg:    opts.Config,
		log:    logging.OrDiscard(opts.Logger),
		stopCh: make(chan struct{}),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			h.release()
		}
	}()

	if h.lock, err = WritePIDFile(opts.Paths); err != nil {
		return nil, err
	}
	if err = os.MkdirAll(h.id.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	if err = h.openEmbedder(); err != nil {
		return nil, err
	}

	dims := 0
	if h.emb != nil {
		dims = h.emb.Dimensions()
		if h.vectors, err = store.Open(h.ctx, h.cfg.Store, h.id.DataDir, h.id.ProjectID, dims); err != nil {
			return nil, fmt.Errorf("failed to open vector store: %w", err)
		}
		if err = h.vectors.Load(h.ctx); err != nil {
			return nil, fmt.Errorf("failed to load vector store: %w", err)
		}
	}

	if h.symbols, err = trace.OpenSymbolStore(trace.SymbolDBPath(h.id.DataDir)); err != nil {
		return nil, err
	}
	if h.ignore, err = indexer.NewIgnoreMatcher(h.id.AbsolutePath, h.cfg.Ignore); err != nil {
		return nil, fmt.Errorf("failed to load ignore rules: %w", err)
	}

	h.idx, err = indexer.New(indexer.Options{
		Root:      h.id.AbsolutePath,
		ProjectID: h.id.ProjectID,
		DataDir:   h.id.DataDir,
		Store:     h.vectors,
		Embedder:  h.emb,
		Symbols:   h.symbols,
		Extractor: trace.NewDefaultExtractor(),
		Chunker:   indexer.NewChunker(h.cfg.Chunking.Size, h.cfg.Chunking.Overlap),
		Ignore:    h.ignore,
		Logger:    h.log.WithPrefix("indexer"),
	})
	if err != nil {
		return nil, err
	}

	h.cache = search.NewCache(search.DiskOpener(h.cfg.Store, h.id.ProjectID, dims), h.log.WithPrefix("cache"))
	var queryEmb embedder.Embedder
	if h.semantic {
		queryEmb = h.emb
	}
	h.router, err = search.NewRouter(search.RouterOptions{
		Root:           h.id.AbsolutePath,
		DataDir:        h.id.DataDir,
		Cache:          h.cache,
		Embedder:       queryEmb,
		Matcher:        search.NewRegexpMatcher(h.idx.Scanner()),
		DefaultLimit:   h.cfg.Search.DefaultLimit,
		QueryCacheSize: h.cfg.Search.QueryCacheSize,
		Logger:         h.log.WithPrefix("search"),
	})
	if err != nil {
		return nil, err
	}

	h.server = ipc.NewServer(ipc.ServerOptions{
		Logger:    h.log.WithPrefix("ipc"),
		MapError:  mapError,
		OnRequest: func(string) { h.touch() },
	})
	h.registerHandlers()
	return h, nil
}

// openEmbedder builds the embedder and pings it. An unreachable provider
// keeps the embedder for indexing, where failures are reported per file,
// but takes semantic search out of query routing.
func (h *Host) openEmbedder() error {
	emb := h.opts.Embedder
	if emb == nil {
		var err error
		if emb, err = embedder.NewFromConfig(h.cfg); err != nil {
			h.log.Warn("embedder unavailable, semantic search disabled", "err", err)
			return nil
		}
	}
	h.emb = emb
	h.semantic = true

	if p, ok := emb.(embedder.Pinger); ok {
		ctx, cancel := context.WithTimeout(h.ctx, embedderPingTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			h.log.Warn("embedder not reachable, semantic search disabled", "provider", h.cfg.Embedder.Provider, "err", err)
			h.semantic = false
		}
	}
	return nil
}

func (h *Host) touch() { h.lastSeen.Store(h.opts.Clock.Now().UnixNano()) }

// Run serves until ctx is done, a stop command arrives or the idle timeout
// expires, then shuts down.
func (h *Host) Run(ctx context.Context) error {
	if err := h.server.Listen(h.opts.Paths.Socket); err != nil {
		h.release()
		return err
	}
	h.startedAt = h.opts.Clock.Now()
	h.touch()

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.server.Serve() }()

	h.log.Info("daemon ready", "project", h.id.ProjectID, "root", h.id.AbsolutePath, "pid", os.Getpid(),
		"semantic", h.semantic)

	// Catch up on changes made while no daemon ran. A project that was
	// never indexed waits for an explicit index command.
	if h.idx.Indexed() || h.idx.NeedsRebuild() {
		h.goIndex(false)
	}

	h.wg.Add(1)
	go h.idleLoop()

	var err error
	select {
	case <-ctx.Done():
		h.log.Info("shutdown requested", "reason", ctx.Err())
	case <-h.stopCh:
		h.log.Info("stop requested")
	case err = <-serveErr:
		h.log.Error("server stopped", "err", err)
	}
	h.shutdown()
	if errors.Is(err, ipc.ErrServerClosed) {
		err = nil
	}
	return err
}

// Stop asks Run to return. Safe to call more than once.
func (h *Host) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *Host) idleLoop() {
	defer h.wg.Done()
	idle := h.cfg.Daemon.IdleTimeout()
	if idle <= 0 {
		return
	}
	tick := idle / 4
	if tick > time.Minute {
		tick = time.Minute
	}
	ticker := h.opts.Clock.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.Chan():
			if h.server.Busy() || h.indexing.Load() > 0 {
				h.touch()
				continue
			}
			last := time.Unix(0, h.lastSeen.Load())
			if h.opts.Clock.Since(last) >= idle {
				h.log.Info("idle timeout reached", "idle", idle)
				h.Stop()
				return
			}
		}
	}
}

// shutdown runs the teardown in order: stop accepting and drain, stop the
// watcher, cancel builds, close the cache and stores, release the lock.
func (h *Host) shutdown() {
	h.server.Shutdown(h.cfg.Daemon.DrainTimeout())

	h.watchMu.Lock()
	if h.watcher != nil {
		if err := h.watcher.Close(); err != nil {
			h.log.Warn("failed to close watcher", "err", err)
		}
		h.watcher = nil
	}
	h.watchMu.Unlock()

	h.cancel()
	h.wg.Wait()
	h.release()
	h.log.Info("daemon stopped")
}

// release closes whatever is open and gives up the project lock.
func (h *Host) release() {
	h.cancel()
	if h.cache != nil {
		h.cache.Close()
	}
	if h.vectors != nil {
		if err := h.vectors.Close(); err != nil {
			h.log.Warn("failed to close vector store", "err", err)
		}
	}
	if h.symbols != nil {
		h.symbols.Close()
	}
	if h.emb != nil && h.opts.Embedder == nil {
		h.emb.Close()
	}
	if h.lock != nil {
		_ = os.Remove(h.opts.Paths.Socket)
		_ = RemovePIDFile(h.opts.Paths)
		_ = h.lock.Release()
		h.lock = nil
	}
}

// goIndex runs a full index in the background.
func (h *Host) goIndex(force bool) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.index(h.ctx, force); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Warn("background index finished with errors", "err", err)
		}
	}()
}

// index runs a full build and starts the watcher once the project has a
// committed index.
func (h *Host) index(ctx context.Context, force bool) (*indexer.Summary, error) {
	h.indexing.Add(1)
	defer h.indexing.Add(-1)

	run := h.idx.IndexAll
	if force {
		run = h.idx.Rebuild
	}
	sum, err := run(ctx)
	if h.idx.Indexed() {
		h.ensureWatching()
	}
	return sum, err
}

func (h *Host) ensureWatching() {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	if h.watcher != nil || h.ctx.Err() != nil {
		return
	}

	w, err := watcher.New(watcher.Options{
		Root:     h.id.AbsolutePath,
		Ignore:   h.ignore,
		Target:   h.idx,
		Debounce: h.cfg.Watch.Debounce(),
		Clock:    h.opts.Clock,
		Logger:   h.log.WithPrefix("watcher"),
		OnFlush:  h.recordFlush,
	})
	if err != nil {
		h.log.Error("failed to create watcher", "err", err)
		return
	}
	if err := w.Start(h.ctx); err != nil {
		h.log.Error("failed to start watcher", "err", err)
		w.Close()
		return
	}
	h.watcher = w
	h.log.Info("watching for changes", "root", h.id.AbsolutePath)
}

func (h *Host) recordFlush(sum *indexer.Summary, err error) {
	report := &FlushReport{Summary: sum, At: h.opts.Clock.Now()}
	if err != nil {
		report.Error = err.Error()
	} else if sum != nil {
		if perr := sum.Err(); perr != nil {
			report.Error = perr.Error()
		}
	}
	h.lastFlush.Store(report)
	if sum != nil && sum.Changed() {
		h.log.Info("changes indexed", "added", sum.Added, "modified", sum.Modified, "removed", sum.Removed,
			"failed", len(sum.Failed))
	}
}

// Search runs a query through the router.
func (h *Host) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	if req.MinScore == 0 {
		req.MinScore = h.cfg.Search.MinScore
	}
	return h.router.Search(ctx, req)
}

// Reindex runs a full index. Without wait it starts one in the background
// and returns immediately.
func (h *Host) Reindex(ctx context.Context, args IndexArgs) (*IndexResult, error) {
	if args.Path != "" {
		resolved, err := project.ResolvePath(args.Path)
		if err != nil {
			return nil, err
		}
		if resolved != h.id.AbsolutePath {
			return nil, fmt.Errorf("%w: %s is not the root of this daemon's project %s",
				project.ErrInvalidPath, args.Path, h.id.AbsolutePath)
		}
	}
	if !args.Wait {
		h.goIndex(args.Force)
		return &IndexResult{Started: true}, nil
	}
	sum, err := h.index(ctx, args.Force)
	return &IndexResult{Started: true, Summary: sum}, err
}

// Status reports the daemon's state.
func (h *Host) Status(ctx context.Context) (*StatusReport, error) {
	stats, err := h.idx.Stats(ctx)
	if err != nil {
		return nil, err
	}
	token, err := manifest.ReadToken(h.id.DataDir)
	if err != nil {
		return nil, err
	}
	modes, err := h.router.Availability(ctx)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		ProjectID:    h.id.ProjectID,
		Root:         h.id.AbsolutePath,
		DataDir:      h.id.DataDir,
		PID:          os.Getpid(),
		Version:      h.opts.Version,
		StartedAt:    h.startedAt,
		Uptime:       h.opts.Clock.Since(h.startedAt).Round(time.Second),
		Indexed:      h.idx.Indexed(),
		NeedsRebuild: h.idx.NeedsRebuild(),
		Indexing:     h.indexing.Load() > 0,
		Token:        token,
		Stats:        stats,
		LastRun:      h.idx.LastSummary(),
		LastFlush:    h.lastFlush.Load(),
		Watcher:      "off",
		CacheBuilds:  h.cache.Builds(),
		Embedder:     h.embedderLabel(),
		Modes:        modes,
	}
	h.watchMu.Lock()
	if h.watcher != nil {
		report.Watcher = h.watcher.State().String()
		report.Pending = len(h.watcher.Pending())
	}
	h.watchMu.Unlock()
	return report, nil
}

func (h *Host) embedderLabel() string {
	switch {
	case h.emb == nil:
		return "none"
	case !h.semantic:
		return h.cfg.Embedder.Provider + " (unreachable)"
	default:
		return h.cfg.Embedder.Provider + "/" + h.cfg.Embedder.Model
	}
}

// Ping answers liveness probes.
func (h *Host) Ping() *PingInfo {
	return &PingInfo{PID: os.Getpid(), ProjectID: h.id.ProjectID, Version: h.opts.Version}
}

// Identity returns the project this daemon serves.
func (h *Host) Identity() *project.Identity { return h.id }

// Socket returns the path the daemon listens on.
func (h *Host) Socket() string { return filepath.Clean(h.opts.Paths.Socket) }
