// Package search answers queries against a project's index. The Router
// picks a mode per query, and the Cache hands out read-only handles that
// are rebuilt whenever the index's freshness token changes.
package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yoanbernabeu/grepaid/embedder"
	"github.com/yoanbernabeu/grepaid/internal/logging"
)

// ErrModeUnavailable matches errors for a mode that cannot run against the
// current index.
var ErrModeUnavailable = errors.New("search mode unavailable")

// ModeUnavailableError names the mode and why it cannot run.
type ModeUnavailableError struct {
	Mode   Mode
	Reason string
}

func (e *ModeUnavailableError) Error() string {
	return fmt.Sprintf("%s search unavailable: %s", e.Mode, e.Reason)
}

func (e *ModeUnavailableError) Is(target error) bool { return target == ErrModeUnavailable }

// Filters restrict results by project-relative path prefix and file
// extension. Empty lists match everything.
type Filters struct {
	Paths     []string `json:"paths,omitempty"`
	FileTypes []string `json:"file_types,omitempty"`
}

func (f Filters) Empty() bool { return len(f.Paths) == 0 && len(f.FileTypes) == 0 }

// Match reports whether the project-relative file passes the filters.
func (f Filters) Match(file string) bool {
	if len(f.Paths) > 0 {
		ok := false
		for _, p := range f.Paths {
			p = strings.TrimSuffix(strings.TrimPrefix(path.Clean("/"+p), "/"), "/")
			if p == "" || file == p || strings.HasPrefix(file, p+"/") {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.FileTypes) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(file), "."))
		for _, t := range f.FileTypes {
			if strings.ToLower(strings.TrimPrefix(t, ".")) == ext {
				return true
			}
		}
		return false
	}
	return true
}

type Request struct {
	Query   string  `json:"query"`
	Mode    Mode    `json:"mode,omitempty"`
	Limit   int     `json:"limit,omitempty"`
	Filters Filters `json:"filters,omitempty"`
	// MinScore drops semantic results scoring below it. Zero keeps all.
	MinScore float32 `json:"min_score,omitempty"`
}

type Result struct {
	File    string   `json:"file"`
	Line    int      `json:"line"`
	EndLine int      `json:"end_line,omitempty"`
	Snippet string   `json:"snippet"`
	Kind    string   `json:"kind"`
	Symbol  string   `json:"symbol,omitempty"`
	Score   *float32 `json:"score,omitempty"`
}

type Response struct {
	Mode       Mode          `json:"mode"`
	Candidates []Mode        `json:"candidates"`
	Results    []Result      `json:"results"`
	Token      string        `json:"token"`
	Duration   time.Duration `json:"duration"`
}

type RouterOptions struct {
	Root    string
	DataDir string
	Cache   *Cache
	// Embedder may be nil, which makes semantic search unavailable.
	Embedder       embedder.Embedder
	Matcher        PatternMatcher
	DefaultLimit   int
	QueryCacheSize int
	Logger         *log.Logger
}

// Router executes queries for one project.
type Router struct {
	opts    RouterOptions
	log     *log.Logger
	queries *lru.Cache[string, []float32]
}

func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Cache == nil {
		return nil, errors.New("search: cache is required")
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	if opts.QueryCacheSize <= 0 {
		opts.QueryCacheSize = 256
	}
	queries, err := lru.New[string, []float32](opts.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &Router{opts: opts, log: logging.OrDiscard(opts.Logger), queries: queries}, nil
}

// Search runs req. An explicitly requested mode that is unavailable fails
// with ErrModeUnavailable; auto mode runs the first available candidate.
func (r *Router) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("empty query")
	}
	if req.Mode == "" {
		req.Mode = ModeAuto
	}
	if req.Limit <= 0 {
		req.Limit = r.opts.DefaultLimit
	}

	h, err := r.opts.Cache.GetOrBuild(ctx, r.opts.DataDir)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	resp := &Response{Token: h.Token}
	if req.Mode == ModeAuto {
		resp.Candidates = DetectMode(req.Query)
		for _, m := range resp.Candidates {
			if r.unavailable(h, m) == "" {
				resp.Mode = m
				break
			}
		}
		if resp.Mode == "" {
			return nil, &ModeUnavailableError{Mode: ModeAuto, Reason: "no search mode is available; run index first"}
		}
	} else {
		resp.Candidates = []Mode{req.Mode}
		if reason := r.unavailable(h, req.Mode); reason != "" {
			return nil, &ModeUnavailableError{Mode: req.Mode, Reason: reason}
		}
		resp.Mode = req.Mode
	}

	switch resp.Mode {
	case ModeSemantic:
		resp.Results, err = r.semantic(ctx, h, req)
	case ModeSymbol:
		resp.Results, err = r.symbol(ctx, h, req)
	case ModePattern:
		query := req.Query
		if req.Mode == ModeAuto && !looksLikeRegex(query) {
			query = regexp.QuoteMeta(query)
		}
		resp.Results, err = r.pattern(ctx, query, req)
	default:
		return nil, fmt.Errorf("unknown search mode %q", resp.Mode)
	}
	if err != nil {
		return nil, err
	}
	if resp.Results == nil {
		resp.Results = []Result{}
	}
	resp.Duration = time.Since(start)

	r.log.Debug("search done", "mode", resp.Mode, "results", len(resp.Results), "duration", resp.Duration)
	return resp, nil
}

// Availability reports which modes can currently run.
func (r *Router) Availability(ctx context.Context) (map[Mode]string, error) {
	h, err := r.opts.Cache.GetOrBuild(ctx, r.opts.DataDir)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	out := make(map[Mode]string, 3)
	for _, m := range []Mode{ModeSemantic, ModeSymbol, ModePattern} {
		if reason := r.unavailable(h, m); reason != "" {
			out[m] = reason
		} else {
			out[m] = "available"
		}
	}
	return out, nil
}

// unavailable returns why mode cannot run against h, or "" when it can.
func (r *Router) unavailable(h *Handle, mode Mode) string {
	switch mode {
	case ModePattern:
		if r.opts.Matcher == nil {
			return "no pattern matcher configured"
		}
		info, err := os.Stat(r.opts.Root)
		if err != nil || !info.IsDir() {
			return "project root is not readable"
		}
		return ""
	case ModeSymbol:
		if h.Symbols == nil || h.SymbolCount() == 0 {
			return "no symbol index for this project"
		}
		return ""
	case ModeSemantic:
		if r.opts.Embedder == nil {
			return "no embedding provider available"
		}
		if h.Vectors == nil || h.VectorCount() == 0 {
			return "no vector index for this project"
		}
		return ""
	default:
		return fmt.Sprintf("unknown mode %q", mode)
	}
}

func (r *Router) embed(ctx context.Context, query string) ([]float32, error) {
	if v, ok := r.queries.Get(query); ok {
		return v, nil
	}
	v, err := r.opts.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	r.queries.Add(query, v)
	return v, nil
}

func (r *Router) semantic(ctx context.Context, h *Handle, req Request) ([]Result, error) {
	vec, err := r.embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	k := req.Limit
	if !req.Filters.Empty() {
		k *= 5
	}
	matches, err := h.Vectors.Query(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	var out []Result
	for _, m := range matches {
		if req.MinScore > 0 && m.Score < req.MinScore {
			continue
		}
		if !req.Filters.Match(m.Metadata.FilePath) {
			continue
		}
		score := m.Score
		out = append(out, Result{
			File:    m.Metadata.FilePath,
			Line:    m.Metadata.StartLine,
			EndLine: m.Metadata.EndLine,
			Snippet: m.Metadata.Content,
			Kind:    "chunk",
			Score:   &score,
		})
		if len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

func (r *Router) symbol(ctx context.Context, h *Handle, req Request) ([]Result, error) {
	name, kind := symbolName(req.Query)
	if name == "" {
		return nil, nil
	}

	k := req.Limit
	if !req.Filters.Empty() {
		k *= 5
	}
	syms, err := h.Symbols.Find(ctx, name, kind, k)
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, s := range syms {
		if !req.Filters.Match(s.File) {
			continue
		}
		out = append(out, Result{
			File:    s.File,
			Line:    s.Line,
			EndLine: s.EndLine,
			Snippet: s.Signature,
			Kind:    string(s.Kind),
			Symbol:  s.Name,
		})
		if len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

func (r *Router) pattern(ctx context.Context, query string, req Request) ([]Result, error) {
	var out []Result
	err := r.opts.Matcher.Search(ctx, query, req.Filters.Paths, req.Filters.FileTypes, func(m PatternMatch) error {
		out = append(out, Result{
			File:    m.File,
			Line:    m.Line,
			Snippet: strings.TrimSpace(m.Text),
			Kind:    "match",
		})
		if len(out) >= req.Limit {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
