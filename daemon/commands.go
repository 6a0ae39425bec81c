package daemon

import (
	"time"

	"github.com/yoanbernabeu/grepaid/indexer"
	"github.com/yoanbernabeu/grepaid/search"
)

// Socket commands served by the host.
const (
	CmdIndex  = "index"
	CmdSearch = "search"
	CmdStatus = "status"
	CmdStop   = "stop"
	CmdPing   = "ping"
	// CmdMCP upgrades the connection to an MCP session.
	CmdMCP = "mcp"
)

// PingInfo answers ping.
type PingInfo struct {
	PID       int    `json:"pid"`
	ProjectID string `json:"project_id"`
	Version   string `json:"version"`
}

// IndexArgs are the arguments of index. Path defaults to the project root
// and must name it when set.
type IndexArgs struct {
	Path string `json:"path,omitempty"`
	// Wait blocks until the build finishes.
	Wait bool `json:"wait"`
	// Force clears the index before rebuilding.
	Force bool `json:"force,omitempty"`
}

// IndexResult answers index. Summary is nil when the build runs in the
// background.
type IndexResult struct {
	Started bool             `json:"started"`
	Summary *indexer.Summary `json:"summary,omitempty"`
}

// StatusReport answers status.
type StatusReport struct {
	ProjectID    string                 `json:"project_id"`
	Root         string                 `json:"root"`
	DataDir      string                 `json:"data_dir"`
	PID          int                    `json:"pid"`
	Version      string                 `json:"version"`
	StartedAt    time.Time              `json:"started_at"`
	Uptime       time.Duration          `json:"uptime"`
	Indexed      bool                   `json:"indexed"`
	NeedsRebuild bool                   `json:"needs_rebuild"`
	Indexing     bool                   `json:"indexing"`
	Token        string                 `json:"token"`
	Stats        indexer.Stats          `json:"stats"`
	LastRun      *indexer.Summary       `json:"last_run,omitempty"`
	LastFlush    *FlushReport           `json:"last_flush,omitempty"`
	Watcher      string                 `json:"watcher"`
	Pending      int                    `json:"pending"`
	CacheBuilds  int64                  `json:"cache_builds"`
	Embedder     string                 `json:"embedder"`
	Modes        map[search.Mode]string `json:"modes"`
}

// FlushReport records the outcome of the latest watcher flush.
type FlushReport struct {
	Summary *indexer.Summary `json:"summary,omitempty"`
	Error   string           `json:"error,omitempty"`
	At      time.Time        `json:"at"`
}
