package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v11"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

const (
	AppName        = "grepaid"
	ConfigFileName = "config.yaml"
	IgnoreFileName = ".grepaidignore"
)

type Config struct {
	Version  int            `yaml:"version"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Watch    WatchConfig    `yaml:"watch"`
	Search   SearchConfig   `yaml:"search"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Store    StoreConfig    `yaml:"store"`
	Chunking ChunkingConfig `yaml:"chunking"`
	MCP      MCPConfig      `yaml:"mcp"`
	Log      LogConfig      `yaml:"log"`
	Paths    PathsConfig    `yaml:"paths"`
	Ignore   []string       `yaml:"ignore"`
}

type DaemonConfig struct {
	IdleTimeoutSec  int `yaml:"idle_timeout_sec" env:"GREPAID_IDLE_TIMEOUT_SEC"`
	StartTimeoutMs  int `yaml:"start_timeout_ms" env:"GREPAID_START_TIMEOUT_MS"`
	ProbeAttempts   int `yaml:"probe_attempts" env:"GREPAID_PROBE_ATTEMPTS"`
	ProbeIntervalMs int `yaml:"probe_interval_ms"`
	StopTimeoutMs   int `yaml:"stop_timeout_ms"`
	DrainTimeoutMs  int `yaml:"drain_timeout_ms"`
}

type WatchConfig struct {
	DebounceMs int `yaml:"debounce_ms" env:"GREPAID_DEBOUNCE_MS"`
}

type SearchConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	// MinScore drops semantic results scoring below it. Zero disables the cutoff.
	MinScore       float32 `yaml:"min_score" env:"GREPAID_MIN_SCORE"`
	QueryCacheSize int     `yaml:"query_cache_size"`
}

type EmbedderConfig struct {
	Provider       string `yaml:"provider" env:"GREPAID_EMBEDDER"` // ollama | openai | hash
	Model          string `yaml:"model" env:"GREPAID_EMBEDDER_MODEL"`
	Endpoint       string `yaml:"endpoint,omitempty" env:"GREPAID_EMBEDDER_ENDPOINT"`
	APIKey         string `yaml:"api_key,omitempty" env:"GREPAID_EMBEDDER_API_KEY"`
	KeyringService string `yaml:"keyring_service,omitempty"`
	Dimensions     *int   `yaml:"dimensions,omitempty"`
}

// GetDimensions returns the configured dimensions or a default value.
// For OpenAI, defaults to 1536 (text-embedding-3-small).
// For Ollama and the hash embedder, defaults to 768.
func (e *EmbedderConfig) GetDimensions() int {
	if e.Dimensions != nil {
		return *e.Dimensions
	}
	switch e.Provider {
	case "openai":
		return 1536
	default:
		return 768
	}
}

// ResolveAPIKey returns the API key from the config or environment, falling
// back to the OS keyring when a keyring service is configured.
func (e *EmbedderConfig) ResolveAPIKey() (string, error) {
	if e.APIKey != "" || e.KeyringService == "" {
		return e.APIKey, nil
	}
	secret, err := keyring.Get(e.KeyringService, e.Provider)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("no API key for %s in keyring service %q", e.Provider, e.KeyringService)
		}
		return "", fmt.Errorf("failed to read keyring: %w", err)
	}
	return secret, nil
}

type StoreConfig struct {
	Backend  string         `yaml:"backend" env:"GREPAID_STORE"` // gob | postgres | qdrant
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
	Qdrant   QdrantConfig   `yaml:"qdrant,omitempty"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"GREPAID_POSTGRES_DSN"`
}

type QdrantConfig struct {
	Endpoint string `yaml:"endpoint"`          // e.g., "localhost"
	Port     int    `yaml:"port,omitempty"`    // e.g., 6334
	APIKey   string `yaml:"api_key,omitempty"` // Optional, for Qdrant Cloud
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

type MCPConfig struct {
	SetupAttempts int `yaml:"setup_attempts"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// PathsConfig overrides the XDG-derived locations.
type PathsConfig struct {
	DataRoot    string `yaml:"data_root,omitempty" env:"GREPAID_DATA_DIR"`
	RuntimeRoot string `yaml:"runtime_root,omitempty" env:"GREPAID_RUNTIME_DIR"`
}

func DefaultConfig() *Config {
	defaultDim := 768
	return &Config{
		Version: 1,
		Daemon: DaemonConfig{
			IdleTimeoutSec:  1800,
			StartTimeoutMs:  10000,
			ProbeAttempts:   8,
			ProbeIntervalMs: 50,
			StopTimeoutMs:   5000,
			DrainTimeoutMs:  3000,
		},
		Watch: WatchConfig{
			DebounceMs: 500,
		},
		Search: SearchConfig{
			DefaultLimit:   10,
			QueryCacheSize: 256,
		},
		Embedder: EmbedderConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			Endpoint:   "http://localhost:11434",
			Dimensions: &defaultDim,
		},
		Store: StoreConfig{
			Backend: "gob",
		},
		Chunking: ChunkingConfig{
			Size:    512,
			Overlap: 50,
		},
		MCP: MCPConfig{
			SetupAttempts: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
		Ignore: []string{
			".git",
			"node_modules",
			"vendor",
			"bin",
			"dist",
			"__pycache__",
			".venv",
			"venv",
			".idea",
			".vscode",
			"target",
		},
	}
}

// GetConfigPath returns the user config file location.
func GetConfigPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, ConfigFileName)
}

// DataRoot is the directory holding every project's data directory.
func (c *Config) DataRoot() string {
	if c.Paths.DataRoot != "" {
		return c.Paths.DataRoot
	}
	return filepath.Join(xdg.DataHome, AppName)
}

// RuntimeRoot is the directory holding per-project sockets, pid files and
// daemon logs.
func (c *Config) RuntimeRoot() string {
	if c.Paths.RuntimeRoot != "" {
		return c.Paths.RuntimeRoot
	}
	return filepath.Join(xdg.RuntimeDir, AppName)
}

// Load reads the config at path. A missing file yields the defaults.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LoadDefault loads the config from the user config directory.
func LoadDefault() (*Config, error) {
	return Load(GetConfigPath())
}

// applyDefaults fills in missing configuration values so partial config
// files stay valid.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Embedder.Endpoint == "" {
		switch c.Embedder.Provider {
		case "openai":
			c.Embedder.Endpoint = "https://api.openai.com/v1"
		case "ollama":
			c.Embedder.Endpoint = defaults.Embedder.Endpoint
		}
	}

	if c.Daemon.StartTimeoutMs <= 0 {
		c.Daemon.StartTimeoutMs = defaults.Daemon.StartTimeoutMs
	}
	if c.Daemon.ProbeAttempts <= 0 {
		c.Daemon.ProbeAttempts = defaults.Daemon.ProbeAttempts
	}
	if c.Daemon.ProbeIntervalMs <= 0 {
		c.Daemon.ProbeIntervalMs = defaults.Daemon.ProbeIntervalMs
	}
	if c.Daemon.StopTimeoutMs <= 0 {
		c.Daemon.StopTimeoutMs = defaults.Daemon.StopTimeoutMs
	}
	if c.Daemon.DrainTimeoutMs <= 0 {
		c.Daemon.DrainTimeoutMs = defaults.Daemon.DrainTimeoutMs
	}

	if c.Watch.DebounceMs <= 0 {
		c.Watch.DebounceMs = defaults.Watch.DebounceMs
	}
	if c.Search.DefaultLimit <= 0 {
		c.Search.DefaultLimit = defaults.Search.DefaultLimit
	}
	if c.Search.QueryCacheSize <= 0 {
		c.Search.QueryCacheSize = defaults.Search.QueryCacheSize
	}
	if c.Chunking.Size == 0 {
		c.Chunking.Size = defaults.Chunking.Size
	}
	if c.Chunking.Overlap == 0 {
		c.Chunking.Overlap = defaults.Chunking.Overlap
	}
	if c.MCP.SetupAttempts <= 0 {
		c.MCP.SetupAttempts = defaults.MCP.SetupAttempts
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.Backend == "qdrant" && c.Store.Qdrant.Port <= 0 {
		c.Store.Qdrant.Port = 6334
	}
}

func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (d DaemonConfig) IdleTimeout() time.Duration {
	return time.Duration(d.IdleTimeoutSec) * time.Second
}

func (d DaemonConfig) StartTimeout() time.Duration {
	return time.Duration(d.StartTimeoutMs) * time.Millisecond
}

func (d DaemonConfig) ProbeInterval() time.Duration {
	return time.Duration(d.ProbeIntervalMs) * time.Millisecond
}

func (d DaemonConfig) StopTimeout() time.Duration {
	return time.Duration(d.StopTimeoutMs) * time.Millisecond
}

func (d DaemonConfig) DrainTimeout() time.Duration {
	return time.Duration(d.DrainTimeoutMs) * time.Millisecond
}

func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}
