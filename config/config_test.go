package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce())
	assert.Equal(t, "gob", cfg.Store.Backend)
	assert.Equal(t, float32(0), cfg.Search.MinScore, "cutoff is disabled unless configured")
	assert.Equal(t, 30*time.Minute, cfg.Daemon.IdleTimeout())
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	content := `
watch:
  debounce_ms: 200
search:
  min_score: 0.35
store:
  backend: qdrant
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.Watch.DebounceMs)
	assert.InDelta(t, 0.35, cfg.Search.MinScore, 1e-6)
	assert.Equal(t, 6334, cfg.Store.Qdrant.Port)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
	assert.Equal(t, "ollama", cfg.Embedder.Provider)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("watch:\n  debounce_ms: 200\n"), 0600))

	t.Setenv("GREPAID_DEBOUNCE_MS", "50")
	t.Setenv("GREPAID_EMBEDDER", "hash")
	t.Setenv("GREPAID_DATA_DIR", "/tmp/grepaid-data")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Watch.DebounceMs)
	assert.Equal(t, "hash", cfg.Embedder.Provider)
	assert.Equal(t, "/tmp/grepaid-data", cfg.DataRoot())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("watch: [unclosed"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSave_RoundTripsThroughLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ConfigFileName)

	cfg := DefaultConfig()
	cfg.Search.MinScore = 0.5
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, loaded.Search.MinScore, 1e-6)
}

func TestResolveAPIKey_Keyring(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set("grepaid-test", "openai", "sk-secret"))

	e := EmbedderConfig{Provider: "openai", KeyringService: "grepaid-test"}
	key, err := e.ResolveAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", key)

	e.APIKey = "sk-inline"
	key, err = e.ResolveAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-inline", key)

	missing := EmbedderConfig{Provider: "ollama", KeyringService: "grepaid-test"}
	_, err = missing.ResolveAPIKey()
	assert.Error(t, err)
}
