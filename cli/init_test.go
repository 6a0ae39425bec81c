package cli

import (
	"bufio"
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/yoanbernabeu/grepaid/config"
)

func runInitWith(t *testing.T, input string) (string, *config.Config) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grepaid", "config.yaml")
	configPath = path
	t.Cleanup(func() {
		configPath = ""
		initProvider, initModel, initBackend = "", "", ""
		initNonInteractive, initForce = false, false
	})

	var out bytes.Buffer
	initCmd.SetIn(strings.NewReader(input))
	initCmd.SetOut(&out)
	t.Cleanup(func() {
		initCmd.SetIn(nil)
		initCmd.SetOut(nil)
	})
	require.NoError(t, runInit(initCmd, nil))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return out.String(), cfg
}

func TestInit_Defaults(t *testing.T) {
	initNonInteractive = true
	out, cfg := runInitWith(t, "")

	assert.Contains(t, out, "Created configuration")
	assert.Equal(t, "ollama", cfg.Embedder.Provider)
	assert.Equal(t, "gob", cfg.Store.Backend)
}

func TestInit_FlagsWithoutPrompts(t *testing.T) {
	initNonInteractive = true
	initProvider = "hash"
	initBackend = "qdrant"
	_, cfg := runInitWith(t, "")

	assert.Equal(t, "hash", cfg.Embedder.Provider)
	assert.Equal(t, "qdrant", cfg.Store.Backend)
	assert.Equal(t, "localhost", cfg.Store.Qdrant.Endpoint)
	assert.Equal(t, 6334, cfg.Store.Qdrant.Port)
}

func TestInit_InteractiveStoresKeyInKeyring(t *testing.T) {
	keyring.MockInit()
	// openai, default endpoint, API key, postgres with a DSN
	input := "2\n\nsk-test\n2\npostgres://db/code\n"
	out, cfg := runInitWith(t, input)

	assert.Contains(t, out, "Select embedding provider:")
	assert.Equal(t, "openai", cfg.Embedder.Provider)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Embedder.Endpoint)
	assert.Empty(t, cfg.Embedder.APIKey)
	assert.Equal(t, keyringService, cfg.Embedder.KeyringService)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, "postgres://db/code", cfg.Store.Postgres.DSN)

	key, err := cfg.Embedder.ResolveAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", key)
}

func TestInit_ExistingConfigKept(t *testing.T) {
	initNonInteractive = true
	_, _ = runInitWith(t, "")

	initProvider = "hash"
	var out bytes.Buffer
	initCmd.SetOut(&out)
	require.NoError(t, runInit(initCmd, nil))
	assert.Contains(t, out.String(), "already configured")

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Embedder.Provider)
}

func TestApplyProvider_Unknown(t *testing.T) {
	err := applyProvider(config.DefaultConfig(), "synthetic", "")
	assert.ErrorContains(t, err, "unknown embedding provider")
}

func TestPrompter_Choose(t *testing.T) {
	values := []string{"gob", "postgres", "qdrant"}
	tests := []struct {
		input string
		want  string
	}{
		{"\n", "gob"},
		{"3\n", "qdrant"},
		{"postgres\n", "postgres"},
		{"9\n", "gob"},
	}
	for _, tt := range tests {
		p := &prompter{r: bufio.NewReader(strings.NewReader(tt.input)), w: &bytes.Buffer{}}
		assert.Equal(t, tt.want, p.choose("Backend:", values, values), "input %q", tt.input)
	}
}
