package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_LevelFiltering(t *testing.T) {
	t.Setenv(EnvLevel, "")

	var buf bytes.Buffer
	logger := New(&buf, "watcher", "warn")

	logger.Info("hidden")
	logger.Warn("shown", "path", "main.go")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "watcher")
	assert.Contains(t, out, "path=main.go")
}

func TestNew_EnvOverride(t *testing.T) {
	t.Setenv(EnvLevel, "debug")

	var buf bytes.Buffer
	New(&buf, "daemon", "error").Debug("verbose")

	assert.Contains(t, buf.String(), "verbose")
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := Discard()
	assert.Same(t, l, OrDiscard(l))
}
