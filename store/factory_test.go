package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yoanbernabeu/grepaid/config"
)

func TestOpen_Gob(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{Backend: "gob"}, t.TempDir(), "p1", 3)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.(*GOBStore)
	assert.True(t, ok, "expected a GOB store, got %T", s)
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.StoreConfig
	}{
		{"unknown backend", config.StoreConfig{Backend: "redis"}},
		{"postgres without dsn", config.StoreConfig{Backend: "postgres"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(context.Background(), tt.cfg, t.TempDir(), "p1", 3)
			assert.Error(t, err)
		})
	}
}

func TestPointID_Stable(t *testing.T) {
	assert.Equal(t, pointID("main.go#0").GetUuid(), pointID("main.go#0").GetUuid())
	assert.NotEqual(t, pointID("main.go#0").GetUuid(), pointID("main.go#1").GetUuid())
	assert.Equal(t, "grepaid_abc", CollectionName("abc"))
}
