package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/yoanbernabeu/grepaid/config"
)

// Open creates the configured backend for one project. The returned store
// has not been loaded yet.
func Open(ctx context.Context, cfg config.StoreConfig, dataDir, projectID string, dimensions int) (VectorStore, error) {
	switch cfg.Backend {
	case "", "gob":
		return NewGOBStore(filepath.Join(dataDir, IndexFileName)), nil
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires store.postgres.dsn")
		}
		return NewPostgresStore(ctx, cfg.Postgres.DSN, projectID, dimensions)
	case "qdrant":
		return NewQdrantStore(ctx, cfg.Qdrant.Endpoint, cfg.Qdrant.Port, cfg.Qdrant.UseTLS,
			CollectionName(projectID), cfg.Qdrant.APIKey, dimensions)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// CollectionName is the qdrant collection holding a project's vectors.
func CollectionName(projectID string) string {
	return "grepaid_" + projectID
}
