// Package embedder turns text into vectors for semantic search.
package embedder

import "context"

// Embedder computes embeddings. Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns the vector for one text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per text, in input order
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the length of every vector produced
	Dimensions() int

	// Close releases resources held by the embedder
	Close() error
}

// Pinger is implemented by embedders backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}
