package store

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when a vector does not match the store's
// configured dimensions.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Metadata describes the chunk a vector was computed from.
type Metadata struct {
	FilePath  string `json:"file_path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Content   string `json:"content"`
}

// Match is one ranked result of a vector query.
type Match struct {
	ID       string   `json:"id"`
	Score    float32  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// VectorStore defines the interface for vector storage backends
type VectorStore interface {
	// Upsert stores or replaces the vector for id
	Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error

	// Delete removes id; deleting an unknown id is not an error
	Delete(ctx context.Context, id string) error

	// Query returns the k vectors most similar to vector, best first
	Query(ctx context.Context, vector []float32, k int) ([]Match, error)

	// Count returns the number of stored vectors
	Count(ctx context.Context) (int, error)

	// Load reads the store from persistent storage
	Load(ctx context.Context) error

	// Persist makes every completed write durable
	Persist(ctx context.Context) error

	// Close releases the store's resources
	Close() error

	// Reset removes every vector
	Reset(ctx context.Context) error
}
