package store

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestGOBStore_UpsertAndQuery(t *testing.T) {
	s := NewGOBStore(filepath.Join(t.TempDir(), IndexFileName))
	ctx := context.Background()

	if err := s.Upsert(ctx, "chunk1", []float32{1, 0, 0}, Metadata{FilePath: "test.go", StartLine: 1, EndLine: 10, Content: "func main() {}"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := s.Upsert(ctx, "chunk2", []float32{0, 1, 0}, Metadata{FilePath: "test.go", StartLine: 11, EndLine: 20}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	results, err := s.Query(ctx, []float32{0.9, 0.1, 0}, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "chunk1" {
		t.Errorf("expected chunk1 first, got %s", results[0].ID)
	}
	if results[0].Metadata.Content != "func main() {}" {
		t.Errorf("metadata not returned: %+v", results[0].Metadata)
	}

	limited, _ := s.Query(ctx, []float32{0.9, 0.1, 0}, 1)
	if len(limited) != 1 {
		t.Errorf("expected 1 result with k=1, got %d", len(limited))
	}
}

func TestGOBStore_UpsertReplaces(t *testing.T) {
	s := NewGOBStore(filepath.Join(t.TempDir(), IndexFileName))
	ctx := context.Background()

	_ = s.Upsert(ctx, "a", []float32{1, 0}, Metadata{Content: "old"})
	_ = s.Upsert(ctx, "a", []float32{0, 1}, Metadata{Content: "new"})

	n, _ := s.Count(ctx)
	if n != 1 {
		t.Fatalf("expected 1 vector, got %d", n)
	}
	results, _ := s.Query(ctx, []float32{0, 1}, 1)
	if results[0].Metadata.Content != "new" {
		t.Errorf("expected replaced metadata, got %q", results[0].Metadata.Content)
	}
}

func TestGOBStore_Delete(t *testing.T) {
	s := NewGOBStore(filepath.Join(t.TempDir(), IndexFileName))
	ctx := context.Background()

	_ = s.Upsert(ctx, "a", []float32{1}, Metadata{})
	_ = s.Upsert(ctx, "b", []float32{1}, Metadata{})

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Fatalf("deleting unknown id should succeed: %v", err)
	}

	n, _ := s.Count(ctx)
	if n != 1 {
		t.Errorf("expected 1 vector after delete, got %d", n)
	}
}

func TestGOBStore_PersistAndLoad(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "data", IndexFileName)
	ctx := context.Background()

	s := NewGOBStore(indexPath)
	_ = s.Upsert(ctx, "a", []float32{1, 2, 3}, Metadata{FilePath: "a.go", StartLine: 4})
	if err := s.Persist(ctx); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	loaded := NewGOBStore(indexPath)
	if err := loaded.Load(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	n, _ := loaded.Count(ctx)
	if n != 1 {
		t.Fatalf("expected 1 vector after load, got %d", n)
	}
	results, _ := loaded.Query(ctx, []float32{1, 2, 3}, 1)
	if results[0].Metadata.StartLine != 4 {
		t.Errorf("expected start line 4, got %d", results[0].Metadata.StartLine)
	}
}

func TestGOBStore_LoadMissingFile(t *testing.T) {
	s := NewGOBStore(filepath.Join(t.TempDir(), IndexFileName))
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("loading a missing index should succeed: %v", err)
	}
}

func TestGOBStore_LoadCorrupt(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), IndexFileName)
	if err := os.WriteFile(indexPath, []byte("not gob"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := NewGOBStore(indexPath).Load(context.Background()); err == nil {
		t.Error("expected decode error")
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"different lengths", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if math.Abs(float64(got-tt.expected)) > 1e-6 {
				t.Errorf("cosineSimilarity = %f, want %f", got, tt.expected)
			}
		})
	}
}
