package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/yoanbernabeu/grepaid/internal/fileutil"
)

// IndexFileName is the GOB store's file name inside a data directory.
const IndexFileName = "vectors.gob"

type entry struct {
	Vector   []float32
	Metadata Metadata
}

// GOBStore keeps every vector in memory and persists them as one GOB file.
type GOBStore struct {
	indexPath string
	lockPath  string
	entries   map[string]entry
	mu        sync.RWMutex
}

func NewGOBStore(indexPath string) *GOBStore {
	return &GOBStore{
		indexPath: indexPath,
		lockPath:  indexPath + ".lock",
		entries:   make(map[string]entry),
	}
}

func (s *GOBStore) Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[id] = entry{Vector: vector, Metadata: meta}
	return nil
}

func (s *GOBStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, id)
	return nil
}

func (s *GOBStore) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]Match, 0, len(s.entries))
	for id, e := range s.entries {
		results = append(results, Match{
			ID:       id,
			Score:    cosineSimilarity(vector, e.Vector),
			Metadata: e.Metadata,
		})
	}

	// Sort by score descending, ties broken by id for stable output
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *GOBStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *GOBStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
	return nil
}

func (s *GOBStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockFile, err := s.openLock()
	if err != nil {
		return err
	}
	defer lockFile.Close()

	if err := fileutil.FlockShared(lockFile, false); err != nil {
		return err
	}
	defer func() {
		_ = fileutil.Funlock(lockFile)
	}()

	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			s.entries = make(map[string]entry)
			return nil
		}
		return fmt.Errorf("failed to read index file: %w", err)
	}

	var entries map[string]entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return fmt.Errorf("failed to decode index: %w", err)
	}
	if entries == nil {
		entries = make(map[string]entry)
	}
	s.entries = entries
	return nil
}

func (s *GOBStore) Persist(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.entries); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}

	lockFile, err := s.openLock()
	if err != nil {
		return err
	}
	defer lockFile.Close()

	if err := fileutil.FlockExclusive(lockFile, false); err != nil {
		return err
	}
	defer func() {
		_ = fileutil.Funlock(lockFile)
	}()

	return fileutil.WriteFileAtomic(s.indexPath, buf.Bytes(), 0644)
}

func (s *GOBStore) Close() error {
	return nil
}

func (s *GOBStore) openLock() (*os.File, error) {
	if err := fileutil.EnsureParentDir(s.lockPath); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open index lock: %w", err)
	}
	return f, nil
}

// cosineSimilarity calculates the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64

	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}
