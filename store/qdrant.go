package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// pointNamespace derives stable qdrant point ids from chunk ids, since
// qdrant only accepts integers and UUIDs.
var pointNamespace = uuid.MustParse("6f1c3a52-7d0e-4c8a-9a57-2f7f1b0e9d41")

const (
	payloadID        = "chunk_id"
	payloadFilePath  = "file_path"
	payloadStartLine = "start_line"
	payloadEndLine   = "end_line"
	payloadContent   = "content"
)

// QdrantStore keeps one collection per project.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimensions int
}

func NewQdrantStore(ctx context.Context, host string, port int, useTLS bool, collection, apiKey string, dimensions int) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &QdrantStore{client: client, collection: collection, dimensions: dimensions}
	if err := s.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check qdrant collection: %w", err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create qdrant collection: %w", err)
	}
	return nil
}

func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

func (s *QdrantStore) Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error {
	if len(vector) != s.dimensions {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.dimensions)
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id:      pointID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadID:        id,
				payloadFilePath:  meta.FilePath,
				payloadStartLine: int64(meta.StartLine),
				payloadEndLine:   int64(meta.EndLine),
				payloadContent:   meta.Content,
			}),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point %s: %w", id, err)
	}
	return nil
}

func (s *QdrantStore) Delete(ctx context.Context, id string) error {
	wait := true
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         qdrant.NewPointsSelector(pointID(id)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete point %s: %w", id, err)
	}
	return nil
}

func (s *QdrantStore) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		k = 10
	}
	limit := uint64(k)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query qdrant: %w", err)
	}

	results := make([]Match, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		results = append(results, Match{
			ID:    payload[payloadID].GetStringValue(),
			Score: p.GetScore(),
			Metadata: Metadata{
				FilePath:  payload[payloadFilePath].GetStringValue(),
				StartLine: int(payload[payloadStartLine].GetIntegerValue()),
				EndLine:   int(payload[payloadEndLine].GetIntegerValue()),
				Content:   payload[payloadContent].GetStringValue(),
			},
		})
	}
	return results, nil
}

func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	exact := true
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count qdrant points: %w", err)
	}
	return int(n), nil
}

func (s *QdrantStore) Reset(ctx context.Context) error {
	if err := s.client.DeleteCollection(ctx, s.collection); err != nil {
		return fmt.Errorf("failed to drop qdrant collection: %w", err)
	}
	return s.ensureCollection(ctx)
}

func (s *QdrantStore) Load(ctx context.Context) error {
	return s.ensureCollection(ctx)
}

// Persist is a no-op: upserts are sent with wait=true.
func (s *QdrantStore) Persist(ctx context.Context) error {
	return nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}
