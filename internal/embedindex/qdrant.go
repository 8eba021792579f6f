package embedindex

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantIndex is the remote ANN-backed implementation of Index, built with
// NewQdrantIndex; no config key selects it. Vectors are upserted into a single
// collection per configured dimensionality; entry ids are carried as the
// Qdrant point id (Qdrant accepts arbitrary UUID strings as point ids,
// which is exactly the shape store.Entry.ID already has).
type QdrantIndex struct {
	client         *qdrant.Client
	collectionName string
}

// QdrantConfig configures the remote index.
type QdrantConfig struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	CollectionName string
	Dimension      uint64
	Distance       qdrant.Distance
}

// NewQdrantIndex connects to a Qdrant instance and ensures the configured
// collection exists, creating it with the given dimension/distance if not.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.CollectionName == "" {
		cfg.CollectionName = "mnemo_entries"
	}
	if cfg.Distance == 0 {
		cfg.Distance = qdrant.Distance_Cosine
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}

	idx := &QdrantIndex{client: client, collectionName: cfg.CollectionName}

	exists, err := client.CollectionExists(ctx, cfg.CollectionName)
	if err != nil {
		return nil, fmt.Errorf("check qdrant collection: %w", err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: cfg.CollectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     cfg.Dimension,
				Distance: cfg.Distance,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("create qdrant collection: %w", err)
		}
	}

	return idx, nil
}

func (q *QdrantIndex) Dimension() int {
	info, err := q.client.GetCollectionInfo(context.Background(), q.collectionName)
	if err != nil || info == nil || info.GetConfig() == nil {
		return 0
	}
	params := info.GetConfig().GetParams()
	if params == nil || params.GetVectorsConfig() == nil {
		return 0
	}
	if single := params.GetVectorsConfig().GetParams(); single != nil {
		return int(single.GetSize())
	}
	return 0
}

func (q *QdrantIndex) Upsert(ctx context.Context, id string, vector []float32) error {
	if len(vector) == 0 {
		return nil
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(id),
				Vectors: qdrant.NewVectors(vector...),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert %s: %w", id, err)
	}
	return nil
}

func (q *QdrantIndex) Delete(ctx context.Context, id string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName,
		Points:         qdrant.NewPointsSelectorIDs([]*qdrant.PointId{qdrant.NewID(id)}),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete %s: %w", id, err)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	limit := uint64(k)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collectionName,
		Query:          qdrant.NewQuery(query...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{ID: p.GetId().GetUuid(), Score: p.GetScore()})
	}
	return hits, nil
}
