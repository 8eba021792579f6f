// Package embedindex exposes a small interface over dense-vector search
// with two implementations: an in-process cosine scan and a remote
// Qdrant-backed ANN index. Both are interchangeable behind Index so the
// rest of the system never branches on which backend is configured.
package embedindex

import "context"

// Hit is one scored vector result.
type Hit struct {
	ID    string
	Score float32
}

// Index stores and searches dense embeddings keyed by entry id.
type Index interface {
	// Upsert stores or replaces the vector for id. Passing a nil or empty
	// vector is a no-op; it leaves any stored vector for id in place.
	// Delete removes an id.
	Upsert(ctx context.Context, id string, vector []float32) error

	// Search returns up to k nearest neighbours to query, best first.
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)

	// Delete removes a vector by id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// Dimension reports the configured vector width, or 0 if not yet
	// established (the first Upsert call fixes it for LocalIndex).
	Dimension() int
}
