// Package search implements the hybrid lexical+dense retrieval that every
// other component (memory context assembly, extractor dedup, gardener
// consolidation) uses to find existing entries. It composes whichever
// embedindex.Index is configured with the store's FTS5/LIKE lexical
// search; it never mutates state — callers that consume a result for
// context building must call store.DB.RecordAccess explicitly.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mnemo-ai/mnemo-core/internal/embedindex"
	"github.com/mnemo-ai/mnemo-core/internal/store"
)

// Scoring coefficients for the combined score
// α·cos + β·bm25-like + γ·recency + δ·subjectBoost. These are tuning
// parameters, not invariants; the invariants are monotonicity in each
// positive signal and graceful behaviour with missing embeddings.
const (
	weightCosine    = 0.45
	weightLexical   = 0.30
	weightRecency   = 0.15
	weightSubject   = 0.10
	recencyHalfLife = 72 * time.Hour
)

// Options configures one hybrid search call.
type Options struct {
	Type             store.Category // zero value = no category filter
	Subject          string         // exact match on metadata.subject; "" = no filter
	SessionID        string         // "" = no filter
	RecencyBoost     float64        // multiplicative bonus decaying with age; 0 disables
	UserSubjectBoost float64        // additional multiplier when subject == "user"
	MinScore         float64
	Limit            int
}

// Result is one scored entry.
type Result struct {
	Entry *store.Entry
	Score float64
}

// Hybrid composes a dense embedindex.Index with the lexical half of
// internal/store to answer ranked queries over memory entries.
type Hybrid struct {
	db    *store.DB
	index embedindex.Index
}

// New constructs a Hybrid searcher over db and index. index may be nil,
// in which case ranking falls back to the lexical signal alone — entries
// with no embedding are still ranked this way, satisfying the
// "missing embeddings tolerated" invariant.
func New(db *store.DB, index embedindex.Index) *Hybrid {
	return &Hybrid{db: db, index: index}
}

// Search runs a hybrid query. queryEmbedding may be nil if the caller has
// no dense vector for the query (e.g. embedding provider unavailable);
// the dense term is simply omitted from the score in that case.
func (h *Hybrid) Search(ctx context.Context, query string, queryEmbedding []float32, opts Options) ([]Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	candidates, err := h.candidates(opts)
	if err != nil {
		return nil, fmt.Errorf("gather candidates: %w", err)
	}

	var lexicalHits map[string]float64
	if query != "" {
		hits, err := h.db.SearchLexical(query, 200)
		if err != nil {
			return nil, fmt.Errorf("lexical search: %w", err)
		}
		lexicalHits = make(map[string]float64, len(hits))
		for _, hit := range hits {
			lexicalHits[hit.ID] = hit.Score
		}
	}

	var denseHits map[string]float64
	if h.index != nil && len(queryEmbedding) > 0 {
		hits, err := h.index.Search(ctx, queryEmbedding, 200)
		if err != nil {
			return nil, fmt.Errorf("dense search: %w", err)
		}
		denseHits = make(map[string]float64, len(hits))
		for _, hit := range hits {
			denseHits[hit.ID] = float64(hit.Score)
		}
	}

	now := time.Now()
	results := make([]Result, 0, len(candidates))
	for _, e := range candidates {
		cos := denseHits[e.ID] // 0 when absent — entry still ranks on lexical term
		lex := lexicalHits[e.ID]

		recency := 0.0
		if opts.RecencyBoost > 0 || query == "" {
			age := now.Sub(e.UpdatedAt)
			recency = math.Exp(-age.Hours() / recencyHalfLife.Hours())
			if opts.RecencyBoost > 0 {
				recency *= opts.RecencyBoost
			}
		}

		subjectBoost := 0.0
		if opts.Subject == "user" && e.Metadata.Subject == "user" && opts.UserSubjectBoost > 0 {
			subjectBoost = opts.UserSubjectBoost
		}

		var score float64
		if query == "" {
			// Canonical "everything about the user" shape: order purely
			// by (subjectBoost, recency, prominence).
			score = subjectBoost*1000 + recency*10 + e.Prominence
		} else {
			score = weightCosine*cos + weightLexical*lex + weightRecency*recency + weightSubject*subjectBoost
		}

		if score < opts.MinScore {
			continue
		}
		results = append(results, Result{Entry: e, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// candidates loads the filtered entry set the score loop ranks over.
// Filtering happens against the store's indexed columns so the scoring
// pass itself stays a simple in-memory loop.
func (h *Hybrid) candidates(opts Options) ([]*store.Entry, error) {
	var base []*store.Entry
	var err error
	switch {
	case opts.SessionID != "":
		base, err = h.db.ListBySession(opts.SessionID, 500)
	case opts.Subject != "":
		base, err = h.db.ListBySubject(opts.Subject, 500)
	case opts.Type != "":
		base, err = h.db.ListByCategory(opts.Type, 500)
	default:
		base, err = h.db.ListAllActive()
	}
	if err != nil {
		return nil, err
	}

	// Apply any remaining filters the primary query didn't already cover.
	filtered := base[:0:0]
	for _, e := range base {
		if opts.Type != "" && e.Category != opts.Type {
			continue
		}
		if opts.Subject != "" && e.Metadata.Subject != opts.Subject {
			continue
		}
		if opts.SessionID != "" && e.Metadata.SessionID != opts.SessionID {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered, nil
}

// RecordAccess must be called explicitly by callers that consume a result
// for context building; Search itself never mutates state.
func (h *Hybrid) RecordAccess(id string) error {
	return h.db.RecordAccess(id)
}
