package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mnemo-ai/mnemo-core/internal/search"
	"github.com/mnemo-ai/mnemo-core/internal/store"
)

// factCharBudget caps the total length of facts injected into the system
// prompt, after dedup, so a large fact store can't crowd out the rest of
// the prompt.
const factCharBudget = 2000

// Embedder generates a query embedding for semantic fact search. Optional —
// a nil Embedder degrades FactContextProvider to lexical-only ranking.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// FactContextProvider assembles the "Relevant Context" section of the
// system prompt from the fact store: the user's own facts unconditionally,
// plus whatever facts about anyone else best match the current message.
type FactContextProvider struct {
	searcher *search.Hybrid
	embedder Embedder
	logger   *slog.Logger
}

// NewFactContextProvider constructs a provider over searcher. embedder may
// be nil, in which case ranking falls back to lexical + recency signals.
func NewFactContextProvider(searcher *search.Hybrid, embedder Embedder, logger *slog.Logger) *FactContextProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FactContextProvider{searcher: searcher, embedder: embedder, logger: logger}
}

// GetContext returns the formatted fact block for userMessage, or "" if
// nothing qualifies. Errors from the underlying searcher are logged and
// swallowed — a failed memory lookup should never fail the turn.
func (p *FactContextProvider) GetContext(ctx context.Context, userMessage string) (string, error) {
	if p.searcher == nil {
		return "", nil
	}

	// Unconditional: everything filed under the user, regardless of the
	// current message. minScore=0 means "no relevance floor" — recency and
	// prominence alone decide ordering (see search.Hybrid's query=="" path).
	userFacts, err := p.searcher.Search(ctx, "", nil, search.Options{
		Type:     store.CategoryFact,
		Subject:  store.SingleUser,
		MinScore: 0,
		Limit:    20,
	})
	if err != nil {
		p.logger.Warn("user-fact lookup failed, continuing without it", "error", err)
		userFacts = nil
	}

	// Query-relevant: whatever best matches the live message, including
	// facts about third parties, boosted toward the user's own when tied.
	var queryEmbedding []float32
	if p.embedder != nil && userMessage != "" {
		if emb, err := p.embedder.Generate(ctx, userMessage); err != nil {
			p.logger.Warn("query embedding failed, falling back to lexical ranking", "error", err)
		} else {
			queryEmbedding = emb
		}
	}
	relevantFacts, err := p.searcher.Search(ctx, userMessage, queryEmbedding, search.Options{
		Type:             store.CategoryFact,
		MinScore:         0.1,
		Limit:            10,
		UserSubjectBoost: 2.0,
	})
	if err != nil {
		p.logger.Warn("relevant-fact lookup failed, continuing without it", "error", err)
		relevantFacts = nil
	}

	facts := dedupFacts(userFacts, relevantFacts)
	if len(facts) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("### Known facts\n\n")
	budget := factCharBudget
	for _, f := range facts {
		line := factLine(f.Entry)
		if len(line) > budget {
			if budget <= 0 {
				break
			}
			line = line[:budget]
		}
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
		budget -= len(line)
		if budget <= 0 {
			break
		}
	}
	return sb.String(), nil
}

// dedupFacts merges user facts and query-relevant facts, user facts first
// (they win ties on id), and drops later duplicates by entry ID.
func dedupFacts(userFacts, relevantFacts []search.Result) []search.Result {
	seen := make(map[string]bool, len(userFacts)+len(relevantFacts))
	out := make([]search.Result, 0, len(userFacts)+len(relevantFacts))
	for _, r := range userFacts {
		if seen[r.Entry.ID] {
			continue
		}
		seen[r.Entry.ID] = true
		out = append(out, r)
	}
	for _, r := range relevantFacts {
		if seen[r.Entry.ID] {
			continue
		}
		seen[r.Entry.ID] = true
		out = append(out, r)
	}
	return out
}

// factLine renders one fact entry, prefixing third-party facts with who
// they're about so the model doesn't attribute them to the user.
func factLine(e *store.Entry) string {
	if e.Metadata.Subject != "" && e.Metadata.Subject != store.SingleUser {
		return fmt.Sprintf("[About %s] %s", e.Metadata.Subject, e.Content)
	}
	return e.Content
}
