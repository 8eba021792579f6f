// Package usage provides token usage and cost aggregation for LLM
// interactions. It is a read/summarize layer over internal/store's
// append-only cost ledger — it does not own a database connection of its
// own, since the whole core shares a single writer per the persistence
// design.
package usage

import (
	"context"
	"time"

	"github.com/mnemo-ai/mnemo-core/internal/config"
	"github.com/mnemo-ai/mnemo-core/internal/store"
)

// Record represents a single LLM interaction's token usage and cost.
type Record struct {
	ID             string
	Timestamp      time.Time
	RequestID      string
	SessionID      string
	ConversationID string
	Model          string
	Provider       string // "anthropic", "ollama"
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	Role           string // "interactive", "delegate", "scheduled", "auxiliary"
	TaskName       string // "email_poll", "periodic_reflection", etc. (empty for interactive)
}

// Summary holds aggregated token usage and cost totals.
type Summary = store.CostSummary

// GroupedSummary pairs a Summary with the group key (model, role, or task
// name) it was aggregated under, ordered by cost descending.
type GroupedSummary = store.GroupedCostSummary

// Store records and summarizes usage on top of the shared store.DB
// connection's cost_records ledger.
type Store struct {
	db *store.DB
}

// NewStore wraps db for usage tracking. db is the single shared connection
// for the whole core; Store never opens one of its own.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Record persists a usage record to the shared cost ledger. If rec.ID is
// empty, store.AppendCostRecord generates one.
func (s *Store) Record(ctx context.Context, rec Record) error {
	return s.db.AppendCostRecord(&store.CostRecord{
		ID:             rec.ID,
		RequestID:      rec.RequestID,
		Model:          rec.Model,
		Provider:       rec.Provider,
		SessionID:      rec.SessionID,
		ConversationID: rec.ConversationID,
		Role:           rec.Role,
		TaskName:       rec.TaskName,
		InputTokens:    int64(rec.InputTokens),
		OutputTokens:   int64(rec.OutputTokens),
		CostUSD:        rec.CostUSD,
		Timestamp:      rec.Timestamp,
	})
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	sum, err := s.db.CostSummaryBetween(start, end)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// SummaryByModel returns per-model aggregated totals for [start, end),
// ordered by total cost descending.
func (s *Store) SummaryByModel(start, end time.Time) ([]GroupedSummary, error) {
	return s.db.CostSummaryGroupedBy("model", start, end)
}

// SummaryByRole returns per-role aggregated totals for [start, end),
// ordered by total cost descending.
func (s *Store) SummaryByRole(start, end time.Time) ([]GroupedSummary, error) {
	return s.db.CostSummaryGroupedBy("role", start, end)
}

// SummaryByTask returns per-task aggregated totals for [start, end),
// ordered by total cost descending. Records with no task name are grouped
// under the key "".
func (s *Store) SummaryByTask(start, end time.Time) ([]GroupedSummary, error) {
	return s.db.CostSummaryGroupedBy("task_name", start, end)
}

// ComputeCost calculates the USD cost for a model's token usage based
// on the pricing table. Models not in the table are treated as free
// (local/Ollama models).
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}

// ResolveProvider infers the provider family from a model name, for
// callers that only have a model string on hand (e.g. router decisions
// made before a usage record exists).
func ResolveProvider(model string) string {
	switch {
	case len(model) >= 7 && model[:7] == "claude-":
		return "anthropic"
	default:
		return "ollama"
	}
}
