package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CostRecord is one append-only row in the cost ledger, shaped after the
// teacher's usage.Record (provider/model/session/conversation/tokens/cost/
// role/taskName), with userId added for the single-user core.
type CostRecord struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"requestId,omitempty"`
	Model          string    `json:"model"`
	Provider       string    `json:"provider"`
	SessionID      string    `json:"sessionId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	UserID         string    `json:"userId"`
	Role           string    `json:"role,omitempty"`
	TaskName       string    `json:"taskName,omitempty"`
	InputTokens    int64     `json:"inputTokens"`
	OutputTokens   int64     `json:"outputTokens"`
	CostUSD        float64   `json:"costUsd"`
	Timestamp      time.Time `json:"timestamp"`
}

// CostSummary holds aggregated token usage and cost totals over a window.
type CostSummary struct {
	TotalRecords      int     `json:"totalRecords"`
	TotalInputTokens  int64   `json:"totalInputTokens"`
	TotalOutputTokens int64   `json:"totalOutputTokens"`
	TotalCostUSD      float64 `json:"totalCostUsd"`
}

// GroupedCostSummary pairs a CostSummary with the group key it was
// aggregated under (e.g. a model name, role, or task name). Returned as an
// ordered slice (cost DESC) rather than a map so callers get a stable,
// rank-ordered view without re-sorting.
type GroupedCostSummary struct {
	Key     string      `json:"key"`
	Summary CostSummary `json:"summary"`
}

// AppendCostRecord writes one ledger row. The ledger is append-only: there
// is no update or delete path by design.
func (d *DB) AppendCostRecord(r *CostRecord) error {
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate cost record id: %w", err)
		}
		r.ID = id.String()
	}
	if r.UserID == "" {
		r.UserID = SingleUser
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	_, err := d.db.Exec(`
		INSERT INTO cost_records (id, request_id, model, provider, session_id, conversation_id, user_id,
			role, task_name, input_tokens, output_tokens, cost_usd, timestamp)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, r.ID, nullString(r.RequestID), r.Model, r.Provider, nullString(r.SessionID), nullString(r.ConversationID), r.UserID,
		nullString(r.Role), nullString(r.TaskName), r.InputTokens, r.OutputTokens, r.CostUSD,
		r.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append cost record: %w", err)
	}
	return nil
}

// SpendSince sums cost_usd for all records at or after since.
func (d *DB) SpendSince(since time.Time) (float64, error) {
	var total float64
	err := d.db.QueryRow(`SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records WHERE timestamp >= ?`,
		since.UTC().Format(time.RFC3339Nano)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("spend since: %w", err)
	}
	return total, nil
}

// CostSummaryBetween aggregates cost_records totals over [start, end).
func (d *DB) CostSummaryBetween(start, end time.Time) (CostSummary, error) {
	var sum CostSummary
	err := d.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM cost_records WHERE timestamp >= ? AND timestamp < ?
	`, start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano)).
		Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD)
	if err != nil {
		return CostSummary{}, fmt.Errorf("cost summary between: %w", err)
	}
	return sum, nil
}

// costGroupColumns whitelists the columns CostSummaryGroupedBy may group by,
// since the column name is interpolated into the query text.
var costGroupColumns = map[string]bool{
	"model": true, "role": true, "task_name": true,
}

// CostSummaryGroupedBy aggregates cost_records totals over [start, end),
// grouped by column and ordered by total cost descending. column must be
// one of "model", "role", or "task_name".
func (d *DB) CostSummaryGroupedBy(column string, start, end time.Time) ([]GroupedCostSummary, error) {
	if !costGroupColumns[column] {
		return nil, fmt.Errorf("cost summary grouped by: unsupported column %q", column)
	}
	query := fmt.Sprintf(`
		SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM cost_records
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY %s
		ORDER BY SUM(cost_usd) DESC
	`, column, column)

	rows, err := d.db.Query(query, start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("cost summary grouped by %s: %w", column, err)
	}
	defer rows.Close()

	var result []GroupedCostSummary
	for rows.Next() {
		var g GroupedCostSummary
		if err := rows.Scan(&g.Key, &g.Summary.TotalRecords, &g.Summary.TotalInputTokens, &g.Summary.TotalOutputTokens, &g.Summary.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan cost summary grouped by %s: %w", column, err)
		}
		result = append(result, g)
	}
	return result, rows.Err()
}
