package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduledItemSource distinguishes user-set reminders from agent-generated
// follow-ups.
type ScheduledItemSource string

const (
	ScheduledSourceUser  ScheduledItemSource = "user"
	ScheduledSourceAgent ScheduledItemSource = "agent"
)

// ScheduledItemType enumerates the kinds of scheduled item the gardener
// and scheduler understand.
type ScheduledItemType string

const (
	ScheduledTypeReminder        ScheduledItemType = "reminder"
	ScheduledTypeEventPrep       ScheduledItemType = "event_prep"
	ScheduledTypeCommitmentCheck ScheduledItemType = "commitment_check"
	ScheduledTypeGoalCheckin     ScheduledItemType = "goal_checkin"
	ScheduledTypeFollowUp        ScheduledItemType = "follow_up"
)

// ScheduledItemStatus is the lifecycle state of a scheduled item.
type ScheduledItemStatus string

const (
	ScheduledStatusPending    ScheduledItemStatus = "pending"
	ScheduledStatusProcessing ScheduledItemStatus = "processing"
	ScheduledStatusFired      ScheduledItemStatus = "fired"
	ScheduledStatusDismissed  ScheduledItemStatus = "dismissed"
	ScheduledStatusExpired    ScheduledItemStatus = "expired"
)

// RecurringType enumerates the supported recurrence shapes.
type RecurringType string

const (
	RecurringDaily    RecurringType = "daily"
	RecurringWeekly   RecurringType = "weekly"
	RecurringWeekdays RecurringType = "weekdays"
	RecurringWeekends RecurringType = "weekends"
)

// Recurring describes a repeat schedule for a scheduled item.
type Recurring struct {
	Type      RecurringType `json:"type"`
	Hour      int           `json:"hour"`
	Minute    int           `json:"minute"`
	DayOfWeek *int          `json:"dayOfWeek,omitempty"` // 0=Sunday, used by RecurringWeekly
}

// ScheduledItem is the unified record for user reminders and agent
// follow-ups. TriggerAt is epoch milliseconds.
type ScheduledItem struct {
	ID             string              `json:"id"`
	UserID         string              `json:"userId"`
	Source         ScheduledItemSource `json:"source"`
	Type           ScheduledItemType   `json:"type"`
	Message        string              `json:"message"`
	Context        string              `json:"context,omitempty"`
	TriggerAt      int64               `json:"triggerAt"`
	Recurring      *Recurring          `json:"recurring,omitempty"`
	Status         ScheduledItemStatus `json:"status"`
	SourceMemoryID string              `json:"sourceMemoryId,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// AddScheduledItem persists a new scheduled item, defaulting status to
// pending unless the caller already set one.
func (d *DB) AddScheduledItem(item *ScheduledItem) (*ScheduledItem, error) {
	if item.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate scheduled item id: %w", err)
		}
		item.ID = id.String()
	}
	if item.UserID == "" {
		item.UserID = SingleUser
	}
	if item.Status == "" {
		item.Status = ScheduledStatusPending
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now

	var recurJSON *string
	if item.Recurring != nil {
		b, err := json.Marshal(item.Recurring)
		if err != nil {
			return nil, fmt.Errorf("marshal recurring: %w", err)
		}
		s := string(b)
		recurJSON = &s
	}

	_, err := d.db.Exec(`
		INSERT INTO scheduled_items (id, user_id, source, type, message, context,
			trigger_at, recurring, status, source_memory_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	`, item.ID, item.UserID, item.Source, item.Type, item.Message, nullString(item.Context),
		item.TriggerAt, recurJSON, item.Status, nullString(item.SourceMemoryID),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert scheduled item: %w", err)
	}
	return item, nil
}

// ClaimDueScheduledItems atomically moves pending items with
// trigger_at <= nowMs to processing, returning only the rows whose update
// actually applied. Running inside an IMMEDIATE transaction prevents two
// overlapping scheduler ticks from claiming the same item twice.
func (d *DB) ClaimDueScheduledItems(ctx context.Context, nowMs int64) ([]*ScheduledItem, error) {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id FROM scheduled_items WHERE status = ? AND trigger_at <= ?
	`, ScheduledStatusPending, nowMs)
	if err != nil {
		return nil, fmt.Errorf("select due items: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []*ScheduledItem
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		res, err := tx.Exec(`
			UPDATE scheduled_items SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, ScheduledStatusProcessing, now, id, ScheduledStatusPending)
		if err != nil {
			return nil, fmt.Errorf("claim item %s: %w", id, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			continue // lost the race to a concurrent claimant
		}
		item, err := scanScheduledItemTx(tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

func scanScheduledItemTx(tx *sql.Tx, id string) (*ScheduledItem, error) {
	row := tx.QueryRow(scheduledSelect+` WHERE id = ?`, id)
	return scanScheduledItem(row)
}

const scheduledSelect = `SELECT id, user_id, source, type, message, context, trigger_at,
	recurring, status, source_memory_id, created_at, updated_at FROM scheduled_items`

func scanScheduledItem(row *sql.Row) (*ScheduledItem, error) {
	var it ScheduledItem
	var contextRaw, recurRaw, sourceMemRaw sql.NullString
	var createdStr, updatedStr string
	err := row.Scan(&it.ID, &it.UserID, &it.Source, &it.Type, &it.Message, &contextRaw,
		&it.TriggerAt, &recurRaw, &it.Status, &sourceMemRaw, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}
	if contextRaw.Valid {
		it.Context = contextRaw.String
	}
	if sourceMemRaw.Valid {
		it.SourceMemoryID = sourceMemRaw.String
	}
	if recurRaw.Valid {
		var r Recurring
		if err := json.Unmarshal([]byte(recurRaw.String), &r); err == nil {
			it.Recurring = &r
		}
	}
	it.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	it.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &it, nil
}

// MarkScheduledItemFired transitions an item (normally from processing) to
// fired.
func (d *DB) MarkScheduledItemFired(id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := d.db.Exec(`UPDATE scheduled_items SET status = ?, updated_at = ? WHERE id = ?`, ScheduledStatusFired, now, id)
	return err
}

// ResetScheduledItemToPending reverts a claimed item back to pending after
// a failed fire callback, so the next tick retries it.
func (d *DB) ResetScheduledItemToPending(id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := d.db.Exec(`UPDATE scheduled_items SET status = ?, updated_at = ? WHERE id = ?`, ScheduledStatusPending, now, id)
	return err
}

// ExpireOldScheduledItems marks pending items whose trigger_at is more
// than maxAge in the past as expired, returning the count affected.
func (d *DB) ExpireOldScheduledItems(nowMs int64, maxAge time.Duration) (int64, error) {
	cutoff := nowMs - maxAge.Milliseconds()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := d.db.Exec(`
		UPDATE scheduled_items SET status = ?, updated_at = ?
		WHERE status = ? AND trigger_at < ?
	`, ScheduledStatusExpired, now, ScheduledStatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire old scheduled items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListPendingScheduledItems returns pending items for a user, used by the
// duplicate-suppression and consolidation passes.
func (d *DB) ListPendingScheduledItems(userID string) ([]*ScheduledItem, error) {
	rows, err := d.db.Query(scheduledSelect+` WHERE user_id = ? AND status = ? ORDER BY created_at ASC`, userID, ScheduledStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending scheduled items: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledItem
	for rows.Next() {
		it, err := scanScheduledItemRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanScheduledItemRow(rows *sql.Rows) (*ScheduledItem, error) {
	var it ScheduledItem
	var contextRaw, recurRaw, sourceMemRaw sql.NullString
	var createdStr, updatedStr string
	err := rows.Scan(&it.ID, &it.UserID, &it.Source, &it.Type, &it.Message, &contextRaw,
		&it.TriggerAt, &recurRaw, &it.Status, &sourceMemRaw, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}
	if contextRaw.Valid {
		it.Context = contextRaw.String
	}
	if sourceMemRaw.Valid {
		it.SourceMemoryID = sourceMemRaw.String
	}
	if recurRaw.Valid {
		var r Recurring
		if err := json.Unmarshal([]byte(recurRaw.String), &r); err == nil {
			it.Recurring = &r
		}
	}
	it.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	it.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &it, nil
}

// DeleteScheduledItem removes an item outright (used by consolidation to
// drop detected duplicates).
func (d *DB) DeleteScheduledItem(id string) error {
	_, err := d.db.Exec(`DELETE FROM scheduled_items WHERE id = ?`, id)
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
