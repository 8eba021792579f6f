package skills

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mnemo-ai/mnemo-core/internal/store"
)

// RegisterSchedulerSkills adds schedule_task, list_tasks, and cancel_task
// to r, backed directly by db's ScheduledItem CRUD. Firing is handled
// elsewhere (internal/scheduler); these skills only create, list, and
// cancel pending items.
func RegisterSchedulerSkills(r *Registry, db *store.DB) {
	r.Register(&Skill{
		Name:        "schedule_task",
		Description: "Schedule a reminder or follow-up to fire at a future time. Use for things the user asks to be reminded about, or follow-ups you want to check on yourself.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "What to say when this fires",
				},
				"when": map[string]any{
					"type":        "string",
					"description": "When to fire, as an RFC3339 timestamp (e.g. \"2026-08-01T09:00:00Z\") or a relative duration (e.g. \"2h\", \"30m\")",
				},
				"recurring": map[string]any{
					"type":        "string",
					"enum":        []string{"", "daily", "weekly", "weekdays", "weekends"},
					"description": "Repeat pattern; omit for a one-shot reminder",
				},
			},
			"required": []string{"message", "when"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			message, _ := args["message"].(string)
			when, _ := args["when"].(string)
			if message == "" || when == "" {
				return "", fmt.Errorf("message and when are required")
			}

			triggerAt, err := parseWhen(when)
			if err != nil {
				return "", fmt.Errorf("invalid when: %w", err)
			}

			item := &store.ScheduledItem{
				UserID:    store.SingleUser,
				Source:    store.ScheduledSourceUser,
				Type:      store.ScheduledTypeReminder,
				Message:   message,
				TriggerAt: triggerAt.UnixMilli(),
				Status:    store.ScheduledStatusPending,
			}
			if recur, _ := args["recurring"].(string); recur != "" {
				item.Recurring = &store.Recurring{
					Type:   store.RecurringType(recur),
					Hour:   triggerAt.Hour(),
					Minute: triggerAt.Minute(),
				}
				if item.Recurring.Type == store.RecurringWeekly {
					dow := int(triggerAt.Weekday())
					item.Recurring.DayOfWeek = &dow
				}
			}

			saved, err := db.AddScheduledItem(item)
			if err != nil {
				return "", fmt.Errorf("schedule task: %w", err)
			}
			return fmt.Sprintf("Scheduled (ID: %s): %s at %s", saved.ID, message, triggerAt.Format(time.RFC3339)), nil
		},
	})

	r.Register(&Skill{
		Name:        "list_tasks",
		Description: "List pending reminders and follow-ups.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			items, err := db.ListPendingScheduledItems(store.SingleUser)
			if err != nil {
				return "", fmt.Errorf("list tasks: %w", err)
			}
			if len(items) == 0 {
				return "No pending reminders.", nil
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "Found %d pending item(s):\n", len(items))
			for _, it := range items {
				fire := time.UnixMilli(it.TriggerAt)
				fmt.Fprintf(&sb, "- %s (%s): %s\n", it.Message, it.ID[:8], fire.Format("2006-01-02 15:04"))
			}
			return sb.String(), nil
		},
	})

	r.Register(&Skill{
		Name:        "cancel_task",
		Description: "Cancel a pending reminder by its id (or id prefix), as returned by list_tasks.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The id or id prefix of the task to cancel",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			taskID, _ := args["task_id"].(string)
			if taskID == "" {
				return "", fmt.Errorf("task_id is required")
			}

			items, err := db.ListPendingScheduledItems(store.SingleUser)
			if err != nil {
				return "", fmt.Errorf("list tasks: %w", err)
			}
			var found *store.ScheduledItem
			for _, it := range items {
				if it.ID == taskID || strings.HasPrefix(it.ID, taskID) {
					found = it
					break
				}
			}
			if found == nil {
				return "", fmt.Errorf("task not found: %s", taskID)
			}
			if err := db.DeleteScheduledItem(found.ID); err != nil {
				return "", fmt.Errorf("cancel task: %w", err)
			}
			return fmt.Sprintf("Cancelled: %s", found.Message), nil
		},
	})
}

// parseWhen accepts either an RFC3339 absolute timestamp or a Go duration
// string interpreted as relative to now.
func parseWhen(when string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, when); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(when); err == nil {
		return time.Now().Add(d), nil
	}
	return time.Time{}, fmt.Errorf("could not parse %q as RFC3339 timestamp or duration", when)
}
