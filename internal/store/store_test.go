package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mnemo.db")
	d, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestPutAndGetEntry(t *testing.T) {
	d := newTestDB(t)

	e := &Entry{
		Content:    "the user prefers dark roast coffee",
		Category:   CategoryPreference,
		MemoryType: MemoryTypeRegular,
		Source:     "user",
		Importance: 5,
		Confidence: 0.9,
		IsLatest:   true,
		Metadata:   EntryMetadata{Subject: "user"},
	}
	got, err := d.PutEntry(e)
	if err != nil {
		t.Fatalf("put entry: %v", err)
	}
	if got.ID == "" {
		t.Fatal("expected generated id")
	}

	fetched, err := d.GetEntry(got.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected entry, got nil")
	}
	if fetched.Content != e.Content {
		t.Errorf("content = %q, want %q", fetched.Content, e.Content)
	}
	if fetched.Metadata.Subject != "user" {
		t.Errorf("metadata.subject = %q, want user", fetched.Metadata.Subject)
	}
}

func TestAddRelationUpdatesFlipsTarget(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	old, err := d.PutEntry(&Entry{Content: "old fact", Category: CategoryFact, MemoryType: MemoryTypeRegular, Source: "user", IsLatest: true, Metadata: EntryMetadata{Subject: "user"}})
	if err != nil {
		t.Fatalf("put old: %v", err)
	}
	newer, err := d.PutEntry(&Entry{Content: "new fact", Category: CategoryFact, MemoryType: MemoryTypeRegular, Source: "user", IsLatest: true, Metadata: EntryMetadata{Subject: "user"}})
	if err != nil {
		t.Fatalf("put new: %v", err)
	}

	if _, err := d.AddRelation(ctx, newer.ID, old.ID, RelationUpdates, 0.9); err != nil {
		t.Fatalf("add relation: %v", err)
	}

	refetched, err := d.GetEntry(old.ID)
	if err != nil {
		t.Fatalf("get old: %v", err)
	}
	if refetched.IsLatest {
		t.Error("expected superseded target to have isLatest = false")
	}
	if refetched.MemoryType != MemoryTypeSuperseded {
		t.Errorf("memoryType = %q, want superseded", refetched.MemoryType)
	}
}

func TestClaimDueScheduledItemsIsSingleWinner(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	item, err := d.AddScheduledItem(&ScheduledItem{
		Source:    ScheduledSourceUser,
		Type:      ScheduledTypeReminder,
		Message:   "call the dentist",
		TriggerAt: time.Now().Add(-time.Minute).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("add scheduled item: %v", err)
	}

	now := time.Now().UnixMilli()
	first, err := d.ClaimDueScheduledItems(ctx, now)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if len(first) != 1 || first[0].ID != item.ID {
		t.Fatalf("expected exactly one claimed item, got %d", len(first))
	}

	second, err := d.ClaimDueScheduledItems(ctx, now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no items on second claim, got %d", len(second))
	}
}

func TestWordOverlapSimilar(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"remind me to call mom", "call mom", true},
		{"pick up dry cleaning", "pick up the dry cleaning tomorrow", true},
		{"call mom", "buy groceries", false},
	}
	for _, c := range cases {
		if got := wordOverlapSimilar(c.a, c.b); got != c.want {
			t.Errorf("wordOverlapSimilar(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestConsolidateDuplicateScheduledItems(t *testing.T) {
	d := newTestDB(t)

	if _, err := d.AddScheduledItem(&ScheduledItem{UserID: SingleUser, Source: ScheduledSourceUser, Type: ScheduledTypeReminder, Message: "call mom", TriggerAt: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if _, err := d.AddScheduledItem(&ScheduledItem{UserID: SingleUser, Source: ScheduledSourceUser, Type: ScheduledTypeReminder, Message: "remind me to call mom", TriggerAt: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("add 2: %v", err)
	}

	removed, err := d.ConsolidateDuplicateScheduledItems(SingleUser)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	remaining, err := d.ListPendingScheduledItems(SingleUser)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("remaining = %d, want 1", len(remaining))
	}
}

func TestPruneArchivedMemories(t *testing.T) {
	d := newTestDB(t)

	e, err := d.PutEntry(&Entry{Content: "stale", Category: CategoryFact, MemoryType: MemoryTypeSuperseded, Source: "user", IsLatest: false, Prominence: 0.001, Metadata: EntryMetadata{Subject: "user"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	n, err := d.PruneArchivedMemories(0.01)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}

	got, err := d.GetEntry(e.ID)
	if err != nil {
		t.Fatalf("get after prune: %v", err)
	}
	if got != nil {
		t.Error("expected entry to be gone after prune")
	}
}
