package extractor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mnemo-ai/mnemo-core/internal/classifier"
	"github.com/mnemo-ai/mnemo-core/internal/embedindex"
	"github.com/mnemo-ai/mnemo-core/internal/llm"
	"github.com/mnemo-ai/mnemo-core/internal/search"
	"github.com/mnemo-ai/mnemo-core/internal/store"
)

type stubExtractionClient struct {
	response string
}

func (s *stubExtractionClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Message: llm.Message{Content: s.response}}, nil
}

func (s *stubExtractionClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return s.Chat(ctx, model, messages, tools)
}

func (s *stubExtractionClient) Ping(ctx context.Context) error { return nil }

type stubEmbedder struct{}

func (stubEmbedder) Generate(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func newTestExtractor(t *testing.T, llmResponse string) (*store.DB, *Extractor) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mnemo.db")
	db, err := store.Open(store.Config{Path: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	idx := embedindex.NewLocalIndex()
	hybrid := search.New(db, idx)
	client := &stubExtractionClient{response: llmResponse}
	clf := classifier.New(client, "test-model", nil)

	x := New(Config{
		DB:         db,
		Search:     hybrid,
		Index:      idx,
		Embedder:   stubEmbedder{},
		Classifier: clf,
		LLMClient:  client,
		Model:      "test-model",
	})
	return db, x
}

func TestExtractPersistsNewFact(t *testing.T) {
	resp := `{"facts": [{"subject": "user", "category": "preference", "content": "the user prefers tea over coffee", "confidence": 0.9, "importance": 6}], "triggers": []}`
	db, x := newTestExtractor(t, resp)

	x.Extract(context.Background(), "I actually prefer tea over coffee", "", "session-1")

	entries, err := db.ListBySubject("user", 10)
	if err != nil {
		t.Fatalf("list by subject: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 persisted entry, got %d", len(entries))
	}
	if entries[0].Category != store.CategoryPreference {
		t.Errorf("category = %v, want preference", entries[0].Category)
	}
}

func TestExtractDropsUnparsableResponseSilently(t *testing.T) {
	db, x := newTestExtractor(t, "I'm not going to give you JSON today")
	x.Extract(context.Background(), "hello", "", "session-1")

	entries, err := db.ListAllActive()
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries persisted from an unparsable response, got %d", len(entries))
	}
}

func TestExtractSchedulesTrigger(t *testing.T) {
	resp := `{"facts": [], "triggers": [{"type": "reminder", "description": "check on the dentist appointment", "trigger_time": "in 30 minutes", "context": "", "guidance": "", "recurring_pattern": ""}]}`
	db, x := newTestExtractor(t, resp)

	x.Extract(context.Background(), "remind me about the dentist in 30 minutes", "", "session-1")

	items, err := db.ListPendingScheduledItems(store.SingleUser)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 scheduled item, got %d", len(items))
	}
	if items[0].Type != store.ScheduledTypeReminder {
		t.Errorf("type = %v, want reminder", items[0].Type)
	}
}
