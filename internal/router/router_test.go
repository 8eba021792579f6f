package router

import (
	"context"
	"log/slog"
	"testing"
)

func newTestRouter() *Router {
	return NewRouter(slog.Default(), Config{
		DefaultModel: "test-model",
		MaxAuditLog:  10,
	})
}

func TestAnalyzeComplexity(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		name  string
		query string
		want  Complexity
	}{
		// Simple: direct memory/reminder commands
		{name: "remind me", query: "remind me to call the dentist tomorrow", want: ComplexitySimple},
		{name: "remember that", query: "remember that my office is at 123 Main St", want: ComplexitySimple},
		{name: "note", query: "note that the invoice is due Friday", want: ComplexitySimple},
		{name: "save", query: "save this recipe for later", want: ComplexitySimple},
		{name: "schedule", query: "schedule a reminder for 9am", want: ComplexitySimple},

		// Simple: retrieval/search tasks (even with complex-looking words)
		{name: "search with history", query: "search notes for distributed.net history", want: ComplexitySimple},
		{name: "search web", query: "search the web for FlightAware origins", want: ComplexitySimple},
		{name: "recall", query: "recall what I said about the lease", want: ComplexitySimple},
		{name: "list items", query: "list all my reminders", want: ComplexitySimple},
		{name: "fetch items", query: "fetch the notes from yesterday", want: ComplexitySimple},
		{name: "find entry", query: "find the note about the car insurance", want: ComplexitySimple},
		{name: "check state", query: "check if the reminder is still pending", want: ComplexitySimple},

		// Moderate: questions about state
		{name: "question mark", query: "what did I say about the trip?", want: ComplexityModerate},
		{name: "is prefix", query: "is the reminder still active", want: ComplexityModerate},
		{name: "what prefix", query: "what time is it", want: ComplexityModerate},

		// Complex: reasoning and analysis (without simple action verbs)
		{name: "explain", query: "explain why I keep forgetting this", want: ComplexityComplex},
		{name: "analyze", query: "analyze my spending trends", want: ComplexityComplex},
		{name: "compare", query: "compare this week's notes to last week's", want: ComplexityComplex},
		{name: "recommend", query: "recommend a better way to organize my notes", want: ComplexityComplex},
		{name: "standalone history", query: "show me the history of this conversation", want: ComplexityComplex},
		{name: "why", query: "why did I save this note at 3am", want: ComplexityComplex},
		{name: "summarize", query: "summarize everything I've told you this week", want: ComplexityComplex},

		// Default: moderate for ambiguous queries
		{name: "general chat", query: "hello, how are you today", want: ComplexityModerate},
		{name: "short command", query: "do it", want: ComplexityModerate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.analyzeComplexity(tt.query)
			if got != tt.want {
				t.Errorf("analyzeComplexity(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestDetectIntent(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{name: "remind", query: "remind me to call the dentist", want: "reminder"},
		{name: "schedule", query: "schedule a reminder for 9am", want: "reminder"},
		{name: "remember", query: "remember that my office is downtown", want: "note_taking"},
		{name: "note", query: "note the invoice due date", want: "note_taking"},
		{name: "search", query: "search my notes for the lease", want: "memory_recall"},
		{name: "recall", query: "recall what I said yesterday", want: "memory_recall"},
		{name: "delete", query: "delete that note", want: "memory_edit"},
		{name: "forget", query: "forget what I told you about the trip", want: "memory_edit"},
		{name: "when", query: "when did the last power outage happen", want: "temporal"},
		{name: "general", query: "hello", want: "general"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.detectIntent(tt.query)
			if got != tt.want {
				t.Errorf("detectIntent(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}

func TestRoute_LocalOnlyHint(t *testing.T) {
	r := NewRouter(slog.Default(), Config{
		DefaultModel: "local-model",
		Models: []Model{
			{Name: "local-model", Provider: "ollama", SupportsTools: true, Speed: 8, Quality: 5, CostTier: 0, ContextWindow: 8192},
			{Name: "cloud-model", Provider: "anthropic", SupportsTools: true, Speed: 6, Quality: 10, CostTier: 3, ContextWindow: 8192},
		},
		MaxAuditLog: 10,
	})

	model, decision := r.Route(context.Background(), Request{
		Query:      "search archives for something",
		NeedsTools: true,
		ToolCount:  3,
		Priority:   PriorityBackground,
		Hints: map[string]string{
			HintLocalOnly: "true",
		},
	})

	if model != "local-model" {
		t.Errorf("Route() with local_only hint selected %q, want %q", model, "local-model")
	}

	// Cloud model should have a heavily negative score from the -200 penalty.
	score, ok := decision.Scores["cloud-model"]
	if !ok {
		t.Fatalf("cloud-model score missing from decision.Scores: %#v", decision.Scores)
	}
	if score >= 0 {
		t.Errorf("cloud-model score = %d, want negative (local_only penalty)", score)
	}
}

func TestMaxQuality(t *testing.T) {
	r := NewRouter(slog.Default(), Config{
		DefaultModel: "local-model",
		Models: []Model{
			{Name: "local-model", Quality: 5},
			{Name: "mid-model", Quality: 7},
			{Name: "cloud-model", Quality: 10},
		},
	})

	if got := r.MaxQuality(); got != 10 {
		t.Errorf("MaxQuality() = %d, want 10", got)
	}
}

func TestMaxQuality_SingleModel(t *testing.T) {
	r := NewRouter(slog.Default(), Config{
		DefaultModel: "only-model",
		Models: []Model{
			{Name: "only-model", Quality: 6},
		},
	})

	if got := r.MaxQuality(); got != 6 {
		t.Errorf("MaxQuality() = %d, want 6", got)
	}
}

func TestMaxQuality_NoModels(t *testing.T) {
	r := NewRouter(slog.Default(), Config{
		DefaultModel: "fallback",
	})

	if got := r.MaxQuality(); got != 10 {
		t.Errorf("MaxQuality() with no models = %d, want 10 (safe default)", got)
	}
}
