package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mnemo-ai/mnemo-core/internal/llm"
	"github.com/mnemo-ai/mnemo-core/internal/store"
	"github.com/mnemo-ai/mnemo-core/internal/usage"
)

type stubLLMClient struct {
	fail bool
	resp *llm.ChatResponse
}

func (s *stubLLMClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	if s.fail {
		return nil, errors.New("provider unavailable")
	}
	if s.resp != nil {
		return s.resp, nil
	}
	return &llm.ChatResponse{Model: model, Message: llm.Message{Role: "assistant", Content: "ok"}, Done: true}, nil
}

func (s *stubLLMClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return s.Chat(ctx, model, messages, tools)
}

func (s *stubLLMClient) Ping(ctx context.Context) error { return nil }

func TestSelectProviderPrefersCheaperOnTie(t *testing.T) {
	r := newTestRouter()
	r.ConfigureProviders([]Provider{
		{Name: "expensive-capable", Tier: TierCapable, HasCredential: true, CostPerMillionIn: 15, CostPerMillionOut: 75, Client: &stubLLMClient{}},
		{Name: "cheap-capable", Tier: TierCapable, HasCredential: true, CostPerMillionIn: 3, CostPerMillionOut: 15, Client: &stubLLMClient{}},
	}, Budget{}, nil, nil)

	p, err := r.SelectProvider(TierCapable)
	if err != nil {
		t.Fatalf("SelectProvider: %v", err)
	}
	if p.Name != "cheap-capable" {
		t.Errorf("selected %q, want cheap-capable", p.Name)
	}
}

func TestSelectProviderMatchesOrExceedsTier(t *testing.T) {
	r := newTestRouter()
	r.ConfigureProviders([]Provider{
		{Name: "fast-local", Tier: TierFast, HasCredential: true, Client: &stubLLMClient{}},
		{Name: "capable-cloud", Tier: TierCapable, HasCredential: true, CostPerMillionIn: 10, CostPerMillionOut: 30, Client: &stubLLMClient{}},
	}, Budget{}, nil, nil)

	p, err := r.SelectProvider(TierStandard)
	if err != nil {
		t.Fatalf("SelectProvider: %v", err)
	}
	if p.Name != "capable-cloud" {
		t.Errorf("selected %q, want capable-cloud (only one meeting standard or above)", p.Name)
	}
}

func TestSelectProviderIgnoresUncredentialed(t *testing.T) {
	r := newTestRouter()
	r.ConfigureProviders([]Provider{
		{Name: "no-creds", Tier: TierFast, HasCredential: false, Client: &stubLLMClient{}},
	}, Budget{}, nil, nil)

	if _, err := r.SelectProvider(TierFast); err == nil {
		t.Error("expected error selecting provider with no credential")
	}
}

func TestExecuteWithFallbackTriesNextProviderOnError(t *testing.T) {
	r := newTestRouter()
	r.ConfigureProviders([]Provider{
		{Name: "broken", Tier: TierFast, HasCredential: true, Client: &stubLLMClient{fail: true}},
		{Name: "working", Tier: TierFast, HasCredential: true, CostPerMillionIn: 1, Client: &stubLLMClient{}},
	}, Budget{}, nil, nil)

	resp, attempted, err := r.ExecuteWithFallback(context.Background(), CompletionRequest{}, TierFast)
	if err != nil {
		t.Fatalf("ExecuteWithFallback: %v", err)
	}
	if resp == nil {
		t.Fatal("expected non-nil response")
	}
	if len(attempted) != 2 || attempted[0] != "broken" || attempted[1] != "working" {
		t.Errorf("attempted = %v, want [broken working]", attempted)
	}
}

func TestExecuteWithFallbackExhaustsAllProviders(t *testing.T) {
	r := newTestRouter()
	r.ConfigureProviders([]Provider{
		{Name: "a", Tier: TierFast, HasCredential: true, Client: &stubLLMClient{fail: true}},
		{Name: "b", Tier: TierFast, HasCredential: true, Client: &stubLLMClient{fail: true}},
	}, Budget{}, nil, nil)

	_, attempted, err := r.ExecuteWithFallback(context.Background(), CompletionRequest{}, TierFast)
	if err == nil {
		t.Fatal("expected error once all providers fail")
	}
	if len(attempted) != 2 {
		t.Errorf("attempted = %v, want 2 providers tried", attempted)
	}
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	r := newTestRouter()
	r.ConfigureProviders([]Provider{
		{Name: "flaky", Tier: TierFast, HasCredential: true, Client: &stubLLMClient{fail: true}},
	}, Budget{}, nil, nil)

	for i := 0; i < breakerFailureThreshold; i++ {
		_, _, _ = r.ExecuteWithFallback(context.Background(), CompletionRequest{}, TierFast)
	}

	if _, err := r.SelectProvider(TierFast); err == nil {
		t.Error("expected breaker to be open, disqualifying the only provider")
	}
}

func newTestUsageStore(t *testing.T) *usage.Store {
	t.Helper()
	dbPath := t.TempDir() + "/mnemo.db"
	db, err := store.Open(store.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return usage.NewStore(db)
}

func TestCanMakeRequestDeniesOverDayCap(t *testing.T) {
	r := newTestRouter()
	us := newTestUsageStore(t)
	r.ConfigureProviders(nil, Budget{DayCapUSD: 1.0}, us, time.UTC)

	if err := us.Record(context.Background(), usage.Record{Timestamp: time.Now(), Model: "m", Provider: "p", CostUSD: 1.5, Role: "interactive"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	allowed, err := r.CanMakeRequest()
	if err != nil {
		t.Fatalf("CanMakeRequest: %v", err)
	}
	if allowed {
		t.Error("expected request to be denied, day spend exceeds cap")
	}
}

func TestCanMakeRequestAllowsUnderCap(t *testing.T) {
	r := newTestRouter()
	us := newTestUsageStore(t)
	r.ConfigureProviders(nil, Budget{DayCapUSD: 100.0}, us, time.UTC)

	allowed, err := r.CanMakeRequest()
	if err != nil {
		t.Fatalf("CanMakeRequest: %v", err)
	}
	if !allowed {
		t.Error("expected request to be allowed, under cap")
	}
}

func TestCanMakeRequestAllowsWhenNoLedgerWired(t *testing.T) {
	r := newTestRouter()
	allowed, err := r.CanMakeRequest()
	if err != nil {
		t.Fatalf("CanMakeRequest: %v", err)
	}
	if !allowed {
		t.Error("expected allowed when no cost ledger configured")
	}
}

func TestAnalyzeComplexityTier(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Tier
	}{
		{"short greeting", "hi there", TierFast},
		{"simple question", "what time is it?", TierStandard},
		{"code task", "```go\nfunc main() {}\n```\nrefactor this for clarity and explain the changes", TierCapable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnalyzeComplexity(tt.query)
			if got != tt.want {
				t.Errorf("AnalyzeComplexity(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}
