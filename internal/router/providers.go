package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mnemo-ai/mnemo-core/internal/llm"
	"github.com/mnemo-ai/mnemo-core/internal/usage"
)

// Tier is the coarse capability/cost band a caller asks for, rather than a
// specific model name. The router resolves a tier to a concrete Provider.
type Tier string

const (
	TierFast     Tier = "fast"
	TierStandard Tier = "standard"
	TierCapable  Tier = "capable"
)

// tierRank orders tiers by capability so "matches or exceeds" comparisons
// are a simple integer comparison.
var tierRank = map[Tier]int{TierFast: 0, TierStandard: 1, TierCapable: 2}

// Provider is one configured LLM backend the router can dispatch to.
type Provider struct {
	Name              string
	Tier              Tier
	Model             string
	Client            llm.Client
	CostPerMillionIn  float64
	CostPerMillionOut float64

	// HasCredential reports whether this provider is configured (an API key
	// or local endpoint is present). Providers without a credential are
	// never selected.
	HasCredential bool
}

// CompletionRequest is what executeWithFallback sends to a provider.
type CompletionRequest struct {
	Messages []llm.Message
	Tools    []map[string]any
}

// breakerState tracks consecutive failures for one provider. After
// failureThreshold consecutive failures the breaker opens for cooldown,
// during which the provider is reported unavailable.
type breakerState struct {
	consecutiveFailures int
	openUntil           time.Time
}

const (
	breakerFailureThreshold = 3
	breakerCooldown         = 60 * time.Second
)

// Budget caps day/month spend. Zero means uncapped.
type Budget struct {
	DayCapUSD   float64
	MonthCapUSD float64
}

// providerLedger holds the C7 provider roster, circuit breakers, and spend
// caps on top of the existing Decision/audit-log machinery in router.go.
// Kept as a separate struct embedded in Router rather than folded into its
// fields directly, since it is wired up independently of model-level
// scoring (a caller may use selectModel alone, without any tiered
// providers configured).
type providerLedger struct {
	mu        sync.Mutex
	providers []Provider
	state     StateStore
	budget    Budget
	usage     *usage.Store
	location  *time.Location
}

// ConfigureProviders wires the tiered provider roster, spend caps, and cost
// ledger onto r. Call once during construction; safe to call again to
// reconfigure (e.g. after credentials change). Breaker state defaults to
// an in-process MemStateStore; call ConfigureStateStore first to use
// RedisStateStore instead.
func (r *Router) ConfigureProviders(providers []Provider, budget Budget, usageStore *usage.Store, loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	r.providerLedger.mu.Lock()
	defer r.providerLedger.mu.Unlock()
	r.providerLedger.providers = providers
	r.providerLedger.budget = budget
	r.providerLedger.usage = usageStore
	r.providerLedger.location = loc
	if r.providerLedger.state == nil {
		r.providerLedger.state = NewMemStateStore()
	}
}

// ConfigureStateStore overrides the breaker backend, e.g. with a
// RedisStateStore when circuit-breaker state must be shared across
// multiple router instances. Call before ConfigureProviders, or any time
// after (it only replaces the backend, not the roster).
func (r *Router) ConfigureStateStore(state StateStore) {
	r.providerLedger.mu.Lock()
	defer r.providerLedger.mu.Unlock()
	r.providerLedger.state = state
}

// HasProviders reports whether a tiered provider roster has been wired via
// ConfigureProviders. Callers use this to decide between tier-based
// dispatch (ExecuteWithFallback/ExecuteWithFallbackStream) and the legacy
// model-name dispatch (Route + a caller-owned llm.Client).
func (r *Router) HasProviders() bool {
	r.providerLedger.mu.Lock()
	defer r.providerLedger.mu.Unlock()
	return len(r.providerLedger.providers) > 0
}

// SelectProvider returns the available provider whose tier matches or
// exceeds the requested tier, preferring cheaper providers on ties. A
// provider is available when it has a credential configured and its
// circuit breaker is not open.
func (r *Router) SelectProvider(tier Tier) (*Provider, error) {
	return r.selectProviderLocked(context.Background(), tier, nil)
}

// selectProviderLocked acquires providerLedger.mu for the duration of the
// roster scan. excluded lists provider names already attempted (for
// fallback).
func (r *Router) selectProviderLocked(ctx context.Context, tier Tier, excluded map[string]bool) (*Provider, error) {
	r.providerLedger.mu.Lock()
	providers := make([]Provider, len(r.providerLedger.providers))
	copy(providers, r.providerLedger.providers)
	state := r.providerLedger.state
	r.providerLedger.mu.Unlock()

	var best *Provider
	for i := range providers {
		p := &providers[i]
		if excluded[p.Name] {
			continue
		}
		if !p.HasCredential {
			continue
		}
		if tierRank[p.Tier] < tierRank[tier] {
			continue
		}
		if state != nil {
			open, err := state.IsOpen(ctx, p.Name)
			if err != nil {
				r.logger.Warn("breaker state check failed, treating provider as available", "provider", p.Name, "error", err)
			} else if open {
				continue
			}
		}
		if best == nil || providerCost(*p) < providerCost(*best) {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no available provider for tier %q", tier)
	}
	return best, nil
}

func providerCost(p Provider) float64 {
	return p.CostPerMillionIn + p.CostPerMillionOut
}

// ExecuteWithFallback calls SelectProvider for tier, then on failure tries
// the next-ranked available provider, returning the first successful
// completion and the ordered list of provider names attempted.
func (r *Router) ExecuteWithFallback(ctx context.Context, req CompletionRequest, tier Tier) (*llm.ChatResponse, []string, error) {
	excluded := make(map[string]bool)
	var attempted []string
	var lastErr error

	for {
		provider, err := r.selectProviderLocked(ctx, tier, excluded)
		if err != nil {
			if lastErr != nil {
				return nil, attempted, fmt.Errorf("providers exhausted after %v: %w", attempted, lastErr)
			}
			return nil, attempted, err
		}

		if len(attempted) > 0 {
			r.metrics.RecordRouterFallback(attempted[len(attempted)-1], provider.Name)
		}
		attempted = append(attempted, provider.Name)

		start := time.Now()
		resp, callErr := provider.Client.Chat(ctx, provider.Model, req.Messages, req.Tools)
		dur := time.Since(start)
		if callErr == nil {
			r.recordBreakerSuccess(ctx, provider.Name)
			tokensIn, tokensOut := 0, 0
			if resp != nil {
				tokensIn, tokensOut = resp.InputTokens, resp.OutputTokens
			}
			r.metrics.RecordLLMCall(provider.Model, provider.Name, dur, tokensIn, tokensOut)
			return resp, attempted, nil
		}

		lastErr = callErr
		r.recordBreakerFailure(ctx, provider.Name)
		excluded[provider.Name] = true
		r.logger.Warn("provider call failed, trying fallback", "provider", provider.Name, "tier", tier, "error", callErr)
	}
}

// ExecuteWithFallbackStream is ExecuteWithFallback for the streaming call
// path: it drives provider.Client.ChatStream instead of Chat so callers
// that stream tokens to a live connection (the agent loop) still get
// tier ranking, circuit breaking, and automatic provider fallback. A
// mid-stream failure is treated the same as an immediate one: the
// partial output is discarded and the next-ranked provider is tried.
func (r *Router) ExecuteWithFallbackStream(ctx context.Context, req CompletionRequest, tier Tier, onChunk llm.StreamCallback) (*llm.ChatResponse, []string, error) {
	excluded := make(map[string]bool)
	var attempted []string
	var lastErr error

	for {
		provider, err := r.selectProviderLocked(ctx, tier, excluded)
		if err != nil {
			if lastErr != nil {
				return nil, attempted, fmt.Errorf("providers exhausted after %v: %w", attempted, lastErr)
			}
			return nil, attempted, err
		}

		if len(attempted) > 0 {
			r.metrics.RecordRouterFallback(attempted[len(attempted)-1], provider.Name)
		}
		attempted = append(attempted, provider.Name)

		start := time.Now()
		resp, callErr := provider.Client.ChatStream(ctx, provider.Model, req.Messages, req.Tools, onChunk)
		dur := time.Since(start)
		if callErr == nil {
			r.recordBreakerSuccess(ctx, provider.Name)
			tokensIn, tokensOut := 0, 0
			if resp != nil {
				tokensIn, tokensOut = resp.InputTokens, resp.OutputTokens
			}
			r.metrics.RecordLLMCall(provider.Model, provider.Name, dur, tokensIn, tokensOut)
			return resp, attempted, nil
		}

		lastErr = callErr
		r.recordBreakerFailure(ctx, provider.Name)
		excluded[provider.Name] = true
		r.logger.Warn("provider stream call failed, trying fallback", "provider", provider.Name, "tier", tier, "error", callErr)
	}
}

func (r *Router) recordBreakerFailure(ctx context.Context, name string) {
	r.providerLedger.mu.Lock()
	state := r.providerLedger.state
	r.providerLedger.mu.Unlock()
	if state == nil {
		return
	}
	if _, err := state.RecordFailure(ctx, name); err != nil {
		r.logger.Warn("breaker state record failure failed", "provider", name, "error", err)
	}
}

func (r *Router) recordBreakerSuccess(ctx context.Context, name string) {
	r.providerLedger.mu.Lock()
	state := r.providerLedger.state
	r.providerLedger.mu.Unlock()
	if state == nil {
		return
	}
	if err := state.RecordSuccess(ctx, name); err != nil {
		r.logger.Warn("breaker state record success failed", "provider", name, "error", err)
	}
}

// CanMakeRequest denies a request when running day-spend or month-spend
// would exceed the configured caps. A zero cap means uncapped. Returns
// true (allowed) if no cost ledger is wired.
func (r *Router) CanMakeRequest() (bool, error) {
	r.providerLedger.mu.Lock()
	store := r.providerLedger.usage
	budget := r.providerLedger.budget
	loc := r.providerLedger.location
	r.providerLedger.mu.Unlock()

	if store == nil {
		return true, nil
	}
	if loc == nil {
		loc = time.Local
	}
	now := time.Now().In(loc)

	if budget.DayCapUSD > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		sum, err := store.Summary(dayStart, now.Add(time.Second))
		if err != nil {
			return false, fmt.Errorf("check day spend: %w", err)
		}
		if sum.TotalCostUSD >= budget.DayCapUSD {
			return false, nil
		}
	}
	if budget.MonthCapUSD > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		sum, err := store.Summary(monthStart, now.Add(time.Second))
		if err != nil {
			return false, fmt.Errorf("check month spend: %w", err)
		}
		if sum.TotalCostUSD >= budget.MonthCapUSD {
			return false, nil
		}
	}
	return true, nil
}

// RecordUsage appends a usage record to the shared cost ledger. It is a
// thin pass-through to the wired usage.Store; callers compute CostUSD via
// usage.ComputeCost beforehand.
func (r *Router) RecordUsage(ctx context.Context, rec usage.Record) error {
	r.providerLedger.mu.Lock()
	store := r.providerLedger.usage
	r.providerLedger.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.Record(ctx, rec)
}

var (
	codeFencePattern  = regexp.MustCompile("```")
	actionVerbPattern = regexp.MustCompile(`(?i)\b(write|build|implement|refactor|design|create|generate|debug|fix|analyze|compare|explain)\b`)
	toolHintPattern   = regexp.MustCompile(`(?i)\b(search|fetch|file|read|schedule|remind|run|execute|query)\b`)
)

// AnalyzeComplexity is the C7 heuristic: it inspects length, code fences,
// action-verb density, tool-hint keywords, and question marks to suggest a
// tier. Callers may override the suggestion; the router never forces it.
func AnalyzeComplexity(query string) Tier {
	score := 0

	switch {
	case len(query) > 600:
		score += 2
	case len(query) > 200:
		score += 1
	}

	if codeFencePattern.MatchString(query) {
		score += 2
	}

	if n := len(actionVerbPattern.FindAllString(query, -1)); n > 0 {
		score += n
	}

	if toolHintPattern.MatchString(query) {
		score++
	}

	if strings.Contains(query, "?") {
		score++
	}

	switch {
	case score >= 4:
		return TierCapable
	case score >= 1:
		return TierStandard
	default:
		return TierFast
	}
}
