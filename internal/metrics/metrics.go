// Package metrics exposes Prometheus counters and histograms for the agent
// loop, the model router, memory search, and the background scheduler and
// gardener ticks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector Mnemo registers. A nil *Metrics
// is valid everywhere a caller might record against it — every method
// no-ops on a nil receiver, so callers never need to check whether
// metrics collection is enabled before recording.
type Metrics struct {
	registry *prometheus.Registry

	agentTurns       *prometheus.CounterVec
	agentTurnSeconds *prometheus.HistogramVec
	agentErrors      *prometheus.CounterVec

	llmCalls       *prometheus.CounterVec
	llmSeconds     *prometheus.HistogramVec
	llmTokensIn    *prometheus.CounterVec
	llmTokensOut   *prometheus.CounterVec
	routerFallback *prometheus.CounterVec

	memorySearches *prometheus.CounterVec
	memorySeconds  *prometheus.HistogramVec
	factsExtracted *prometheus.CounterVec

	schedulerFires    *prometheus.CounterVec
	gardenerTickTotal *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpSeconds  *prometheus.HistogramVec
}

// New builds a fresh collector set registered against its own registry
// (not the global default), so tests and multiple instantiations never
// collide on "duplicate metrics collector registration" panics.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.agentTurns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemo",
		Subsystem: "agent",
		Name:      "turns_total",
		Help:      "Total number of agent loop turns run.",
	}, []string{"mission"})

	m.agentTurnSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mnemo",
		Subsystem: "agent",
		Name:      "turn_duration_seconds",
		Help:      "Agent loop turn duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
	}, []string{"mission"})

	m.agentErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemo",
		Subsystem: "agent",
		Name:      "errors_total",
		Help:      "Total number of agent loop turns that returned an error.",
	}, []string{"mission"})

	m.llmCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemo",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Total number of LLM provider calls.",
	}, []string{"model", "provider"})

	m.llmSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mnemo",
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "LLM provider call duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3m
	}, []string{"model", "provider"})

	m.llmTokensIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemo",
		Subsystem: "llm",
		Name:      "tokens_input_total",
		Help:      "Total input tokens sent to LLM providers.",
	}, []string{"model", "provider"})

	m.llmTokensOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemo",
		Subsystem: "llm",
		Name:      "tokens_output_total",
		Help:      "Total output tokens received from LLM providers.",
	}, []string{"model", "provider"})

	m.routerFallback = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemo",
		Subsystem: "router",
		Name:      "fallbacks_total",
		Help:      "Total number of times the router fell back from its first-choice provider.",
	}, []string{"from_provider", "to_provider"})

	m.memorySearches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemo",
		Subsystem: "memory",
		Name:      "searches_total",
		Help:      "Total number of hybrid memory searches.",
	}, []string{"kind"})

	m.memorySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mnemo",
		Subsystem: "memory",
		Name:      "search_duration_seconds",
		Help:      "Hybrid memory search duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"kind"})

	m.factsExtracted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemo",
		Subsystem: "memory",
		Name:      "facts_extracted_total",
		Help:      "Total number of facts written by the extractor.",
	}, []string{"category"})

	m.schedulerFires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemo",
		Subsystem: "scheduler",
		Name:      "fires_total",
		Help:      "Total number of scheduled items fired, by outcome.",
	}, []string{"type", "outcome"})

	m.gardenerTickTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemo",
		Subsystem: "gardener",
		Name:      "ticks_total",
		Help:      "Total number of gardener maintenance ticks, by tier.",
	}, []string{"tier"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemo",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests handled, by route and status class.",
	}, []string{"path", "status"})

	m.httpSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mnemo",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})

	m.registry.MustRegister(
		m.agentTurns, m.agentTurnSeconds, m.agentErrors,
		m.llmCalls, m.llmSeconds, m.llmTokensIn, m.llmTokensOut, m.routerFallback,
		m.memorySearches, m.memorySeconds, m.factsExtracted,
		m.schedulerFires, m.gardenerTickTotal,
		m.httpRequests, m.httpSeconds,
	)

	return m
}

// RecordAgentTurn records one agent loop turn.
func (m *Metrics) RecordAgentTurn(mission string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	if mission == "" {
		mission = "conversation"
	}
	m.agentTurns.WithLabelValues(mission).Inc()
	m.agentTurnSeconds.WithLabelValues(mission).Observe(dur.Seconds())
	if err != nil {
		m.agentErrors.WithLabelValues(mission).Inc()
	}
}

// RecordLLMCall records one provider call and its token usage.
func (m *Metrics) RecordLLMCall(model, provider string, dur time.Duration, tokensIn, tokensOut int) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(model, provider).Inc()
	m.llmSeconds.WithLabelValues(model, provider).Observe(dur.Seconds())
	if tokensIn > 0 {
		m.llmTokensIn.WithLabelValues(model, provider).Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		m.llmTokensOut.WithLabelValues(model, provider).Add(float64(tokensOut))
	}
}

// RecordRouterFallback records one provider-to-provider fallback.
func (m *Metrics) RecordRouterFallback(fromProvider, toProvider string) {
	if m == nil {
		return
	}
	m.routerFallback.WithLabelValues(fromProvider, toProvider).Inc()
}

// RecordMemorySearch records one hybrid search call.
func (m *Metrics) RecordMemorySearch(kind string, dur time.Duration) {
	if m == nil {
		return
	}
	m.memorySearches.WithLabelValues(kind).Inc()
	m.memorySeconds.WithLabelValues(kind).Observe(dur.Seconds())
}

// RecordFactExtracted records one fact written by the extractor.
func (m *Metrics) RecordFactExtracted(category string) {
	if m == nil {
		return
	}
	if category == "" {
		category = "uncategorized"
	}
	m.factsExtracted.WithLabelValues(category).Inc()
}

// RecordSchedulerFire records one scheduled item dispatch outcome.
func (m *Metrics) RecordSchedulerFire(itemType, outcome string) {
	if m == nil {
		return
	}
	m.schedulerFires.WithLabelValues(itemType, outcome).Inc()
}

// RecordGardenerTick records one maintenance tick.
func (m *Metrics) RecordGardenerTick(tier string) {
	if m == nil {
		return
	}
	m.gardenerTickTotal.WithLabelValues(tier).Inc()
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(path string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(path, statusClass(status)).Inc()
	m.httpSeconds.WithLabelValues(path).Observe(dur.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Handler serves the scrape endpoint. On a nil *Metrics it still serves
// (an empty registry), so wiring it unconditionally into a mux is safe.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
