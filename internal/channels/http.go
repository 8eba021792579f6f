// Package channels provides thin reference adapters that expose an
// agent.Loop over concrete transports. Neither adapter is a goal of the
// core itself — they exist to prove the boundary between the agent loop
// and the outside world stays narrow (a single Run call per turn).
package channels

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/mnemo-ai/mnemo-core/internal/agent"
	"github.com/mnemo-ai/mnemo-core/internal/buildinfo"
	"github.com/mnemo-ai/mnemo-core/internal/events"
	"github.com/mnemo-ai/mnemo-core/internal/metrics"
	"github.com/mnemo-ai/mnemo-core/internal/router"
	"github.com/mnemo-ai/mnemo-core/internal/store"
)

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// addr formats a bind address for http.Server.Addr.
func addr(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}

// HTTPChannel is an Ollama/OpenAI-compatible request/response adapter over
// agent.Loop. It owns no state of its own beyond what's needed to route a
// call; conversation history, skills, and memory all live behind the Loop.
type HTTPChannel struct {
	address string
	port    int
	loop    *agent.Loop
	router  *router.Router
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	db      *store.DB
	server  *http.Server
}

// NewHTTPChannel creates an HTTP channel bound to loop.
func NewHTTPChannel(address string, port int, loop *agent.Loop, rtr *router.Router, logger *slog.Logger) *HTTPChannel {
	return &HTTPChannel{address: address, port: port, loop: loop, router: rtr, logger: logger}
}

// SetMetrics configures Prometheus metrics collection and exposes it on
// GET /metrics. A nil *metrics.Metrics (never calling this) just means
// /metrics serves an empty registry.
func (c *HTTPChannel) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// SetEventBus configures the operational event feed exposed on
// GET /v1/events as a server-sent-events stream. A nil bus (never calling
// this) just means no client can ever connect, since Subscribe is only
// reachable through it.
func (c *HTTPChannel) SetEventBus(bus *events.Bus) {
	c.bus = bus
}

// SetStore configures direct read access to the underlying store, used
// only by the operator-facing GET /v1/sessions/{id}/summary endpoint. A
// nil db (never calling this) makes that endpoint report 503.
func (c *HTTPChannel) SetStore(db *store.DB) {
	c.db = db
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (c *HTTPChannel) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", c.handleChatCompletions)
	mux.HandleFunc("POST /v1/chat", c.handleSimpleChat)
	mux.HandleFunc("GET /v1/models", c.handleModels)
	mux.HandleFunc("GET /v1/version", c.handleVersion)
	mux.HandleFunc("GET /health", c.handleHealth)
	mux.HandleFunc("GET /metrics", c.handleMetrics)
	mux.HandleFunc("GET /v1/events", c.handleEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/summary", c.handleSessionSummary)
	mux.HandleFunc("GET /", c.handleRoot)

	mux.HandleFunc("GET /v1/router/stats", c.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", c.handleRouterAudit)
	mux.HandleFunc("GET /v1/router/explain/{requestId}", c.handleRouterExplain)

	mux.HandleFunc("POST /v1/session/reset", c.handleSessionReset)
	mux.HandleFunc("POST /v1/session/compact", c.handleSessionCompact)
	mux.HandleFunc("GET /v1/session/history", c.handleSessionHistory)

	c.server = &http.Server{
		Addr:         addr(c.address, c.port),
		Handler:      c.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // long enough for streaming turns
	}

	bindAddr := c.address
	if bindAddr == "" {
		bindAddr = "0.0.0.0"
	}
	c.logger.Info("starting HTTP channel", "address", bindAddr, "port", c.port)
	return c.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (c *HTTPChannel) Shutdown() error {
	if c.server == nil {
		return nil
	}
	return c.server.Close()
}

func (c *HTTPChannel) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		dur := time.Since(start)
		c.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", dur)
		c.metrics.RecordHTTPRequest(r.Pattern, sw.status, dur)
	})
}

// statusWriter captures the status code written through it so metrics can
// label requests by outcome without every handler reporting its own status.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (c *HTTPChannel) handleMetrics(w http.ResponseWriter, r *http.Request) {
	c.metrics.Handler().ServeHTTP(w, r)
}

// handleEvents streams the operational event feed (request/LLM-call/
// tool-call lifecycle) as server-sent events. The connection is subject to
// the server's WriteTimeout like any other response, so long-lived clients
// should reconnect on disconnect rather than assume the stream never ends.
func (c *HTTPChannel) handleEvents(w http.ResponseWriter, r *http.Request) {
	if c.bus == nil {
		http.Error(w, "event feed not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := c.bus.Subscribe(64)
	defer c.bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				c.logger.Warn("failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (c *HTTPChannel) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"name": "mnemo", "version": buildinfo.Version, "status": "ok"}, c.logger)
}

func (c *HTTPChannel) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), c.logger)
}

func (c *HTTPChannel) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, c.logger)
}

func (c *HTTPChannel) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "mnemo", "object": "model", "created": time.Now().Unix(), "owned_by": "mnemo"},
		},
	}, c.logger)
}

// ChatCompletionRequest is the OpenAI-compatible request format.
type ChatCompletionRequest struct {
	Model    string          `json:"model"`
	Messages []agent.Message `json:"messages"`
	Stream   bool            `json:"stream,omitempty"`
}

// ChatCompletionResponse is the OpenAI-compatible response format.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int           `json:"index"`
	Message      agent.Message `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (c *HTTPChannel) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agentReq := &agent.Request{Messages: req.Messages, Model: req.Model}

	if req.Stream {
		c.handleStreamingCompletion(w, r, agentReq)
		return
	}

	resp, err := c.loop.Run(r.Context(), agentReq, nil)
	if err != nil {
		c.logger.Error("agent loop failed", "error", err)
		c.errorResponse(w, http.StatusInternalServerError, "agent error")
		return
	}

	completion := ChatCompletionResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      agent.Message{Role: "assistant", Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage: Usage{
			PromptTokens:     resp.InputTokens,
			CompletionTokens: resp.OutputTokens,
			TotalTokens:      resp.InputTokens + resp.OutputTokens,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, completion, c.logger)
}

// SimpleChatRequest is a minimal chat request for easy testing.
type SimpleChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// SimpleChatResponse is a minimal chat response.
type SimpleChatResponse struct {
	Response       string `json:"response"`
	Model          string `json:"model"`
	ConversationID string `json:"conversation_id"`
}

// handleSimpleChat provides a simplified chat interface for testing.
// POST /v1/chat {"message": "what did I tell you about Thursday?"}
func (c *HTTPChannel) handleSimpleChat(w http.ResponseWriter, r *http.Request) {
	var req SimpleChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		c.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.New().String()
	}

	agentReq := &agent.Request{
		Messages:       []agent.Message{{Role: "user", Content: req.Message}},
		ConversationID: convID,
	}

	resp, err := c.loop.Run(r.Context(), agentReq, nil)
	if err != nil {
		c.logger.Error("agent loop failed", "error", err)
		c.errorResponse(w, http.StatusInternalServerError, "agent error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, SimpleChatResponse{Response: resp.Content, Model: resp.Model, ConversationID: convID}, c.logger)
}

// StreamChunk is the SSE format for streaming responses.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// StreamChoice represents a streaming choice with delta content.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamDelta represents incremental content.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (c *HTTPChannel) handleStreamingCompletion(w http.ResponseWriter, r *http.Request, agentReq *agent.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		c.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	completionID := fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()
	modelName := "mnemo"

	initialChunk := StreamChunk{
		ID: completionID, Object: "chat.completion.chunk", Created: created, Model: modelName,
		Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{Role: "assistant"}}},
	}
	c.writeSSE(w, initialChunk)
	flusher.Flush()

	streamed := false
	rc := http.NewResponseController(w)

	streamCallback := func(event agent.StreamEvent) {
		switch event.Kind {
		case agent.KindToken:
			streamed = true
			chunk := StreamChunk{
				ID: completionID, Object: "chat.completion.chunk", Created: created, Model: modelName,
				Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{Content: event.Token}}},
			}
			c.writeSSE(w, chunk)
			flusher.Flush()

		case agent.KindToolCallStart, agent.KindToolCallDone:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}

		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			c.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	resp, err := c.loop.Run(r.Context(), agentReq, streamCallback)
	if err != nil {
		c.logger.Error("agent loop failed", "error", err)
		return
	}

	if !streamed && resp.Content != "" {
		streamCallback(agent.StreamEvent{Kind: agent.KindToken, Token: resp.Content})
	}

	modelName = resp.Model
	finishReason := resp.FinishReason
	finalChunk := StreamChunk{
		ID: completionID, Object: "chat.completion.chunk", Created: created, Model: modelName,
		Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{}, FinishReason: &finishReason}},
	}
	c.writeSSE(w, finalChunk)
	flusher.Flush()

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (c *HTTPChannel) writeSSE(w http.ResponseWriter, chunk StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		c.logger.Debug("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		c.logger.Debug("failed to write SSE chunk", "error", err)
	}
}

func (c *HTTPChannel) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{"message": message, "type": "invalid_request_error", "code": code},
	}, c.logger)
}

func (c *HTTPChannel) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if c.router == nil {
		c.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, c.router.GetStats(), c.logger)
}

func (c *HTTPChannel) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if c.router == nil {
		c.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	decisions := c.router.GetAuditLog(limit)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"count": len(decisions), "decisions": decisions}, c.logger)
}

func (c *HTTPChannel) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	if c.router == nil {
		c.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	requestID := r.PathValue("requestId")
	if requestID == "" {
		c.errorResponse(w, http.StatusBadRequest, "requestId required")
		return
	}
	decision := c.router.Explain(requestID)
	if decision == nil {
		c.errorResponse(w, http.StatusNotFound, "decision not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, decision, c.logger)
}

func (c *HTTPChannel) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	if err := c.loop.ResetConversation("default"); err != nil {
		c.logger.Error("session reset failed", "error", err)
		c.errorResponse(w, http.StatusInternalServerError, "reset failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "message": "conversation cleared"}, c.logger)
}

func (c *HTTPChannel) handleSessionCompact(w http.ResponseWriter, r *http.Request) {
	if err := c.loop.TriggerCompaction(r.Context(), "default"); err != nil {
		c.logger.Error("compaction failed", "error", err)
		c.errorResponse(w, http.StatusInternalServerError, "compaction failed: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "message": "conversation compacted"}, c.logger)
}

// handleSessionSummary renders a completed session's gardener-generated
// summary as HTML, for an operator reading it in a browser rather than
// piping JSON through a formatter. The summary itself is plain Markdown
// (see internal/gardener's SessionSummarizer); this is the only place in
// the core that turns Markdown into HTML.
func (c *HTTPChannel) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	if c.db == nil {
		http.Error(w, "session store not configured", http.StatusServiceUnavailable)
		return
	}
	sessionID := r.PathValue("id")
	summary, err := c.db.GetSessionSummary(sessionID)
	if err != nil {
		c.errorResponse(w, http.StatusInternalServerError, "failed to load session summary")
		return
	}
	if summary == nil {
		http.Error(w, "no summary for this session yet", http.StatusNotFound)
		return
	}

	var buf strings.Builder
	if err := goldmark.Convert([]byte(summary.Summary), &buf); err != nil {
		c.logger.Warn("failed to render session summary markdown", "error", err, "session_id", sessionID)
		c.errorResponse(w, http.StatusInternalServerError, "failed to render summary")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html><meta charset=\"utf-8\"><title>Session %s summary</title>\n%s", sessionID, buf.String())
}

func (c *HTTPChannel) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	messages := c.loop.GetHistory("default")

	type historyMessage struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
	}

	var filtered []historyMessage
	for _, m := range messages {
		if m.Role == "user" || m.Role == "assistant" {
			filtered = append(filtered, historyMessage{
				Role:      m.Role,
				Content:   m.Content,
				Timestamp: m.Timestamp.Format(time.RFC3339),
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"messages": filtered}, c.logger)
}
