// Package ctxmgr assembles the message list sent to an LLM provider from
// a session's raw, ordered history: preserving recent turns verbatim,
// coalescing repeated tool output, and summarising older turns once they
// grow past a size budget. It never reorders messages and never touches
// tool_use/tool_result pairing, since providers reject malformed pairing.
package ctxmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mnemo-ai/mnemo-core/internal/llm"
	"github.com/mnemo-ai/mnemo-core/internal/prompts"
)

// identicalOutputMarker is the sentinel tool-result content the host
// substitutes for a tool result byte-identical to its immediate
// predecessor, to avoid re-sending large unchanged payloads.
const identicalOutputMarker = "[Identical to previous output]"

// Summarizer generates a natural-language summary of a message run. It
// mirrors the teacher's Summarizer interface so both an LLM-backed and a
// no-dependency fallback implementation can satisfy it.
type Summarizer interface {
	Summarize(ctx context.Context, messages []llm.Message) (string, error)
}

// Config controls compaction behavior.
type Config struct {
	KeepRecent      int // turns always preserved verbatim (default 10)
	SizeBudgetChars int // older turns beyond this many chars get summarized (default 6000)
	MinToSummarize  int // don't bother summarizing fewer than this many older messages (default 6)
}

// DefaultConfig returns sensible defaults, matching the teacher's
// compaction tuning.
func DefaultConfig() Config {
	return Config{
		KeepRecent:      10,
		SizeBudgetChars: 6000,
		MinToSummarize:  6,
	}
}

// Manager builds provider-ready message lists from raw session history.
type Manager struct {
	config     Config
	summarizer Summarizer
	logger     *slog.Logger
}

// New constructs a Manager. summarizer may be nil, in which case older
// turns past the size budget are simply dropped with a terse synthetic
// note rather than summarized (a degraded but safe fallback).
func New(cfg Config, summarizer Summarizer, logger *slog.Logger) *Manager {
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 10
	}
	if cfg.SizeBudgetChars <= 0 {
		cfg.SizeBudgetChars = 6000
	}
	if cfg.MinToSummarize <= 0 {
		cfg.MinToSummarize = 6
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{config: cfg, summarizer: summarizer, logger: logger}
}

// Build returns the message list to send to the provider: coalesce
// repeated identical tool output, split into older/recent, and summarize
// the older portion if it has grown past the size budget.
func (m *Manager) Build(ctx context.Context, messages []llm.Message) ([]llm.Message, error) {
	coalesced := coalesceIdenticalOutputs(messages)

	if len(coalesced) <= m.config.KeepRecent {
		return coalesced, nil
	}

	splitAt := len(coalesced) - m.config.KeepRecent
	older := coalesced[:splitAt]
	recent := coalesced[splitAt:]

	if charLen(older) <= m.config.SizeBudgetChars || len(older) < m.config.MinToSummarize {
		return append(append([]llm.Message{}, older...), recent...), nil
	}

	summary, err := m.summarize(ctx, older)
	if err != nil {
		m.logger.Warn("context summarization failed, keeping older turns verbatim", "error", err)
		return append(append([]llm.Message{}, older...), recent...), nil
	}

	out := make([]llm.Message, 0, len(recent)+1)
	out = append(out, llm.Message{Role: "system", Content: summary})
	out = append(out, recent...)
	return out, nil
}

func (m *Manager) summarize(ctx context.Context, older []llm.Message) (string, error) {
	if m.summarizer == nil {
		return fmt.Sprintf("[Conversation summary unavailable — %d earlier messages omitted]", len(older)), nil
	}
	summary, err := m.summarizer.Summarize(ctx, older)
	if err != nil {
		return "", fmt.Errorf("summarize older turns: %w", err)
	}
	return formatSummary(older, summary), nil
}

func formatSummary(older []llm.Message, summary string) string {
	var sb strings.Builder
	sb.WriteString("[Conversation Summary]\n")
	fmt.Fprintf(&sb, "Messages summarized: %d\n\n", len(older))
	sb.WriteString(summary)
	return sb.String()
}

// coalesceIdenticalOutputs merges consecutive tool-result messages whose
// content is the identical-output marker into a single occurrence,
// preserving the first one's tool_call_id so pairing stays intact.
func coalesceIdenticalOutputs(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if len(out) > 0 && isIdenticalToolResult(msg) && isIdenticalToolResult(out[len(out)-1]) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func isIdenticalToolResult(msg llm.Message) bool {
	return msg.ToolCallID != "" && msg.Content == identicalOutputMarker
}

func charLen(messages []llm.Message) int {
	n := 0
	for _, msg := range messages {
		n += len(msg.Content)
	}
	return n
}

// IsContextOverflow reports whether err looks like a provider's
// context-window-exceeded signal: an HTTP 400/413 status or an error
// message containing one of a known set of overflow keywords.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "400") || strings.Contains(msg, "413") {
		return true
	}
	keywords := []string{"context", "token", "too long", "maximum", "limit"}
	for _, k := range keywords {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}

// EmergencyCompress returns only the last three messages, for the retry
// C9 issues immediately after a context-overflow signal on the same
// provider.
func EmergencyCompress(messages []llm.Message) []llm.Message {
	if len(messages) <= 3 {
		return messages
	}
	return messages[len(messages)-3:]
}

// LLMSummarizer summarizes older turns via an LLM client, using the same
// prompt template the memory-compaction pipeline uses.
type LLMSummarizer struct {
	client llm.Client
	model  string
}

// NewLLMSummarizer constructs an LLMSummarizer bound to client/model.
func NewLLMSummarizer(client llm.Client, model string) *LLMSummarizer {
	return &LLMSummarizer{client: client, model: model}
}

// Summarize asks the LLM to summarize messages per prompts.CompactionPrompt.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []llm.Message) (string, error) {
	var sb strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&sb, "%s: %s\n\n", msg.Role, msg.Content)
	}
	prompt := prompts.CompactionPrompt(sb.String())
	resp, err := s.client.Chat(ctx, s.model, []llm.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// SimpleSummarizer produces a basic extractive summary with no LLM call,
// for use when no provider is configured (e.g. offline or local-only).
type SimpleSummarizer struct{}

// Summarize extracts short user turns as topics and counts tool calls.
func (SimpleSummarizer) Summarize(ctx context.Context, messages []llm.Message) (string, error) {
	var topics []string
	toolCalls := 0
	for _, msg := range messages {
		if msg.Role == "user" && len(msg.Content) < 100 {
			topics = append(topics, "- "+msg.Content)
		}
		if len(msg.ToolCalls) > 0 {
			toolCalls += len(msg.ToolCalls)
		}
	}

	var sb strings.Builder
	sb.WriteString("Topics discussed:\n")
	if len(topics) > 0 {
		limit := len(topics)
		if limit > 5 {
			limit = 5
		}
		for _, t := range topics[:limit] {
			sb.WriteString(t + "\n")
		}
	} else {
		sb.WriteString("- General conversation\n")
	}
	if toolCalls > 0 {
		fmt.Fprintf(&sb, "\nActions taken:\n- %d tool calls\n", toolCalls)
	}
	return sb.String(), nil
}
