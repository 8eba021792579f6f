package agent

import (
	"context"
	"fmt"
	"log/slog"

	ctxmgr "github.com/mnemo-ai/mnemo-core/internal/context"
	"github.com/mnemo-ai/mnemo-core/internal/llm"
)

// defaultCompactTokenThreshold is the rough token count (see
// MemoryStore.GetTokenCount's char/4 estimate) past which a session's
// persisted history is summarized. Distinct from ctxmgr.Manager's
// SizeBudgetChars: that one shapes the message window sent to the LLM
// for a single turn, this one shapes what AddMessage/GetMessages ever
// return for the conversation at all.
const defaultCompactTokenThreshold = 8000

// defaultCompactKeepRecent is how many of the most recent messages survive
// a compaction verbatim; everything older is folded into one summary.
const defaultCompactKeepRecent = 20

// SessionCompactor implements Compactor by summarizing a conversation's
// older persisted messages and replacing them with a single synthetic
// summary message, keeping the most recent messages untouched. Grounded
// on the same Summarizer abstraction ctxmgr.Manager uses for in-turn
// compaction, so both layers describe history loss the same way.
type SessionCompactor struct {
	mem            MemoryStore
	summarizer     ctxmgr.Summarizer
	tokenThreshold int
	keepRecent     int
	logger         *slog.Logger
}

// NewSessionCompactor constructs a compactor over mem. summarizer may be
// ctxmgr.SimpleSummarizer{} for a dependency-free fallback, or
// ctxmgr.NewLLMSummarizer(...) for an LLM-produced digest.
func NewSessionCompactor(mem MemoryStore, summarizer ctxmgr.Summarizer, logger *slog.Logger) *SessionCompactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionCompactor{
		mem:            mem,
		summarizer:     summarizer,
		tokenThreshold: defaultCompactTokenThreshold,
		keepRecent:     defaultCompactKeepRecent,
		logger:         logger,
	}
}

// NeedsCompaction reports whether conversationID's persisted history has
// grown past the token threshold.
func (c *SessionCompactor) NeedsCompaction(conversationID string) bool {
	return c.mem.GetTokenCount(conversationID) > c.tokenThreshold
}

// Compact summarizes everything but the most recent keepRecent messages
// and replaces the conversation's stored history with the summary
// followed by those recent messages verbatim. Clear ends the underlying
// session and drops the conversationID mapping, so the re-added messages
// land in a fresh session under the same conversationID.
func (c *SessionCompactor) Compact(ctx context.Context, conversationID string) error {
	messages := c.mem.GetMessages(conversationID)
	if len(messages) <= c.keepRecent {
		return nil
	}

	older := messages[:len(messages)-c.keepRecent]
	recent := messages[len(messages)-c.keepRecent:]

	llmOlder := make([]llm.Message, len(older))
	for i, m := range older {
		llmOlder[i] = llm.Message{Role: m.Role, Content: m.Content}
	}

	summary, err := c.summarizer.Summarize(ctx, llmOlder)
	if err != nil {
		return fmt.Errorf("compact session: summarize: %w", err)
	}

	if err := c.mem.Clear(conversationID); err != nil {
		return fmt.Errorf("compact session: clear: %w", err)
	}
	if err := c.mem.AddMessage(conversationID, "system", "Summary of earlier conversation: "+summary); err != nil {
		return fmt.Errorf("compact session: seed summary: %w", err)
	}
	for _, m := range recent {
		if err := c.mem.AddMessage(conversationID, m.Role, m.Content); err != nil {
			return fmt.Errorf("compact session: restore recent message: %w", err)
		}
	}
	return nil
}
