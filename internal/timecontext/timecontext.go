// Package timecontext generates the "Current Conditions" and context-usage
// lines of the system prompt, giving the agent temporal grounding — what
// time it is, and how full the active conversation is — on every turn.
package timecontext

import (
	"fmt"
	"strings"
	"time"
)

// CurrentConditions returns a formatted "# Current Conditions" section for
// injection into the system prompt. timezone should be an IANA timezone
// name (e.g., "America/Chicago"); if empty or invalid, the system's local
// timezone is used. Placed early in the prompt since models attend more
// strongly to content near the beginning.
func CurrentConditions(timezone string) string {
	var sb strings.Builder
	sb.WriteString("# Current Conditions\n\n")

	loc := time.Now().Location()
	tzResolved := false
	if timezone != "" {
		if parsed, err := time.LoadLocation(timezone); err == nil {
			loc = parsed
			tzResolved = true
		}
	}
	now := time.Now().In(loc)
	zoneName, _ := now.Zone()

	sb.WriteString("**Time:** ")
	sb.WriteString(now.Format("Monday, January 2, 2006 at 15:04 "))
	sb.WriteString(zoneName)
	if tzResolved && timezone != zoneName {
		sb.WriteString(" (")
		sb.WriteString(timezone)
		sb.WriteString(")")
	}
	sb.WriteString("\n")

	return sb.String()
}

// UsageInfo holds the data needed to render the context usage line.
type UsageInfo struct {
	// Model is the default model name.
	Model string
	// Routed indicates whether a router is configured (actual model may differ).
	Routed bool
	// TokenCount is the estimated token count of the active conversation.
	TokenCount int
	// ContextWindow is the context window size of the default model.
	ContextWindow int
	// MessageCount is the number of messages in the active conversation.
	MessageCount int
	// SessionStart is when the current session began. Zero means unknown.
	SessionStart time.Time
	// CompactionCount is the number of compaction summaries in the conversation.
	CompactionCount int
}

// FormatUsage renders a single-line context usage string for the system
// prompt. Each segment is conditionally included; returns an empty string
// only if no data is available at all.
func FormatUsage(info UsageInfo) string {
	var parts []string

	if info.Model != "" {
		m := info.Model
		if info.Routed {
			m += " (routed)"
		}
		parts = append(parts, m)
	}

	if info.ContextWindow > 0 {
		pct := float64(info.TokenCount) / float64(info.ContextWindow) * 100
		parts = append(parts, fmt.Sprintf("%s/%s tokens (%.1f%%)",
			formatNumber(info.TokenCount), formatNumber(info.ContextWindow), pct))
	}

	if info.MessageCount > 0 {
		parts = append(parts, fmt.Sprintf("%d msgs", info.MessageCount))
	}

	if !info.SessionStart.IsZero() {
		parts = append(parts, "session "+formatUptime(time.Since(info.SessionStart)))
	}

	if info.CompactionCount > 0 {
		parts = append(parts, fmt.Sprintf("%d compactions", info.CompactionCount))
	}

	if len(parts) == 0 {
		return ""
	}
	return "**Context:** " + strings.Join(parts, " | ")
}

func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var sb strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		sb.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
