package timecontext

import (
	"strings"
	"testing"
	"time"
)

func TestCurrentConditionsIncludesTime(t *testing.T) {
	out := CurrentConditions("America/Chicago")
	if !strings.Contains(out, "# Current Conditions") {
		t.Error("missing section heading")
	}
	if !strings.Contains(out, "**Time:**") {
		t.Error("missing time line")
	}
}

func TestCurrentConditionsFallsBackOnInvalidTimezone(t *testing.T) {
	out := CurrentConditions("Not/A/Zone")
	if !strings.Contains(out, "**Time:**") {
		t.Error("expected fallback time line with invalid timezone")
	}
}

func TestFormatUsage(t *testing.T) {
	sessionStart := time.Now().Add(-47 * time.Minute)
	info := UsageInfo{
		Model:         "claude-opus-4-20250514",
		Routed:        true,
		TokenCount:    31200,
		ContextWindow: 200000,
		MessageCount:  34,
		SessionStart:  sessionStart,
	}
	out := FormatUsage(info)
	for _, want := range []string{"**Context:**", "claude-opus-4-20250514 (routed)", "31,200/200,000 tokens", "15.6%", "34 msgs", "session 47m"} {
		if !strings.Contains(out, want) {
			t.Errorf("FormatUsage() = %q, missing %q", out, want)
		}
	}
}

func TestFormatUsageEmptyWhenNoData(t *testing.T) {
	if got := FormatUsage(UsageInfo{}); got != "" {
		t.Errorf("FormatUsage(empty) = %q, want empty string", got)
	}
}
