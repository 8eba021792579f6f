// Package classifier decides, for a batch of freshly extracted candidate
// facts, whether each one is brand NEW or should UPDATE/EXTEND an existing
// memory entry. It issues exactly one LLM call per batch — never one call
// per candidate — the way the teacher's extraction prompt construction
// batches an entire interaction into a single completion rather than one
// round trip per fact.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mnemo-ai/mnemo-core/internal/llm"
	"github.com/mnemo-ai/mnemo-core/internal/store"
)

// maxBatchSize bounds a single classification call; larger batches are
// split and re-joined by Classify.
const maxBatchSize = 10

// Verdict is the classifier's per-candidate conclusion.
type Verdict string

const (
	VerdictNew     Verdict = "NEW"
	VerdictUpdates Verdict = "UPDATES"
	VerdictExtends Verdict = "EXTENDS"
)

// Candidate is a freshly extracted fact awaiting classification against a
// subject's existing entries.
type Candidate struct {
	Content  string
	Subject  string
	Category store.Category
}

// Existing is one of the subject's current entries the classifier may
// point a verdict at.
type Existing struct {
	ID      string
	Content string
}

// Result is the classifier's verdict for one candidate.
type Result struct {
	Index      int     `json:"index"`
	Verdict    Verdict `json:"verdict"`
	TargetID   string  `json:"targetId,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Classifier wraps an llm.Client to produce per-candidate verdicts.
type Classifier struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// New constructs a Classifier using client/model for its single batched
// completion call.
func New(client llm.Client, model string, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{client: client, model: model, logger: logger}
}

// Classify returns one Result per candidate, in the same order as
// candidates. Batches larger than maxBatchSize are split into sequential
// calls and rejoined. The classifier never invents target ids: any
// targetId the model returns that isn't in existing is coerced to NEW. On
// any error for a sub-batch, every candidate in that sub-batch falls back
// to "store all as NEW".
func (c *Classifier) Classify(ctx context.Context, candidates []Candidate, existing []Existing) []Result {
	results := make([]Result, len(candidates))
	validTargets := make(map[string]bool, len(existing))
	for _, e := range existing {
		validTargets[e.ID] = true
	}

	for start := 0; start < len(candidates); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		sub := candidates[start:end]

		sr := c.classifyBatch(ctx, sub, existing, validTargets)
		for i, r := range sr {
			r.Index = start + i
			results[start+i] = r
		}
	}
	return results
}

func (c *Classifier) classifyBatch(ctx context.Context, sub []Candidate, existing []Existing, validTargets map[string]bool) []Result {
	fallback := make([]Result, len(sub))
	for i := range fallback {
		fallback[i] = Result{Index: i, Verdict: VerdictNew, Confidence: 1.0, Reason: "fallback: classifier unavailable"}
	}

	if c.client == nil {
		return fallback
	}

	prompt := buildClassificationPrompt(sub, existing)
	resp, err := c.client.Chat(ctx, c.model, []llm.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		c.logger.Warn("classifier call failed, falling back to all-NEW", "error", err)
		return fallback
	}

	parsed, err := parseClassifierResponse(resp.Message.Content, len(sub))
	if err != nil {
		c.logger.Warn("classifier response unparsable, falling back to all-NEW", "error", err)
		return fallback
	}

	for i := range parsed {
		if parsed[i].Verdict != VerdictNew && !validTargets[parsed[i].TargetID] {
			parsed[i].Verdict = VerdictNew
			parsed[i].TargetID = ""
			parsed[i].Reason = "target id not recognised, coerced to NEW"
		}
	}
	return parsed
}

func buildClassificationPrompt(candidates []Candidate, existing []Existing) string {
	var b strings.Builder
	b.WriteString("You are classifying new candidate facts against a user's existing memory entries.\n")
	b.WriteString("For each candidate, decide whether it is NEW, UPDATES an existing entry, or EXTENDS an existing entry.\n")
	b.WriteString("Never invent an existing entry id that is not listed below.\n\n")

	b.WriteString("Existing entries:\n")
	for _, e := range existing {
		fmt.Fprintf(&b, "- id=%s: %s\n", e.ID, e.Content)
	}

	b.WriteString("\nCandidates:\n")
	for i, cand := range candidates {
		fmt.Fprintf(&b, "%d. subject=%s category=%s: %s\n", i, cand.Subject, cand.Category, cand.Content)
	}

	b.WriteString(`
Return JSON only, an array with one object per candidate in order:
[{"index": 0, "verdict": "NEW"|"UPDATES"|"EXTENDS", "targetId": "<id or empty>", "confidence": 0.0-1.0, "reason": "..."}]
`)
	return b.String()
}

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// parseClassifierResponse tolerantly extracts the verdict array from the
// model's response, stripping any surrounding prose, and pads/truncates to
// exactly want entries in index order.
func parseClassifierResponse(text string, want int) ([]Result, error) {
	match := jsonArrayPattern.FindString(text)
	if match == "" {
		return nil, fmt.Errorf("no JSON array found in classifier response")
	}

	var raw []Result
	if err := json.Unmarshal([]byte(match), &raw); err != nil {
		return nil, fmt.Errorf("decode classifier response: %w", err)
	}

	byIndex := make(map[int]Result, len(raw))
	for _, r := range raw {
		byIndex[r.Index] = r
	}

	out := make([]Result, want)
	for i := 0; i < want; i++ {
		if r, ok := byIndex[i]; ok {
			out[i] = r
		} else {
			out[i] = Result{Index: i, Verdict: VerdictNew, Confidence: 1.0, Reason: "missing from classifier response, defaulted to NEW"}
		}
	}
	return out, nil
}
