// Package extractor turns a single interaction (user message plus optional
// prior assistant context) into persisted memory entries and scheduled
// triggers. It is fire-and-forget from the agent loop's perspective: the
// agent returns the user-facing response immediately and this package runs
// on a separate goroutine, the same "best-effort, never blocks the
// response" contract the teacher's memory.Extractor used for background
// fact extraction.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mnemo-ai/mnemo-core/internal/classifier"
	"github.com/mnemo-ai/mnemo-core/internal/embedindex"
	"github.com/mnemo-ai/mnemo-core/internal/embeddings"
	"github.com/mnemo-ai/mnemo-core/internal/llm"
	"github.com/mnemo-ai/mnemo-core/internal/metrics"
	"github.com/mnemo-ai/mnemo-core/internal/prompts"
	"github.com/mnemo-ai/mnemo-core/internal/search"
	"github.com/mnemo-ai/mnemo-core/internal/store"
)

const (
	maxFactsPerMessage     = 20
	embeddingConcurrency   = 5
	deduplicationThreshold = 0.95
	updateLengthMultiplier = 1.2
	similarItemWindow      = 7 * 24 * time.Hour
)

// categoryMapping maps an extracted fact's free-form LLM category onto a
// persistence Category.
var categoryMapping = map[string]store.Category{
	"personal":     store.CategoryFact,
	"work":         store.CategoryFact,
	"project":      store.CategoryFact,
	"location":     store.CategoryFact,
	"general":      store.CategoryFact,
	"preference":   store.CategoryPreference,
	"relationship": store.CategoryRelationship,
}

// ExtractedFact is one fact parsed from the LLM's extraction response.
type ExtractedFact struct {
	Subject    string  `json:"subject"`
	Category   string  `json:"category"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Importance int     `json:"importance"`
}

// ExtractedTrigger is one proactive trigger parsed alongside facts.
type ExtractedTrigger struct {
	Type             string `json:"type"`
	Description      string `json:"description"`
	TriggerTime      string `json:"trigger_time"`
	Context          string `json:"context"`
	Guidance         string `json:"guidance"`
	RecurringPattern string `json:"recurring_pattern"`
}

// extractionResponse is the tolerant-JSON shape the extraction prompt asks
// the model to return.
type extractionResponse struct {
	Facts    []ExtractedFact    `json:"facts"`
	Triggers []ExtractedTrigger `json:"triggers"`
}

// Embedder generates a single embedding vector for a piece of text.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Extractor runs fact and trigger extraction against one LLM call per
// interaction, then dedups, classifies, and persists the result.
type Extractor struct {
	db         *store.DB
	search     *search.Hybrid
	index      embedindex.Index
	embedder   Embedder
	classifier *classifier.Classifier
	llmClient  llm.Client
	model      string
	logger     *slog.Logger
	location   *time.Location
	metrics    *metrics.Metrics
}

// Config bundles the collaborators an Extractor needs.
type Config struct {
	DB         *store.DB
	Search     *search.Hybrid
	Index      embedindex.Index
	Embedder   Embedder
	Classifier *classifier.Classifier
	LLMClient  llm.Client
	Model      string
	Logger     *slog.Logger
	Location   *time.Location
	Metrics    *metrics.Metrics
}

// New constructs an Extractor from cfg.
func New(cfg Config) *Extractor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Extractor{
		db:         cfg.DB,
		search:     cfg.Search,
		index:      cfg.Index,
		embedder:   cfg.Embedder,
		classifier: cfg.Classifier,
		llmClient:  cfg.LLMClient,
		model:      cfg.Model,
		logger:     logger,
		location:   loc,
		metrics:    cfg.Metrics,
	}
}

// Extract runs the full pipeline for one interaction: build the prompt,
// call the LLM, parse tolerantly, dedup against existing entries, classify,
// persist, and schedule triggers. Extract never returns an error to a
// caller relying on fire-and-forget semantics — all failures are logged.
// It is exported as a plain function so the agent loop can launch it on
// its own goroutine (`go extractor.Extract(...)`) without additional
// wrapping.
func (x *Extractor) Extract(ctx context.Context, userMessage, assistantContext, sessionID string) {
	resp, err := x.callLLM(ctx, userMessage, assistantContext)
	if err != nil {
		x.logger.Warn("fact extraction LLM call failed", "error", err)
		return
	}

	facts := resp.Facts
	if len(facts) > maxFactsPerMessage {
		facts = facts[:maxFactsPerMessage]
	}

	x.processFacts(ctx, facts, sessionID)
	x.processTriggers(ctx, resp.Triggers)
}

func (x *Extractor) callLLM(ctx context.Context, userMessage, assistantContext string) (*extractionResponse, error) {
	if x.llmClient == nil {
		return &extractionResponse{}, nil
	}
	prompt := prompts.MemoryExtractionPrompt(userMessage, assistantContext)
	resp, err := x.llmClient.Chat(ctx, x.model, []llm.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}
	return parseExtractionResponse(resp.Message.Content)
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

func parseExtractionResponse(text string) (*extractionResponse, error) {
	match := jsonObjectPattern.FindString(text)
	if match == "" {
		// No parseable JSON: an empty result, not an error, per the
		// "strip surrounding prose, return empty result on parse
		// failure" contract.
		return &extractionResponse{}, nil
	}
	var parsed extractionResponse
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		return &extractionResponse{}, nil
	}
	return &parsed, nil
}

// processFacts dedups the extracted facts against existing entries with
// the same subject, classifies the survivors, and applies the resulting
// verdicts.
func (x *Extractor) processFacts(ctx context.Context, facts []ExtractedFact, sessionID string) {
	if len(facts) == 0 {
		return
	}

	factEmbeddings := x.embedBatch(ctx, facts)

	var candidates []classifier.Candidate
	var candidateFacts []ExtractedFact
	var candidateEmbeddings [][]float32

	for i, f := range facts {
		cat, ok := categoryMapping[strings.ToLower(f.Category)]
		if !ok {
			cat = store.CategoryFact
		}

		dup, updateTarget := x.findDuplicate(ctx, f, factEmbeddings[i])
		if dup && updateTarget == nil {
			continue
		}
		if dup && updateTarget != nil {
			if err := x.db.UpdateEntry(updateTarget); err != nil {
				x.logger.Warn("update longer restatement failed", "id", updateTarget.ID, "error", err)
			}
			continue
		}

		candidates = append(candidates, classifier.Candidate{Content: f.Content, Subject: f.Subject, Category: cat})
		candidateFacts = append(candidateFacts, f)
		candidateEmbeddings = append(candidateEmbeddings, factEmbeddings[i])
	}

	if len(candidates) == 0 {
		return
	}

	existing := x.existingForSubjects(candidates)
	verdicts := x.classifier.Classify(ctx, candidates, existing)

	for i, v := range verdicts {
		f := candidateFacts[i]
		cat, ok := categoryMapping[strings.ToLower(f.Category)]
		if !ok {
			cat = store.CategoryFact
		}
		x.applyVerdict(ctx, v, f, cat, candidateEmbeddings[i], sessionID)
	}
}

// embedBatch computes embeddings with embeddingConcurrency in flight,
// preserving input order. A failed embedding leaves that slot nil — the
// candidate still participates, just without a dense dedup signal.
func (x *Extractor) embedBatch(ctx context.Context, facts []ExtractedFact) [][]float32 {
	out := make([][]float32, len(facts))
	if x.embedder == nil {
		return out
	}

	sem := make(chan struct{}, embeddingConcurrency)
	var wg sync.WaitGroup
	for i, f := range facts {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, text string) {
			defer wg.Done()
			defer func() { <-sem }()
			vec, err := x.embedder.Generate(ctx, text)
			if err != nil {
				x.logger.Debug("embedding failed for extracted fact", "error", err)
				return
			}
			out[i] = vec
		}(i, f.Content)
	}
	wg.Wait()
	return out
}

// findDuplicate reports whether f is a near-duplicate of an existing entry
// with the same subject. If the new statement is at least
// updateLengthMultiplier times longer than the match, it returns the
// existing entry (pre-loaded with the new content) for an in-place update
// instead of a drop.
func (x *Extractor) findDuplicate(ctx context.Context, f ExtractedFact, embedding []float32) (bool, *store.Entry) {
	if len(embedding) == 0 || x.search == nil {
		return false, nil
	}

	results, err := x.search.Search(ctx, "", embedding, search.Options{Subject: f.Subject, MinScore: 0, Limit: 5})
	if err != nil {
		x.logger.Debug("dedup search failed", "error", err)
		return false, nil
	}

	for _, r := range results {
		if len(r.Entry.Embedding) == 0 {
			continue
		}
		cos := float64(embeddings.CosineSimilarity(embedding, r.Entry.Embedding))
		if cos >= deduplicationThreshold {
			if float64(len(f.Content)) >= updateLengthMultiplier*float64(len(r.Entry.Content)) {
				r.Entry.Content = f.Content
				r.Entry.Embedding = embedding
				return true, r.Entry
			}
			return true, nil
		}
	}
	return false, nil
}

// existingForSubjects gathers the existing entries the classifier may
// point verdicts at, scoped to the subjects present in candidates.
func (x *Extractor) existingForSubjects(candidates []classifier.Candidate) []classifier.Existing {
	seen := map[string]bool{}
	var out []classifier.Existing
	for _, c := range candidates {
		if seen[c.Subject] {
			continue
		}
		seen[c.Subject] = true
		entries, err := x.db.ListBySubject(c.Subject, 50)
		if err != nil {
			x.logger.Debug("list by subject failed", "subject", c.Subject, "error", err)
			continue
		}
		for _, e := range entries {
			out = append(out, classifier.Existing{ID: e.ID, Content: e.Content})
		}
	}
	return out
}

// applyVerdict persists a new entry for NEW/EXTENDS, or supersedes the
// target and inserts a new one with an UPDATES relation.
func (x *Extractor) applyVerdict(ctx context.Context, v classifier.Result, f ExtractedFact, cat store.Category, embedding []float32, sessionID string) {
	importance := f.Importance
	if importance == 0 {
		importance = 5
	}
	confidence := f.Confidence
	if confidence == 0 {
		confidence = 0.7
	}

	entry := &store.Entry{
		Content:      f.Content,
		Category:     cat,
		MemoryType:   store.MemoryTypeRegular,
		Source:       "skill:extractor",
		Importance:   importance,
		Confidence:   confidence,
		IsLatest:     true,
		DocumentDate: time.Now().In(x.location),
		Prominence:   0.8,
		Embedding:    embedding,
		Metadata:     store.EntryMetadata{Subject: f.Subject, SessionID: sessionID},
	}

	created, err := x.db.PutEntry(entry)
	if err != nil {
		x.logger.Warn("persist extracted fact failed", "error", err)
		return
	}
	if x.index != nil && len(embedding) > 0 {
		if err := x.index.Upsert(ctx, created.ID, embedding); err != nil {
			x.logger.Debug("embedding index upsert failed", "id", created.ID, "error", err)
		}
	}
	x.metrics.RecordFactExtracted(string(cat))

	if v.Verdict == classifier.VerdictUpdates && v.TargetID != "" {
		old, err := x.db.GetEntry(v.TargetID)
		if err == nil && old != nil {
			old.IsLatest = false
			old.MemoryType = store.MemoryTypeSuperseded
			if err := x.db.UpdateEntry(old); err != nil {
				x.logger.Warn("supersede old entry failed", "id", old.ID, "error", err)
			}
		}
		if _, err := x.db.AddRelation(ctx, created.ID, v.TargetID, store.RelationUpdates, v.Confidence); err != nil {
			x.logger.Warn("add UPDATES relation failed", "error", err)
		}
	}
}

// processTriggers parses trigger time phrases and inserts ScheduledItems,
// skipping any that are near-duplicates of an already-pending item.
func (x *Extractor) processTriggers(ctx context.Context, triggers []ExtractedTrigger) {
	for _, t := range triggers {
		triggerTime, recurring, ok := ParseTimePhrase(t.TriggerTime, time.Now(), x.location)
		if !ok {
			x.logger.Debug("unparseable trigger time phrase, dropping", "phrase", t.TriggerTime)
			continue
		}

		similar, err := x.db.HasSimilarPendingScheduledItem(store.SingleUser, t.Description, similarItemWindow)
		if err != nil {
			x.logger.Debug("similarity check failed", "error", err)
		}
		if similar {
			continue
		}

		item := &store.ScheduledItem{
			UserID:    store.SingleUser,
			Source:    store.ScheduledSourceAgent,
			Type:      store.ScheduledItemType(t.Type),
			Message:   t.Description,
			Context:   t.Context,
			TriggerAt: triggerTime.UnixMilli(),
			Recurring: recurring,
			Status:    store.ScheduledStatusPending,
		}
		if _, err := x.db.AddScheduledItem(item); err != nil {
			x.logger.Warn("add scheduled item from trigger failed", "error", err)
		}
	}
}
