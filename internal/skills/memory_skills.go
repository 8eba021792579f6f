package skills

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mnemo-ai/mnemo-core/internal/search"
	"github.com/mnemo-ai/mnemo-core/internal/store"
)

// categoryAliases maps the loose category names a model is likely to use
// onto the store's fixed Category enum, so "routine" or "device" (neither
// a real Category) still lands somewhere sensible instead of erroring.
var categoryAliases = map[string]store.Category{
	"preference":   store.CategoryPreference,
	"fact":         store.CategoryFact,
	"event":        store.CategoryEvent,
	"relationship": store.CategoryRelationship,
	"insight":      store.CategoryInsight,
	"routine":      store.CategoryPreference,
	"device":       store.CategoryFact,
	"home":         store.CategoryFact,
	"user":         store.CategoryFact,
}

func resolveCategory(raw string) store.Category {
	if cat, ok := categoryAliases[strings.ToLower(raw)]; ok {
		return cat
	}
	return store.CategoryFact
}

// RegisterMemorySkills adds remember_fact, recall_fact, and forget_fact to
// r, backed directly by db. searcher is optional; when nil, recall_fact's
// free-text query falls back to lexical search on db alone.
func RegisterMemorySkills(r *Registry, db *store.DB, searcher *search.Hybrid) {
	r.Register(&Skill{
		Name:        "remember_fact",
		Description: "Store a piece of information for later recall. Use for things worth remembering across conversations: preferences, relationships, recurring routines, or anything the user shares that you might need again.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"enum":        []string{"preference", "fact", "event", "relationship", "insight"},
					"description": "What kind of information this is",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "The information to remember, written as a short, self-contained statement",
				},
				"subject": map[string]any{
					"type":        "string",
					"description": "Who or what this is about (e.g. \"user\", or a third party's name)",
				},
				"source": map[string]any{
					"type":        "string",
					"description": "Where this information came from",
				},
			},
			"required": []string{"content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			content, _ := args["content"].(string)
			if content == "" {
				return "", fmt.Errorf("content is required")
			}
			subject, _ := args["subject"].(string)
			if subject == "" {
				subject = "user"
			}
			source, _ := args["source"].(string)
			category := resolveCategory(fmt.Sprintf("%v", args["category"]))

			now := time.Now()
			entry := &store.Entry{
				UserID:       store.SingleUser,
				Content:      content,
				Category:     category,
				MemoryType:   store.MemoryTypeRegular,
				Source:       source,
				Importance:   5,
				Confidence:   1.0,
				IsLatest:     true,
				DocumentDate: now,
				Prominence:   1.0,
				LastAccessed: now,
				Metadata:     store.EntryMetadata{Subject: subject},
			}
			saved, err := db.PutEntry(entry)
			if err != nil {
				return "", fmt.Errorf("store fact: %w", err)
			}
			return fmt.Sprintf("Remembered: [%s] %s", saved.Category, saved.Content), nil
		},
	})

	r.Register(&Skill{
		Name:        "recall_fact",
		Description: "Retrieve information from long-term memory. Can list a category or search by free text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"description": "Category to list",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Search term to find matching facts",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if category, _ := args["category"].(string); category != "" {
				entries, err := db.ListByCategory(resolveCategory(category), 20)
				if err != nil {
					return "", fmt.Errorf("list category: %w", err)
				}
				if len(entries) == 0 {
					return fmt.Sprintf("No facts in category %q", category), nil
				}
				return formatEntries(entries), nil
			}

			query, _ := args["query"].(string)
			if query == "" {
				return "Provide a category or a query to recall facts.", nil
			}

			if searcher != nil {
				results, err := searcher.Search(ctx, query, nil, search.Options{Limit: 10})
				if err != nil {
					return "", fmt.Errorf("search facts: %w", err)
				}
				if len(results) == 0 {
					return fmt.Sprintf("No facts matching %q", query), nil
				}
				entries := make([]*store.Entry, 0, len(results))
				for _, res := range results {
					entries = append(entries, res.Entry)
				}
				return formatEntries(entries), nil
			}

			hits, err := db.SearchLexical(query, 10)
			if err != nil {
				return "", fmt.Errorf("search facts: %w", err)
			}
			if len(hits) == 0 {
				return fmt.Sprintf("No facts matching %q", query), nil
			}
			entries := make([]*store.Entry, 0, len(hits))
			for _, h := range hits {
				if e, err := db.GetEntry(h.ID); err == nil {
					entries = append(entries, e)
				}
			}
			if len(entries) == 0 {
				return fmt.Sprintf("No facts matching %q", query), nil
			}
			return formatEntries(entries), nil
		},
	})

	r.Register(&Skill{
		Name:        "forget_fact",
		Description: "Remove a fact from long-term memory by its id, as returned by recall_fact.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The id of the fact to remove",
				},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			if id == "" {
				return "", fmt.Errorf("id is required")
			}
			if err := db.DeleteEntry(id); err != nil {
				return "", fmt.Errorf("forget fact: %w", err)
			}
			return "Forgotten.", nil
		},
	})
}

func formatEntries(entries []*store.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "- (%s) [%s] %s\n", e.ID, e.Category, e.Content)
	}
	return sb.String()
}
