package store

import (
	"strings"
	"time"
)

// stopWords and scheduling verbs are stripped before computing word
// overlap, so "remind me to call mom" and "call mom" are recognized as
// the same underlying commitment.
var consolidationStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "me": true, "my": true,
	"about": true, "for": true, "of": true, "and": true, "at": true, "on": true,
	"in": true, "is": true, "that": true, "this": true, "with": true,
	"remind": true, "reminder": true, "schedule": true, "scheduled": true,
	"set": true, "check": true, "follow": true, "up": true, "please": true,
}

func normalizedWords(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w == "" || consolidationStopWords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

// wordOverlapSimilar reports whether a and b are similar enough to be
// considered duplicate scheduled items: overlap/smaller >= 0.8, or
// overlap/either-side >= 0.4.
func wordOverlapSimilar(a, b string) bool {
	wa := normalizedWords(a)
	wb := normalizedWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return false
	}
	overlap := 0
	for w := range wa {
		if wb[w] {
			overlap++
		}
	}
	if overlap == 0 {
		return false
	}
	smaller := len(wa)
	if len(wb) < smaller {
		smaller = len(wb)
	}
	if float64(overlap)/float64(smaller) >= 0.8 {
		return true
	}
	if float64(overlap)/float64(len(wa)) >= 0.4 || float64(overlap)/float64(len(wb)) >= 0.4 {
		return true
	}
	return false
}

// HasSimilarPendingScheduledItem checks whether any pending item for the
// user within the given window already matches message by word overlap —
// used by the extractor (§4.6 step 7) before inserting a new trigger.
func (d *DB) HasSimilarPendingScheduledItem(userID, message string, window time.Duration) (bool, error) {
	items, err := d.ListPendingScheduledItems(userID)
	if err != nil {
		return false, err
	}
	cutoff := time.Now().Add(-window)
	for _, it := range items {
		if it.CreatedAt.Before(cutoff) {
			continue
		}
		if wordOverlapSimilar(it.Message, message) {
			return true, nil
		}
	}
	return false, nil
}

// ConsolidateDuplicateScheduledItems groups pending items per user and
// removes later duplicates whose message overlaps an earlier one (within
// a 7-day window), keeping the earliest-created item of each cluster.
// Returns the number of items removed.
func (d *DB) ConsolidateDuplicateScheduledItems(userID string) (int, error) {
	items, err := d.ListPendingScheduledItems(userID)
	if err != nil {
		return 0, err
	}
	const window = 7 * 24 * time.Hour
	removed := 0
	kept := make([]*ScheduledItem, 0, len(items))

	for _, candidate := range items {
		isDup := false
		for _, k := range kept {
			if candidate.CreatedAt.Sub(k.CreatedAt) > window {
				continue
			}
			if wordOverlapSimilar(k.Message, candidate.Message) {
				isDup = true
				break
			}
		}
		if isDup {
			if err := d.DeleteScheduledItem(candidate.ID); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		kept = append(kept, candidate)
	}
	return removed, nil
}
