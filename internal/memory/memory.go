// Package memory implements the business rules layered over
// internal/store's raw entry CRUD: reinforcement on re-confirmation,
// contradiction bookkeeping, prominence decay, and utility-based
// archival. It owns none of the SQL — every call delegates to
// *store.DB — but it is where the decay formula and archive thresholds
// from the design's prominence model live, the way the teacher's
// internal/facts.Store carried confidence/access bookkeeping next to its
// CRUD rather than in a separate layer.
package memory

import (
	"fmt"
	"math"
	"time"

	"github.com/mnemo-ai/mnemo-core/internal/store"
)

// Store wraps a *store.DB with the memory-specific business rules.
type Store struct {
	db *store.DB
}

// New wraps db with memory business rules.
func New(db *store.DB) *Store {
	return &Store{db: db}
}

// decayLambda holds the per-type decay rate λ in
// p(t) = p0*exp(-λ*age) + κ*accessCount - σ*contradictions. static_profile
// and preference decay far slower than regular facts; event entries decay
// fastest since their relevance is inherently time-boxed.
var decayLambda = map[store.MemoryType]float64{
	store.MemoryTypeStaticProfile:  0.0005,
	store.MemoryTypeDynamicProfile: 0.01,
	store.MemoryTypeRegular:        0.02,
	store.MemoryTypeDerived:        0.02,
	store.MemoryTypeSuperseded:     0.05,
}

func decayLambdaFor(e *store.Entry) float64 {
	if e.Category == store.CategoryEvent {
		return 0.06
	}
	if e.Category == store.CategoryPreference {
		return 0.004
	}
	if l, ok := decayLambda[e.MemoryType]; ok {
		return l
	}
	return 0.02
}

const (
	decayKappa        = 0.01 // accessCount contribution
	decaySigma        = 0.05 // contradiction penalty
	archiveThreshold  = 0.1
	archiveMinAgeDays = 14
	hardDeleteEpsilon = 0.01
)

// clamp01 clamps a value to [0, 1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ReinforceMemory is called on re-confirmation of a near-identical
// statement: bumps timesConfirmed, and clamps both confidence and
// prominence to 1.0 after adding the deltas.
func (s *Store) ReinforceMemory(id string, deltaConfidence, deltaProminence float64) error {
	e, err := s.db.GetEntry(id)
	if err != nil {
		return fmt.Errorf("reinforce memory: get entry: %w", err)
	}
	if e == nil {
		return fmt.Errorf("reinforce memory: entry %s not found", id)
	}
	e.Confidence = clamp01(e.Confidence + deltaConfidence)
	e.Prominence = clamp01(e.Prominence + deltaProminence)
	e.TimesConfirmed++
	e.LastAccessed = time.Now().UTC()
	return s.db.UpdateEntry(e)
}

// AddContradiction appends otherID to id's contradiction set without
// duplicating an existing entry.
func (s *Store) AddContradiction(id, otherID string) error {
	e, err := s.db.GetEntry(id)
	if err != nil {
		return fmt.Errorf("add contradiction: get entry: %w", err)
	}
	if e == nil {
		return fmt.Errorf("add contradiction: entry %s not found", id)
	}
	for _, existing := range e.ContradictionIDs {
		if existing == otherID {
			return nil
		}
	}
	e.ContradictionIDs = append(e.ContradictionIDs, otherID)
	return s.db.UpdateEntry(e)
}

// Decay computes the new prominence for an entry at `now`, following
// p(t) = p0*exp(-λ(type)*age) + κ*accessCount - σ*contradictions, clamped
// to [0,1]. It does not persist the result — callers use UpdateProminences
// for the batched, transactional write.
func Decay(e *store.Entry, now time.Time) float64 {
	age := now.Sub(e.DocumentDate).Hours() / 24
	lambda := decayLambdaFor(e)
	p := e.Prominence*math.Exp(-lambda*age) + decayKappa*float64(e.AccessCount) - decaySigma*float64(len(e.ContradictionIDs))
	return clamp01(p)
}

// UpdateProminences applies Decay to a batch of entries in one pass,
// transitioning any non-static_profile entry that has crossed below
// archiveThreshold and gone untouched for archiveMinAgeDays into
// superseded, and flagging entries below hardDeleteEpsilon as prune-ready
// by leaving is_latest=false for the next pruneArchivedMemories pass.
// static_profile entries are exempt from archival — a hard invariant.
func (s *Store) UpdateProminences(entries []*store.Entry) error {
	now := time.Now().UTC()
	for _, e := range entries {
		newProminence := Decay(e, now)
		e.Prominence = newProminence

		if e.MemoryType == store.MemoryTypeStaticProfile {
			if err := s.db.UpdateEntry(e); err != nil {
				return fmt.Errorf("update prominence %s: %w", e.ID, err)
			}
			continue
		}

		untouchedDays := now.Sub(e.LastAccessed).Hours() / 24
		if newProminence < archiveThreshold && untouchedDays >= archiveMinAgeDays && e.IsLatest {
			e.IsLatest = false
			e.MemoryType = store.MemoryTypeSuperseded
		}

		if err := s.db.UpdateEntry(e); err != nil {
			return fmt.Errorf("update prominence %s: %w", e.ID, err)
		}
	}
	return nil
}

// UtilityScore combines prominence, normalised accessCount, recency of
// lastAccessed, and importance into a single archival-ranking signal.
func UtilityScore(e *store.Entry, now time.Time) float64 {
	normalizedAccess := math.Min(1.0, float64(e.AccessCount)/20.0)
	recencyDays := now.Sub(e.LastAccessed).Hours() / 24
	recencyScore := math.Exp(-recencyDays / 30.0)
	importanceScore := float64(e.Importance) / 10.0

	return 0.4*e.Prominence + 0.2*normalizedAccess + 0.2*recencyScore + 0.2*importanceScore
}

// ArchiveLowUtilityMemories archives (is_latest=false, memoryType=
// superseded) at most maxPerRun entries whose utility score is below
// utilityThreshold and whose last access is at least minAgeDays old.
// static_profile entries are always exempt.
func (s *Store) ArchiveLowUtilityMemories(utilityThreshold float64, minAgeDays int, maxPerRun int) (int, error) {
	entries, err := s.db.ListAllActive()
	if err != nil {
		return 0, fmt.Errorf("archive low utility: list active: %w", err)
	}
	now := time.Now().UTC()

	type candidate struct {
		entry   *store.Entry
		utility float64
	}
	var candidates []candidate
	for _, e := range entries {
		if e.MemoryType == store.MemoryTypeStaticProfile {
			continue
		}
		ageDays := now.Sub(e.LastAccessed).Hours() / 24
		if ageDays < float64(minAgeDays) {
			continue
		}
		u := UtilityScore(e, now)
		if u < utilityThreshold {
			candidates = append(candidates, candidate{entry: e, utility: u})
		}
	}

	archived := 0
	for _, c := range candidates {
		if archived >= maxPerRun {
			break
		}
		c.entry.IsLatest = false
		c.entry.MemoryType = store.MemoryTypeSuperseded
		if err := s.db.UpdateEntry(c.entry); err != nil {
			return archived, fmt.Errorf("archive entry %s: %w", c.entry.ID, err)
		}
		archived++
	}
	return archived, nil
}

// PruneArchivedMemories deletes entries that have decayed below ε and are
// no longer is_latest, cascading to incident relations. This is the hard
// delete boundary: everything above that call is reversible, this is not.
func (s *Store) PruneArchivedMemories() (int64, error) {
	return s.db.PruneArchivedMemories(hardDeleteEpsilon)
}
