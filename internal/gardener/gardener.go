// Package gardener runs the background maintenance ticks that keep the
// memory store and scheduler healthy without the user driving them: a
// light tick for time-sensitive scheduler work, a deep tick for memory
// upkeep, and a sleep tick for heavy consolidation during quiet hours.
// It is built the same way internal/scheduler is — a single ticker
// goroutine over a stdlib-only lifecycle — generalized to three tiers
// instead of one.
package gardener

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mnemo-ai/mnemo-core/internal/memory"
	"github.com/mnemo-ai/mnemo-core/internal/scheduler"
	"github.com/mnemo-ai/mnemo-core/internal/store"
)

const (
	lightInterval = 3 * time.Minute
	deepInterval  = 72 * time.Minute
	sleepInterval = 20 * time.Hour

	lastLightKey = "gardener:last_light"
	lastDeepKey  = "gardener:last_deep"
	lastSleepKey = "gardener:last_sleep"

	archiveUtilityThreshold = 0.2
	archiveMinAgeDays       = 14
	archiveMaxPerRun        = 50

	pruneSessionMaxAge = 30 * 24 * time.Hour
)

// IndexMaintainer performs fast, non-LLM index upkeep during the light
// tick (e.g. compacting a local vector index or lexical index).
// Implementations must return quickly; the light tick must never block
// on an LLM call.
type IndexMaintainer interface {
	Maintain(ctx context.Context) error
}

// ProfileSynthesizer turns a bounded window of recent memory entries into
// dynamic-profile deltas during the deep tick. Implementations are
// expected to call an LLM and must respect ctx cancellation.
type ProfileSynthesizer interface {
	Synthesize(ctx context.Context, recent []*store.Entry) ([]*store.Entry, error)
}

// SessionSummarizer generates and persists session summaries and
// reinforces/contradicts fact clusters during the sleep tick.
type SessionSummarizer interface {
	SummarizeSessions(ctx context.Context) error
}

// Config wires the gardener's dependencies. Only DB is required; the rest
// are optional and degrade their tier to prune/bookkeeping-only work when
// left nil.
type Config struct {
	DB        *store.DB
	Memory    *memory.Store
	Scheduler *scheduler.Scheduler

	IndexMaintainer   IndexMaintainer
	ProfileSynth      ProfileSynthesizer
	SessionSummarizer SessionSummarizer

	Location         *time.Location
	QuietStartHour   int // inclusive, e.g. 23
	QuietEndHour     int // exclusive, e.g. 5
	TickerInterval   time.Duration // how often the base loop wakes (default lightInterval)

	Logger *slog.Logger
}

// Gardener drives the light/deep/sleep tick tiers on a single ticker.
type Gardener struct {
	cfg Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Gardener from cfg, applying quiet-hours and interval
// defaults (23:00-05:00, 3-minute base tick).
func New(cfg Config) *Gardener {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.TickerInterval <= 0 {
		cfg.TickerInterval = lightInterval
	}
	if cfg.QuietStartHour == 0 && cfg.QuietEndHour == 0 {
		cfg.QuietStartHour = 23
		cfg.QuietEndHour = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gardener{cfg: cfg, stopCh: make(chan struct{})}
}

// Start begins the tick loop on its own goroutine.
func (g *Gardener) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.mu.Unlock()

	g.wg.Add(1)
	go g.loop(ctx)
	g.cfg.Logger.Info("gardener started", "interval", g.cfg.TickerInterval)
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
func (g *Gardener) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()
	g.cfg.Logger.Info("gardener stopped")
}

func (g *Gardener) loop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.TickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Tick(ctx)
		}
	}
}

// Tick runs one pass: light tick always, deep/sleep tiers only when their
// interval has elapsed (and, for sleep, only during quiet hours).
// Exported so tests and a manual "run once" path can drive it directly.
func (g *Gardener) Tick(ctx context.Context) {
	g.lightTick(ctx)
	now := time.Now().In(g.cfg.Location)
	g.deepTickIfDue(ctx, now)
	g.sleepTickIfDue(ctx, now)
}

// deepTickIfDue runs the deep tier if deepInterval has elapsed since its
// last fire. Takes now explicitly so tests can drive specific instants.
func (g *Gardener) deepTickIfDue(ctx context.Context, now time.Time) {
	if !g.dueSince(lastDeepKey, now, deepInterval) {
		return
	}
	g.deepTick(ctx)
	g.markFired(lastDeepKey, now)
}

// sleepTickIfDue runs the sleep tier if sleepInterval has elapsed and now
// falls within quiet hours; otherwise it defers (does not mark fired) so
// the next in-quiet-hours tick picks it up.
func (g *Gardener) sleepTickIfDue(ctx context.Context, now time.Time) {
	if !g.dueSince(lastSleepKey, now, sleepInterval) {
		return
	}
	if !isQuietHour(now, g.cfg.QuietStartHour, g.cfg.QuietEndHour) {
		g.cfg.Logger.Debug("sleep tick due but outside quiet hours, deferring")
		return
	}
	g.sleepTick(ctx)
	g.markFired(lastSleepKey, now)
}

// lightTick expires/fires due scheduled items and runs fast index
// maintenance. Must never call an LLM.
func (g *Gardener) lightTick(ctx context.Context) {
	if g.cfg.Scheduler != nil {
		g.cfg.Scheduler.Tick(ctx)
	}
	if g.cfg.IndexMaintainer != nil {
		if err := g.cfg.IndexMaintainer.Maintain(ctx); err != nil {
			g.cfg.Logger.Warn("light tick: index maintenance failed", "error", err)
		}
	}
	g.markFired(lastLightKey, time.Now().In(g.cfg.Location))
}

// deepTick updates prominences, archives low-utility memories,
// consolidates duplicate scheduled items, and may synthesise
// dynamic-profile deltas via an LLM.
func (g *Gardener) deepTick(ctx context.Context) {
	if g.cfg.Memory != nil && g.cfg.DB != nil {
		entries, err := g.cfg.DB.ListAllActive()
		if err != nil {
			g.cfg.Logger.Error("deep tick: list active entries failed", "error", err)
		} else if err := g.cfg.Memory.UpdateProminences(entries); err != nil {
			g.cfg.Logger.Error("deep tick: update prominences failed", "error", err)
		}

		if n, err := g.cfg.Memory.ArchiveLowUtilityMemories(archiveUtilityThreshold, archiveMinAgeDays, archiveMaxPerRun); err != nil {
			g.cfg.Logger.Error("deep tick: archive low utility memories failed", "error", err)
		} else if n > 0 {
			g.cfg.Logger.Info("deep tick: archived low utility memories", "count", n)
		}
	}

	if g.cfg.DB != nil {
		if n, err := g.cfg.DB.ConsolidateDuplicateScheduledItems(store.SingleUser); err != nil {
			g.cfg.Logger.Error("deep tick: consolidate duplicate scheduled items failed", "error", err)
		} else if n > 0 {
			g.cfg.Logger.Info("deep tick: consolidated duplicate scheduled items", "count", n)
		}
	}

	if g.cfg.ProfileSynth != nil && g.cfg.DB != nil {
		recent, err := g.cfg.DB.ListAllActive()
		if err != nil {
			g.cfg.Logger.Error("deep tick: list entries for profile synthesis failed", "error", err)
			return
		}
		deltas, err := g.cfg.ProfileSynth.Synthesize(ctx, recent)
		if err != nil {
			g.cfg.Logger.Warn("deep tick: profile synthesis failed", "error", err)
			return
		}
		for _, e := range deltas {
			e.MemoryType = store.MemoryTypeDynamicProfile
			if _, err := g.cfg.DB.PutEntry(e); err != nil {
				g.cfg.Logger.Error("deep tick: persist profile delta failed", "error", err)
			}
		}
	}
}

// sleepTick runs heavy consolidation: session summaries, fact-cluster
// reinforcement (via SessionSummarizer, if configured), and the three
// prune operations.
func (g *Gardener) sleepTick(ctx context.Context) {
	if g.cfg.SessionSummarizer != nil {
		if err := g.cfg.SessionSummarizer.SummarizeSessions(ctx); err != nil {
			g.cfg.Logger.Warn("sleep tick: session summarization failed", "error", err)
		}
	}

	if g.cfg.DB == nil {
		return
	}
	if n, err := g.cfg.DB.PruneOldSessions(pruneSessionMaxAge); err != nil {
		g.cfg.Logger.Error("sleep tick: prune old sessions failed", "error", err)
	} else if n > 0 {
		g.cfg.Logger.Info("sleep tick: pruned old sessions", "count", n)
	}

	if g.cfg.Memory != nil {
		if n, err := g.cfg.Memory.PruneArchivedMemories(); err != nil {
			g.cfg.Logger.Error("sleep tick: prune archived memories failed", "error", err)
		} else if n > 0 {
			g.cfg.Logger.Info("sleep tick: pruned archived memories", "count", n)
		}
	}

	if n, err := g.cfg.DB.PruneOrphanedRelations(); err != nil {
		g.cfg.Logger.Error("sleep tick: prune orphaned relations failed", "error", err)
	} else if n > 0 {
		g.cfg.Logger.Info("sleep tick: pruned orphaned relations", "count", n)
	}
}

// dueSince reports whether interval has elapsed since the timestamp
// persisted under key, treating a missing key as due.
func (g *Gardener) dueSince(key string, now time.Time, interval time.Duration) bool {
	if g.cfg.DB == nil {
		return true
	}
	raw, ok, err := g.cfg.DB.GetRuntimeKey(key)
	if err != nil || !ok {
		return true
	}
	lastMs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	last := time.UnixMilli(lastMs)
	return now.Sub(last) >= interval
}

func (g *Gardener) markFired(key string, now time.Time) {
	if g.cfg.DB == nil {
		return
	}
	if err := g.cfg.DB.SetRuntimeKey(key, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		g.cfg.Logger.Error("mark tick fired failed", "key", key, "error", err)
	}
}

// isQuietHour reports whether hour(now) falls in [start, end) with
// wrap-around support (e.g. start=23, end=5 covers 23,0,1,2,3,4).
func isQuietHour(now time.Time, start, end int) bool {
	h := now.Hour()
	if start == end {
		return true // 24h quiet window
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
