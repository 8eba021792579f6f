// Package scheduler runs the periodic tick that claims and fires due
// ScheduledItems. It is a thin driver over internal/store's atomic
// claim/expire/consolidate operations — the scheduler itself owns no
// persistence, only the ticking lifecycle and the fire callback dispatch,
// the way the teacher's Scheduler owned timer bookkeeping over a separate
// Store rather than SQL directly.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mnemo-ai/mnemo-core/internal/events"
	"github.com/mnemo-ai/mnemo-core/internal/store"
)

// expireAfter is how far past TriggerAt a still-pending item is considered
// stale and expired rather than fired.
const expireAfter = 24 * time.Hour

// consolidateEvery controls how often the scheduler runs duplicate
// consolidation, which is cheap but unnecessary on every tick.
const consolidateEvery = 20

// FireFunc is supplied by the host (typically a channel dispatcher) and
// invoked once per claimed, due item. An error causes the item to be reset
// to pending rather than marked fired.
type FireFunc func(ctx context.Context, item *store.ScheduledItem) error

// Scheduler polls the store for due ScheduledItems on a fixed interval and
// dispatches them via FireFunc.
type Scheduler struct {
	db       *store.DB
	fire     FireFunc
	logger   *slog.Logger
	bus      *events.Bus
	producer *kafka.Writer // optional: publishes fired items to a topic

	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	ticks   int
}

// Config configures a Scheduler.
type Config struct {
	DB       *store.DB
	Fire     FireFunc
	Logger   *slog.Logger
	Bus      *events.Bus
	Producer *kafka.Writer // nil disables the Kafka publish path
	Interval time.Duration // default 30s
}

// New constructs a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		db:       cfg.DB,
		fire:     cfg.Fire,
		logger:   logger,
		bus:      cfg.Bus,
		producer: cfg.Producer,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the tick loop on its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Tick runs one scheduler pass: expire stale items, claim due items, fire
// each claimed item, reschedule recurring items, and periodically
// consolidate duplicate pending items. Exported so tests and a manual
// "run once" CLI path can drive it without waiting on the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	if n, err := s.db.ExpireOldScheduledItems(now.UnixMilli(), expireAfter); err != nil {
		s.logger.Error("expire old scheduled items failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("expired stale scheduled items", "count", n)
	}

	claimed, err := s.db.ClaimDueScheduledItems(ctx, now.UnixMilli())
	if err != nil {
		s.logger.Error("claim due scheduled items failed", "error", err)
		return
	}

	for _, item := range claimed {
		s.fireItem(ctx, item)
	}

	s.ticks++
	if s.ticks%consolidateEvery == 0 {
		if n, err := s.db.ConsolidateDuplicateScheduledItems(store.SingleUser); err != nil {
			s.logger.Debug("consolidate duplicate scheduled items failed", "error", err)
		} else if n > 0 {
			s.logger.Info("consolidated duplicate scheduled items", "count", n)
		}
	}
}

func (s *Scheduler) fireItem(ctx context.Context, item *store.ScheduledItem) {
	var fireErr error
	if s.fire != nil {
		fireErr = s.fire(ctx, item)
	}

	if fireErr != nil {
		s.logger.Warn("scheduled item fire callback failed, resetting to pending", "id", item.ID, "error", fireErr)
		if err := s.db.ResetScheduledItemToPending(item.ID); err != nil {
			s.logger.Error("reset scheduled item to pending failed", "id", item.ID, "error", err)
		}
		return
	}

	if err := s.db.MarkScheduledItemFired(item.ID); err != nil {
		s.logger.Error("mark scheduled item fired failed", "id", item.ID, "error", err)
	}

	s.bus.Publish(events.Event{
		Source: events.SourceScheduler,
		Kind:   events.KindTaskFired,
		Data:   map[string]any{"id": item.ID, "type": string(item.Type), "message": item.Message},
	})
	s.publishFired(ctx, item)

	if item.Recurring != nil {
		s.scheduleNextOccurrence(item)
	}
}

// publishFired emits the fired item to the configured Kafka topic when a
// producer is set; this is an optional, additive notification channel on
// top of the direct FireFunc callback, not a replacement for it.
func (s *Scheduler) publishFired(ctx context.Context, item *store.ScheduledItem) {
	if s.producer == nil {
		return
	}
	payload, err := json.Marshal(item)
	if err != nil {
		s.logger.Debug("marshal fired scheduled item failed", "id", item.ID, "error", err)
		return
	}
	if err := s.producer.WriteMessages(ctx, kafka.Message{Key: []byte(item.ID), Value: payload}); err != nil {
		s.logger.Warn("publish fired scheduled item to kafka failed", "id", item.ID, "error", err)
	}
}

// scheduleNextOccurrence computes the next trigger time from item's
// recurring spec and inserts a fresh pending ScheduledItem for it.
func (s *Scheduler) scheduleNextOccurrence(item *store.ScheduledItem) {
	next, err := NextOccurrence(item.Recurring, time.Now())
	if err != nil {
		s.logger.Warn("compute next recurring occurrence failed", "id", item.ID, "error", err)
		return
	}

	nextItem := &store.ScheduledItem{
		UserID:         item.UserID,
		Source:         item.Source,
		Type:           item.Type,
		Message:        item.Message,
		Context:        item.Context,
		TriggerAt:      next.UnixMilli(),
		Recurring:      item.Recurring,
		Status:         store.ScheduledStatusPending,
		SourceMemoryID: item.SourceMemoryID,
	}
	if _, err := s.db.AddScheduledItem(nextItem); err != nil {
		s.logger.Error("insert next recurring occurrence failed", "id", item.ID, "error", err)
	}
}

// NextOccurrence computes the next trigger instant for r after `after`,
// per spec: daily advances by 24h, weekday skips Sat/Sun, weekends fires
// only Sat/Sun, weekly advances by 7d from the named day of week.
func NextOccurrence(r *store.Recurring, after time.Time) (time.Time, error) {
	if r == nil {
		return time.Time{}, fmt.Errorf("nil recurring spec")
	}

	base := time.Date(after.Year(), after.Month(), after.Day(), r.Hour, r.Minute, 0, 0, after.Location())
	if !base.After(after) {
		base = base.AddDate(0, 0, 1)
	}

	switch r.Type {
	case store.RecurringDaily:
		return base, nil
	case store.RecurringWeekdays:
		for base.Weekday() == time.Saturday || base.Weekday() == time.Sunday {
			base = base.AddDate(0, 0, 1)
		}
		return base, nil
	case store.RecurringWeekends:
		for base.Weekday() != time.Saturday && base.Weekday() != time.Sunday {
			base = base.AddDate(0, 0, 1)
		}
		return base, nil
	case store.RecurringWeekly:
		if r.DayOfWeek == nil {
			return time.Time{}, fmt.Errorf("weekly recurrence missing dayOfWeek")
		}
		for int(base.Weekday()) != *r.DayOfWeek {
			base = base.AddDate(0, 0, 1)
		}
		return base, nil
	default:
		return time.Time{}, fmt.Errorf("unknown recurring type %q", r.Type)
	}
}
