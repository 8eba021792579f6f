package gardener

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo-core/internal/memory"
	"github.com/mnemo-ai/mnemo-core/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mnemo.db")
	db, err := store.Open(store.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestIsQuietHourWrapsAroundMidnight(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		hour int
		want bool
	}{
		{23, true}, {0, true}, {4, true}, {5, false}, {12, false}, {22, false},
	}
	for _, tt := range tests {
		now := time.Date(2026, 1, 1, tt.hour, 0, 0, 0, loc)
		assert.Equal(t, tt.want, isQuietHour(now, 23, 5), "hour=%d", tt.hour)
	}
}

func TestTickAlwaysRunsLightTier(t *testing.T) {
	db := newTestDB(t)
	g := New(Config{DB: db})

	g.Tick(context.Background())

	_, ok, err := db.GetRuntimeKey(lastLightKey)
	require.NoError(t, err)
	assert.True(t, ok, "expected light tick to persist its last-fire timestamp")
}

func TestTickRunsDeepTierWhenDue(t *testing.T) {
	db := newTestDB(t)
	mem := memory.New(db)
	g := New(Config{DB: db, Memory: mem})

	g.Tick(context.Background())

	_, ok, err := db.GetRuntimeKey(lastDeepKey)
	require.NoError(t, err)
	assert.True(t, ok, "expected deep tick to fire on a fresh gardener (no prior timestamp)")
}

func TestTickSkipsDeepTierWhenRecentlyFired(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	require.NoError(t, db.SetRuntimeKey(lastDeepKey, formatMs(now)))
	g := New(Config{DB: db})

	g.Tick(context.Background())

	raw, _, err := db.GetRuntimeKey(lastDeepKey)
	require.NoError(t, err)
	assert.Equal(t, formatMs(now), raw, "deep tick should not have re-fired within its interval")
}

func TestSleepTierDefersOutsideQuietHours(t *testing.T) {
	db := newTestDB(t)
	g := New(Config{DB: db, Location: time.UTC, QuietStartHour: 23, QuietEndHour: 5})

	g.sleepTickIfDue(context.Background(), time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	_, ok, err := db.GetRuntimeKey(lastSleepKey)
	require.NoError(t, err)
	assert.False(t, ok, "sleep tick should have been deferred outside quiet hours, not marked fired")
}

func TestSleepTierFiresDuringQuietHours(t *testing.T) {
	db := newTestDB(t)
	g := New(Config{DB: db, Location: time.UTC, QuietStartHour: 23, QuietEndHour: 5})

	g.sleepTickIfDue(context.Background(), time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))

	_, ok, err := db.GetRuntimeKey(lastSleepKey)
	require.NoError(t, err)
	assert.True(t, ok, "expected sleep tick to fire and persist its timestamp during quiet hours")
}

func formatMs(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
