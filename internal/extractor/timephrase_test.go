package extractor

import (
	"testing"
	"time"

	"github.com/mnemo-ai/mnemo-core/internal/store"
)

func TestParseTimePhraseInterval(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	trigger, recurring, ok := ParseTimePhrase("in 20 minutes", now, time.UTC)
	if !ok {
		t.Fatal("expected interval phrase to parse")
	}
	if recurring != nil {
		t.Error("interval trigger should not be recurring")
	}
	if !trigger.Equal(now.Add(20 * time.Minute)) {
		t.Errorf("trigger = %v, want %v", trigger, now.Add(20*time.Minute))
	}
}

func TestParseTimePhraseEveryDayAt(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC) // Thursday
	trigger, recurring, ok := ParseTimePhrase("every day at 7:00", now, time.UTC)
	if !ok {
		t.Fatal("expected recurring phrase to parse")
	}
	if recurring == nil || recurring.Type != store.RecurringDaily {
		t.Fatalf("recurring = %+v, want daily", recurring)
	}
	if trigger.Hour() != 7 || trigger.Minute() != 0 {
		t.Errorf("trigger = %v, want 07:00", trigger)
	}
	if !trigger.After(now) {
		t.Error("next occurrence must be in the future")
	}
}

func TestParseTimePhraseEveryWeekdaySkipsWeekend(t *testing.T) {
	// Friday 2026-07-31, 10:00 UTC.
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	trigger, recurring, ok := ParseTimePhrase("every weekday at 9:00", now, time.UTC)
	if !ok {
		t.Fatal("expected weekday recurrence to parse")
	}
	if recurring.Type != store.RecurringWeekdays {
		t.Fatalf("recurring type = %v, want weekdays", recurring.Type)
	}
	if trigger.Weekday() == time.Saturday || trigger.Weekday() == time.Sunday {
		t.Errorf("next weekday occurrence landed on a weekend: %v", trigger.Weekday())
	}
}

func TestParseTimePhraseEveryWeekendOnlyFiresSatSun(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC) // Thursday
	trigger, recurring, ok := ParseTimePhrase("every weekend at 10:00", now, time.UTC)
	if !ok {
		t.Fatal("expected weekend recurrence to parse")
	}
	if recurring.Type != store.RecurringWeekends {
		t.Fatalf("recurring type = %v, want weekends", recurring.Type)
	}
	if trigger.Weekday() != time.Saturday && trigger.Weekday() != time.Sunday {
		t.Errorf("weekend occurrence landed on %v, want Sat/Sun", trigger.Weekday())
	}
}

func TestParseTimePhraseEveryMondayAdvancesSevenDays(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC) // Thursday
	trigger, recurring, ok := ParseTimePhrase("every Monday at 8:00", now, time.UTC)
	if !ok {
		t.Fatal("expected weekly recurrence to parse")
	}
	if recurring.Type != store.RecurringWeekly || recurring.DayOfWeek == nil || *recurring.DayOfWeek != int(time.Monday) {
		t.Fatalf("recurring = %+v, want weekly on Monday", recurring)
	}
	if trigger.Weekday() != time.Monday {
		t.Errorf("trigger weekday = %v, want Monday", trigger.Weekday())
	}
}

func TestParseTimePhraseUnparseableReturnsNotOK(t *testing.T) {
	_, _, ok := ParseTimePhrase("whenever it feels right", time.Now(), time.UTC)
	if ok {
		t.Error("expected unparseable phrase to return ok=false")
	}
}
