package extractor

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mnemo-ai/mnemo-core/internal/store"
)

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var (
	atHHMMPattern       = regexp.MustCompile(`(?i)\bat\s+(\d{1,2}):(\d{2})\s*(am|pm)?\b`)
	everyDayAtPattern   = regexp.MustCompile(`(?i)\bevery\s+day\s+at\s+(\d{1,2}):(\d{2})\s*(am|pm)?\b`)
	everyWeekdayPattern = regexp.MustCompile(`(?i)\bevery\s+weekday\b`)
	everyWeekendPattern = regexp.MustCompile(`(?i)\bevery\s+weekend`)
	everyDowAtPattern   = regexp.MustCompile(`(?i)\bevery\s+(sunday|monday|tuesday|wednesday|thursday|friday|saturday)\s+at\s+(\d{1,2}):(\d{2})\s*(am|pm)?\b`)
	intervalPattern     = regexp.MustCompile(`(?i)\bin\s+(\d+)\s*(minute|minutes|hour|hours|day|days|week|weeks)\b`)
)

// ParseTimePhrase resolves a natural-language time phrase against now in
// loc, returning the next trigger instant and an optional recurrence. It
// recognises: relative intervals ("in 20 minutes"), absolute times-of-day
// ("at 14:30"), and recurring phrases ("every day at 7:00", "every
// weekday at 9:00", "every weekend at 10:00", "every Monday at 8:00").
// Unparseable phrases return ok=false so callers can decide whether to
// drop the trigger.
func ParseTimePhrase(phrase string, now time.Time, loc *time.Location) (trigger time.Time, recurring *store.Recurring, ok bool) {
	now = now.In(loc)

	if m := intervalPattern.FindStringSubmatch(phrase); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := strings.ToLower(m[2])
		return now.Add(intervalDuration(n, unit)), nil, true
	}

	if m := everyDowAtPattern.FindStringSubmatch(phrase); m != nil {
		dow := weekdayNames[strings.ToLower(m[1])]
		hour, minute := parseHourMinute(m[2], m[3], m[4])
		next := nextWeekdayAt(now, dow, hour, minute)
		dowInt := int(dow)
		return next, &store.Recurring{Type: store.RecurringWeekly, Hour: hour, Minute: minute, DayOfWeek: &dowInt}, true
	}

	if m := everyDayAtPattern.FindStringSubmatch(phrase); m != nil {
		hour, minute := parseHourMinute(m[1], m[2], m[3])
		next := nextDailyAt(now, hour, minute)
		return next, &store.Recurring{Type: store.RecurringDaily, Hour: hour, Minute: minute}, true
	}

	if everyWeekdayPattern.MatchString(phrase) {
		hour, minute := hourMinuteFromAnywhere(phrase, 9, 0)
		next := nextWeekdaysAt(now, hour, minute)
		return next, &store.Recurring{Type: store.RecurringWeekdays, Hour: hour, Minute: minute}, true
	}

	if everyWeekendPattern.MatchString(phrase) {
		hour, minute := hourMinuteFromAnywhere(phrase, 9, 0)
		next := nextWeekendAt(now, hour, minute)
		return next, &store.Recurring{Type: store.RecurringWeekends, Hour: hour, Minute: minute}, true
	}

	if m := atHHMMPattern.FindStringSubmatch(phrase); m != nil {
		hour, minute := parseHourMinute(m[1], m[2], m[3])
		next := nextDailyAt(now, hour, minute)
		return next, nil, true
	}

	return time.Time{}, nil, false
}

func intervalDuration(n int, unit string) time.Duration {
	switch {
	case strings.HasPrefix(unit, "minute"):
		return time.Duration(n) * time.Minute
	case strings.HasPrefix(unit, "hour"):
		return time.Duration(n) * time.Hour
	case strings.HasPrefix(unit, "day"):
		return time.Duration(n) * 24 * time.Hour
	case strings.HasPrefix(unit, "week"):
		return time.Duration(n) * 7 * 24 * time.Hour
	default:
		return 0
	}
}

func parseHourMinute(hourStr, minuteStr, meridiem string) (int, int) {
	hour, _ := strconv.Atoi(hourStr)
	minute, _ := strconv.Atoi(minuteStr)
	switch strings.ToLower(meridiem) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	return hour, minute
}

// hourMinuteFromAnywhere tries to find an "at HH:MM" elsewhere in phrase,
// falling back to the given default when absent.
func hourMinuteFromAnywhere(phrase string, defHour, defMinute int) (int, int) {
	if m := atHHMMPattern.FindStringSubmatch(phrase); m != nil {
		return parseHourMinute(m[1], m[2], m[3])
	}
	return defHour, defMinute
}

func nextDailyAt(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func nextWeekdaysAt(now time.Time, hour, minute int) time.Time {
	next := nextDailyAt(now, hour, minute)
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func nextWeekendAt(now time.Time, hour, minute int) time.Time {
	next := nextDailyAt(now, hour, minute)
	for next.Weekday() != time.Saturday && next.Weekday() != time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func nextWeekdayAt(now time.Time, dow time.Weekday, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	for next.Weekday() != dow || !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
