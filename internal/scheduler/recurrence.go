package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	dailyRule    = "daily"
	weekdaysRule = "weekdays"
	weeklyRule   = "weekly"
	monthlyRule  = "monthly"

	cronAdvanceCap = 400
)

// cronParser accepts the standard five-field form; only the minute, hour,
// and day-of-week fields are honored when advancing (day-of-month and month
// are parsed but ignored, per the documented recurrence subset).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ComputeNext returns the next occurrence after due for the given repeat
// rule, which is one of "daily", "weekdays", "weekly", "monthly", or a
// five-field cron expression. An unrecognized rule is reported as an error.
func ComputeNext(due time.Time, rule string) (time.Time, error) {
	switch rule {
	case dailyRule:
		return due.Add(24 * time.Hour), nil
	case weekdaysRule:
		next := due.AddDate(0, 0, 1)
		for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	case weeklyRule:
		return due.AddDate(0, 0, 7), nil
	case monthlyRule:
		return due.AddDate(0, 1, 0), nil
	default:
		return computeNextCron(due, rule)
	}
}

func computeNextCron(due time.Time, expr string) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: unrecognized repeat rule %q: %w", expr, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return time.Time{}, fmt.Errorf("scheduler: unsupported cron schedule type for %q", expr)
	}

	minute := firstSetBit(spec.Minute, 0, 59)
	hour := firstSetBit(spec.Hour, 0, 23)
	if minute < 0 || hour < 0 {
		return time.Time{}, fmt.Errorf("scheduler: cron expression %q has no matching minute/hour", expr)
	}

	day := due.AddDate(0, 0, 1)
	day = time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())

	for i := 0; i < cronAdvanceCap; i++ {
		if dowMatches(spec.Dow, day.Weekday()) {
			return day, nil
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, fmt.Errorf("scheduler: no day-of-week match for %q within %d days", expr, cronAdvanceCap)
}

// firstSetBit returns the lowest bit set in mask within [lo, hi], or -1.
// A "*" field (robfig/cron sets the top bit) is treated as lo, matching the
// spec's expectation that minute/hour are concrete values in practice.
func firstSetBit(mask uint64, lo, hi int) int {
	const star = 1 << 63
	if mask&star != 0 {
		return lo
	}
	for i := lo; i <= hi; i++ {
		if mask&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}

// dowMatches reports whether weekday's bit (or the "any" bit robfig/cron
// sets for "*") is present in the day-of-week mask.
func dowMatches(mask uint64, weekday time.Weekday) bool {
	const star = 1 << 63 // cron.starBit, mirrored here since it's unexported
	if mask&star != 0 {
		return true
	}
	return mask&(1<<uint(weekday)) != 0
}
