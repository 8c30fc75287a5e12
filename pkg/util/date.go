package util

import (
	"fmt"
	"strconv"
	"time"
	_ "time/tzdata"
)

var berlin = mustLoadLocation("Europe/Berlin")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load location %s: %v", name, err))
	}
	return loc
}

// Berlin returns the Europe/Berlin location.
func Berlin() *time.Location { return berlin }

// ParseTime tries RFC3339, RFC3339Nano, and unix seconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0), true
	}
	return time.Time{}, false
}

// Clock is a time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) sinceMidnight() time.Duration {
	return time.Duration(c.Hour)*time.Hour + time.Duration(c.Minute)*time.Minute
}

// AddHours shifts the clock, wrapping around midnight.
func (c Clock) AddHours(h int) Clock {
	m := ((c.Hour+h)%24 + 24) % 24
	return Clock{Hour: m, Minute: c.Minute}
}

func sinceMidnight(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}

// InBerlinWindow reports whether t lies strictly between from and to on the
// Europe/Berlin wall clock. A window whose start is after its end wraps midnight.
func InBerlinWindow(t time.Time, from, to Clock) bool {
	return inWindow(sinceMidnight(t.In(berlin)), from, to)
}

func inWindow(d time.Duration, from, to Clock) bool {
	f, e := from.sinceMidnight(), to.sinceMidnight()
	if f < e {
		return d > f && d < e
	}
	return d > f || d < e
}

// InTradingAdjustedWindow is InBerlinWindow with bounds adjusted to the US
// session: unchanged while Berlin observes summer time, one hour earlier in the
// autumn week where only Berlin has switched back, two hours earlier otherwise.
func InTradingAdjustedWindow(t time.Time, from, to Clock) bool {
	local := t.In(berlin)
	shift := 0
	switch {
	case local.IsDST():
	case InAutumnMismatchWeek(local):
		shift = -1
	default:
		shift = -2
	}
	return inWindow(sinceMidnight(local), from.AddHours(shift), to.AddHours(shift))
}

// InAutumnMismatchWeek reports whether the Berlin date of t is after the last
// Sunday of October and before the first Sunday of November.
func InAutumnMismatchWeek(t time.Time) bool {
	local := t.In(berlin)
	year := local.Year()
	day := time.Date(year, local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	lastSundayOct := time.Date(year, time.October, 31, 0, 0, 0, 0, time.UTC)
	for lastSundayOct.Weekday() != time.Sunday {
		lastSundayOct = lastSundayOct.AddDate(0, 0, -1)
	}
	firstSundayNov := time.Date(year, time.November, 1, 0, 0, 0, 0, time.UTC)
	for firstSundayNov.Weekday() != time.Sunday {
		firstSundayNov = firstSundayNov.AddDate(0, 0, 1)
	}
	return day.After(lastSundayOct) && day.Before(firstSundayNov)
}

// IsWeekday reports whether t falls on Monday to Friday in Berlin.
func IsWeekday(t time.Time) bool {
	wd := t.In(berlin).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
