// Package timezone converts between UTC instants, UTC hour buckets and civil
// dates on a user's wall clock. Everything that needs "N days back" or "that
// day" goes through here. The functions are pure.
package timezone

import (
	"fmt"
	"time"

	// Embedded IANA database so containers without /usr/share/zoneinfo
	// still resolve zones.
	_ "time/tzdata"
)

// DateLayout is the civil date format used on the wire and in digests.
const DateLayout = "2006-01-02"

// Period is the unit accepted by usage queries.
type Period string

const (
	PeriodHours  Period = "hours"
	PeriodDays   Period = "days"
	PeriodMonths Period = "months"
)

// Range is a half-open UTC interval [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Hours is the number of whole UTC hours covered.
func (r Range) Hours() int {
	return int(r.End.Sub(r.Start) / time.Hour)
}

// LoadLocation resolves an IANA zone name. Empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// ResolveLocation is LoadLocation with a UTC fallback. ok is false when the
// name was invalid and UTC was substituted; callers log that.
func ResolveLocation(name string) (loc *time.Location, ok bool) {
	loc, err := LoadLocation(name)
	if err != nil {
		return time.UTC, false
	}
	return loc, true
}

// IsValid reports whether name is a loadable IANA zone.
func IsValid(name string) bool {
	_, err := LoadLocation(name)
	return err == nil
}

// FloorToUTCHour truncates t to the start of its UTC hour.
func FloorToUTCHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// CivilDateOf formats the calendar date instant falls on in loc.
func CivilDateOf(instant time.Time, loc *time.Location) string {
	return instant.In(loc).Format(DateLayout)
}

// UTCHourRangeForCivilDay returns the UTC hours a person in loc would call
// date, from local 00:00 to the next local 00:00. The day may be 23, 24 or
// 25 hours long. Zones with fractional offsets are widened outward to whole
// UTC hours.
func UTCHourRangeForCivilDay(date string, loc *time.Location) (Range, error) {
	day, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return Range{}, fmt.Errorf("invalid civil date %q: %w", date, err)
	}
	return dayRange(day.Year(), day.Month(), day.Day(), 1, loc), nil
}

// dayRange covers n civil days starting at y-m-d in loc.
func dayRange(y int, m time.Month, d int, n int, loc *time.Location) Range {
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	end := time.Date(y, m, d+n, 0, 0, 0, 0, loc)
	return Range{
		Start: FloorToUTCHour(start),
		End:   ceilToUTCHour(end),
	}
}

func ceilToUTCHour(t time.Time) time.Time {
	f := FloorToUTCHour(t)
	if f.Equal(t) {
		return f
	}
	return f.Add(time.Hour)
}

// LookbackRange covers the last days civil days in loc, today included.
func LookbackRange(now time.Time, loc *time.Location, days int) (Range, error) {
	if days <= 0 {
		return Range{}, fmt.Errorf("lookback must be positive, got %d", days)
	}
	local := now.In(loc)
	return dayRange(local.Year(), local.Month(), local.Day()-(days-1), days, loc), nil
}

// PeriodRange covers the last count periods ending with the current one.
// Hours are UTC hours; days and months are civil units in loc.
func PeriodRange(now time.Time, loc *time.Location, period Period, count int) (Range, error) {
	if count <= 0 {
		return Range{}, fmt.Errorf("count must be positive, got %d", count)
	}
	switch period {
	case PeriodHours:
		end := FloorToUTCHour(now).Add(time.Hour)
		return Range{Start: end.Add(-time.Duration(count) * time.Hour), End: end}, nil
	case PeriodDays:
		return LookbackRange(now, loc, count)
	case PeriodMonths:
		local := now.In(loc)
		start := time.Date(local.Year(), local.Month()-time.Month(count-1), 1, 0, 0, 0, 0, loc)
		end := time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, loc)
		return Range{Start: FloorToUTCHour(start), End: ceilToUTCHour(end)}, nil
	default:
		return Range{}, fmt.Errorf("unknown period %q", period)
	}
}

// ParsePeriod validates a query parameter.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case PeriodHours, PeriodDays, PeriodMonths:
		return p, nil
	default:
		return "", fmt.Errorf("period must be one of hours, days, months; got %q", s)
	}
}

// RetentionCutoff is the instant before which rows are older than days.
// A row exactly days old is not before the cutoff.
func RetentionCutoff(now time.Time, days int) time.Time {
	return now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
}

// PreviousWindow returns the range of equal length that ends where r starts.
func PreviousWindow(r Range) Range {
	width := r.End.Sub(r.Start)
	return Range{Start: r.Start.Add(-width), End: r.Start}
}
