package timezone_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/packetmeter/internal/timezone"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := timezone.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNewYorkDayBoundary(t *testing.T) {
	ny := mustLoad(t, "America/New_York")

	assert.Equal(t, "2023-12-31", timezone.CivilDateOf(utc("2024-01-01T04:30:00Z"), ny))

	r, err := timezone.UTCHourRangeForCivilDay("2023-12-31", ny)
	require.NoError(t, err)
	assert.Equal(t, utc("2023-12-31T05:00:00Z"), r.Start)
	assert.Equal(t, utc("2024-01-01T05:00:00Z"), r.End)
	assert.Equal(t, 24, r.Hours())
}

func TestDSTDayLengths(t *testing.T) {
	ny := mustLoad(t, "America/New_York")

	spring, err := timezone.UTCHourRangeForCivilDay("2024-03-10", ny)
	require.NoError(t, err)
	assert.Equal(t, 23, spring.Hours())
	assert.Equal(t, utc("2024-03-10T05:00:00Z"), spring.Start)
	assert.Equal(t, utc("2024-03-11T04:00:00Z"), spring.End)

	fall, err := timezone.UTCHourRangeForCivilDay("2024-11-03", ny)
	require.NoError(t, err)
	assert.Equal(t, 25, fall.Hours())
}

func TestFractionalOffsetWidensToWholeHours(t *testing.T) {
	kolkata := mustLoad(t, "Asia/Kolkata")

	r, err := timezone.UTCHourRangeForCivilDay("2024-06-01", kolkata)
	require.NoError(t, err)
	// local midnight is 18:30Z
	assert.Equal(t, utc("2024-05-31T18:00:00Z"), r.Start)
	assert.Equal(t, utc("2024-06-01T19:00:00Z"), r.End)
}

func TestFloorToUTCHour(t *testing.T) {
	a := timezone.FloorToUTCHour(utc("2024-05-05T12:00:00Z"))
	b := timezone.FloorToUTCHour(utc("2024-05-05T12:59:59Z"))
	c := timezone.FloorToUTCHour(utc("2024-05-05T13:00:00Z"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	tokyo := mustLoad(t, "Asia/Tokyo")
	local := time.Date(2024, 5, 5, 21, 42, 7, 0, tokyo)
	assert.Equal(t, utc("2024-05-05T12:00:00Z"), timezone.FloorToUTCHour(local))
}

func TestResolveLocationFallsBackToUTC(t *testing.T) {
	loc, ok := timezone.ResolveLocation("Mars/Olympus_Mons")
	assert.False(t, ok)
	assert.Equal(t, time.UTC, loc)

	loc, ok = timezone.ResolveLocation("Europe/Berlin")
	assert.True(t, ok)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLookbackRange(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := utc("2024-01-10T15:00:00Z")

	r, err := timezone.LookbackRange(now, ny, 7)
	require.NoError(t, err)
	assert.Equal(t, utc("2024-01-04T05:00:00Z"), r.Start)
	assert.Equal(t, utc("2024-01-11T05:00:00Z"), r.End)
	assert.True(t, r.Contains(now))

	_, err = timezone.LookbackRange(now, ny, 0)
	assert.Error(t, err)
}

func TestPeriodRange(t *testing.T) {
	now := utc("2024-03-15T10:20:00Z")

	hours, err := timezone.PeriodRange(now, time.UTC, timezone.PeriodHours, 3)
	require.NoError(t, err)
	assert.Equal(t, utc("2024-03-15T08:00:00Z"), hours.Start)
	assert.Equal(t, utc("2024-03-15T11:00:00Z"), hours.End)

	months, err := timezone.PeriodRange(now, time.UTC, timezone.PeriodMonths, 2)
	require.NoError(t, err)
	assert.Equal(t, utc("2024-02-01T00:00:00Z"), months.Start)
	assert.Equal(t, utc("2024-04-01T00:00:00Z"), months.End)

	_, err = timezone.PeriodRange(now, time.UTC, timezone.PeriodDays, 0)
	assert.Error(t, err)
	_, err = timezone.PeriodRange(now, time.UTC, timezone.Period("weeks"), 1)
	assert.Error(t, err)
}

func TestRetentionCutoffBoundary(t *testing.T) {
	now := utc("2024-06-10T00:00:00Z")
	cutoff := timezone.RetentionCutoff(now, 7)

	sixDays := now.Add(-6 * 24 * time.Hour)
	sevenDays := now.Add(-7 * 24 * time.Hour)
	eightDays := now.Add(-8 * 24 * time.Hour)

	assert.False(t, sixDays.Before(cutoff))
	assert.False(t, sevenDays.Before(cutoff))
	assert.True(t, eightDays.Before(cutoff))
}

func TestPreviousWindow(t *testing.T) {
	r := timezone.Range{Start: utc("2024-01-08T00:00:00Z"), End: utc("2024-01-15T00:00:00Z")}
	prev := timezone.PreviousWindow(r)
	assert.Equal(t, utc("2024-01-01T00:00:00Z"), prev.Start)
	assert.Equal(t, r.Start, prev.End)
}
