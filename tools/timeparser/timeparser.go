package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// reportFormats are tried in order. Devices send ISO-8601; the Windows
// daemon omits the zone designator, in which case UTC is assumed.
var reportFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999", // no zone
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// ParseReportTimestamp parses a device report timestamp into UTC.
func ParseReportTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}

	var lastErr error
	for _, format := range reportFormats {
		t, err := time.Parse(format, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", value, lastErr)
}

// IsWithinWindow checks that the report time is no more than futureTolerance
// ahead of receivedAt and no more than maxAge behind it. A zero maxAge
// disables the age check.
func IsWithinWindow(reportTime, receivedAt time.Time, futureTolerance, maxAge time.Duration) bool {
	diff := reportTime.Sub(receivedAt)
	if diff > futureTolerance {
		return false
	}
	if maxAge > 0 && -diff > maxAge {
		return false
	}
	return true
}
