package anomaly

import (
	"fmt"

	"github.com/septivank/packetmeter/internal/bytecount"
)

// Detector flags a usage window that is far above the device's usual level
type Detector struct {
	spikeThreshold  float64
	minPriorWindows int
}

// NewDetector creates a detector. A window is unusual when it exceeds
// spikeThreshold times the average of at least minPriorWindows prior windows.
func NewDetector(spikeThreshold float64, minPriorWindows int) *Detector {
	return &Detector{
		spikeThreshold:  spikeThreshold,
		minPriorWindows: minPriorWindows,
	}
}

// MinPriorWindows is how much history Check needs before it can flag anything.
func (d *Detector) MinPriorWindows() int {
	return d.minPriorWindows
}

// Check compares current usage with the usage of earlier windows of the same
// length. It returns a human-readable reason when usage is unusual.
func (d *Detector) Check(current bytecount.Count, prior []bytecount.Count) (bool, string) {
	if len(prior) < d.minPriorWindows || len(prior) == 0 {
		return false, ""
	}

	average := bytecount.Sum(prior...).Float64() / float64(len(prior))
	value := current.Float64()

	if average > 0 && value > d.spikeThreshold*average {
		return true, fmt.Sprintf("usage %s is %.1fx the average of the previous %d periods (%s)",
			FormatBytes(current), value/average, len(prior), FormatBytes(bytecount.FromUint64(uint64(average))))
	}

	return false, ""
}

var units = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}

// FormatBytes renders a count with a binary unit, e.g. "1.5 GB".
func FormatBytes(c bytecount.Count) string {
	v := c.Float64()
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%.0f %s", v, units[i])
	}
	return fmt.Sprintf("%.1f %s", v, units[i])
}
