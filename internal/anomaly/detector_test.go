package anomaly_test

import (
	"testing"

	"github.com/septivank/packetmeter/internal/anomaly"
	"github.com/septivank/packetmeter/internal/bytecount"
)

const (
	testSpikeThreshold  = 3.0
	testMinPriorWindows = 3
)

func counts(values ...uint64) []bytecount.Count {
	out := make([]bytecount.Count, len(values))
	for i, v := range values {
		out[i] = bytecount.FromUint64(v)
	}
	return out
}

func TestCheck_SuddenSpike(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinPriorWindows)

	unusual, reason := detector.Check(bytecount.FromUint64(350), counts(100, 105, 98, 102, 99))

	if !unusual {
		t.Error("Expected spike to be flagged")
	}
	if reason == "" {
		t.Error("Expected reason for spike")
	}
}

func TestCheck_NormalUsage(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinPriorWindows)

	unusual, reason := detector.Check(bytecount.FromUint64(103), counts(100, 105, 98, 102, 99))

	if unusual {
		t.Errorf("Expected normal usage, but got: %s", reason)
	}
}

func TestCheck_InsufficientHistory(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinPriorWindows)

	unusual, _ := detector.Check(bytecount.FromUint64(10000), counts(100, 105))

	if unusual {
		t.Error("Expected no flag with insufficient history")
	}
}

func TestCheck_ZeroAverage(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinPriorWindows)

	unusual, _ := detector.Check(bytecount.FromUint64(500), counts(0, 0, 0))

	if unusual {
		t.Error("Expected no flag when prior usage is zero")
	}
}

func TestCheck_ZeroMinimumWithNoHistory(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, 0)

	if unusual, _ := detector.Check(bytecount.FromUint64(500), nil); unusual {
		t.Error("Expected no flag without history")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[uint64]string{
		0:               "0 B",
		1023:            "1023 B",
		1536:            "1.5 KB",
		5 * 1024 * 1024: "5.0 MB",
		3 << 30:         "3.0 GB",
	}
	for in, want := range tests {
		if got := anomaly.FormatBytes(bytecount.FromUint64(in)); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
