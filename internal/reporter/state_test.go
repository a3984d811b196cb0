package reporter_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/packetmeter/internal/reporter"
)

func TestLoadStateMissingFileIsEmpty(t *testing.T) {
	s, err := reporter.LoadState(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, reporter.StatusStarting, s.Status)
	assert.Empty(t, s.Pending)
	assert.NotNil(t, s.Baselines)
	assert.NotNil(t, s.Registered)
}

func TestStateSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	hour := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)

	s, err := reporter.LoadState(path)
	require.NoError(t, err)
	s.Status = reporter.StatusPendingApproval
	s.Baselines["iface/eth0"] = reporter.Counter{Rx: 1 << 40, Tx: 12}
	s.Pending = append(s.Pending, reporter.Snapshot{Hour: hour, Apps: map[string]reporter.Counter{"iface/eth0": {Rx: 5, Tx: 6}}})
	s.Registered["iface/eth0"] = true
	require.NoError(t, s.Save(path))

	loaded, err := reporter.LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, reporter.StatusPendingApproval, loaded.Status)
	assert.Equal(t, reporter.Counter{Rx: 1 << 40, Tx: 12}, loaded.Baselines["iface/eth0"])
	require.Len(t, loaded.Pending, 1)
	assert.True(t, hour.Equal(loaded.Pending[0].Hour))
	assert.Equal(t, reporter.Counter{Rx: 5, Tx: 6}, loaded.Pending[0].Apps["iface/eth0"])
	assert.True(t, loaded.Registered["iface/eth0"])
}

func TestLoadStateRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := reporter.LoadState(path)
	assert.Error(t, err)
}
