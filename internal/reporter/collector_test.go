package reporter

import (
	"context"
	"errors"
	"testing"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubCounters(stats []psnet.IOCountersStat, err error) func(context.Context) ([]psnet.IOCountersStat, error) {
	return func(context.Context) ([]psnet.IOCountersStat, error) { return stats, err }
}

var counters = []psnet.IOCountersStat{
	{Name: "lo", BytesRecv: 999, BytesSent: 999},
	{Name: "eth0", BytesRecv: 1200, BytesSent: 300},
	{Name: "wlan0", BytesRecv: 50, BytesSent: 7},
}

func TestInterfaceCollectorSkipsLoopback(t *testing.T) {
	c := NewInterfaceCollector(nil)
	c.read = stubCounters(counters, nil)

	samples, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Sample{
		{Identifier: "iface/eth0", DisplayName: "eth0", Rx: 1200, Tx: 300},
		{Identifier: "iface/wlan0", DisplayName: "wlan0", Rx: 50, Tx: 7},
	}, samples)
}

func TestInterfaceCollectorHonoursAllowList(t *testing.T) {
	c := NewInterfaceCollector([]string{"wlan0", "lo"})
	c.read = stubCounters(counters, nil)

	samples, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "iface/lo", samples[0].Identifier)
	assert.Equal(t, "iface/wlan0", samples[1].Identifier)
}

func TestInterfaceCollectorWrapsErrors(t *testing.T) {
	c := NewInterfaceCollector(nil)
	c.read = stubCounters(nil, errors.New("no /proc"))

	_, err := c.Collect(context.Background())
	assert.ErrorContains(t, err, "no /proc")
}
