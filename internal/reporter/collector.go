package reporter

import (
	"context"
	"fmt"
	"strings"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// Sample is one cumulative reading for an identifier.
type Sample struct {
	Identifier  string
	DisplayName string
	Rx          uint64
	Tx          uint64
}

// Collector reads cumulative counters. Successive calls must return
// monotonically increasing values until the underlying counter resets.
type Collector interface {
	Collect(ctx context.Context) ([]Sample, error)
}

// InterfacePrefix marks identifiers that name a network interface.
const InterfacePrefix = "iface/"

// InterfaceCollector reports per-interface byte counters. Loopback is
// skipped unless listed explicitly.
type InterfaceCollector struct {
	only map[string]bool
	read func(ctx context.Context) ([]psnet.IOCountersStat, error)
}

// NewInterfaceCollector collects the named interfaces, or every
// non-loopback interface when names is empty.
func NewInterfaceCollector(names []string) *InterfaceCollector {
	only := make(map[string]bool, len(names))
	for _, n := range names {
		only[n] = true
	}
	return &InterfaceCollector{
		only: only,
		read: func(ctx context.Context) ([]psnet.IOCountersStat, error) {
			return psnet.IOCountersWithContext(ctx, true)
		},
	}
}

func (c *InterfaceCollector) Collect(ctx context.Context) ([]Sample, error) {
	stats, err := c.read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read interface counters: %w", err)
	}
	out := make([]Sample, 0, len(stats))
	for _, st := range stats {
		if !c.wants(st.Name) {
			continue
		}
		out = append(out, Sample{
			Identifier:  InterfacePrefix + st.Name,
			DisplayName: st.Name,
			Rx:          st.BytesRecv,
			Tx:          st.BytesSent,
		})
	}
	return out, nil
}

func (c *InterfaceCollector) wants(name string) bool {
	if len(c.only) > 0 {
		return c.only[name]
	}
	return name != "lo" && !strings.HasPrefix(name, "lo0")
}
