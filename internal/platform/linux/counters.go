//go:build linux

package linux

import (
	psnet "github.com/shirou/gopsutil/v3/net"

	"slipstream-vpn/internal/core"
)

// InterfaceCounters implements platform.CounterSource from per-interface
// kernel statistics.
type InterfaceCounters struct{}

// Counters returns cumulative received/sent bytes for ifName, or -1, -1 when
// the interface is unknown or statistics cannot be read.
func (InterfaceCounters) Counters(ifName string) (rx, tx int64) {
	stats, err := psnet.IOCounters(true)
	if err != nil {
		core.Log.Debugf("Traffic", "IOCounters: %v", err)
		return -1, -1
	}
	for _, s := range stats {
		if s.Name == ifName {
			return int64(s.BytesRecv), int64(s.BytesSent)
		}
	}
	return -1, -1
}
