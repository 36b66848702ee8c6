//go:build linux

// Package linux provides Linux platform implementations: /dev/net/tun
// adapter, rtnetlink routes and link watch, systemd-resolved DNS,
// per-interface counters, Unix domain socket IPC, notify-send notifications.
package linux

import (
	"slipstream-vpn/internal/platform"
)

// NewPlatform creates a Platform configured for Linux.
func NewPlatform() *platform.Platform {
	return &platform.Platform{
		NewTUNAdapter: func(name string) (platform.TUNAdapter, error) {
			return NewTUNAdapter(name)
		},
		NewRouteManager: func(tunIndex int) platform.RouteManager {
			return NewRouteManager(tunIndex)
		},
		NewNetworkMonitor: func(ifIndex int, onGone func()) (platform.NetworkMonitor, error) {
			return NewNetworkMonitor(ifIndex, onGone)
		},
		NewIPCTransport: func(socketPath string) platform.IPCTransport {
			return NewIPCTransport(socketPath)
		},

		Counters: InterfaceCounters{},
		Notifier: &Notifier{},

		PreStartup: removeStaleLink,

		FlushSystemDNS: flushSystemDNS,
	}
}
