package platform

// Platform aggregates all platform-specific implementations.
// Populated by the platform-specific factory (NewPlatform) in platform/linux/.
type Platform struct {
	NewTUNAdapter     func(name string) (TUNAdapter, error)
	NewRouteManager   func(tunIndex int) RouteManager
	NewNetworkMonitor func(ifIndex int, onGone func()) (NetworkMonitor, error)
	NewIPCTransport   func(socketPath string) IPCTransport

	Counters CounterSource
	Notifier Notifier

	// PreStartup runs platform-specific initialization before the daemon
	// accepts requests (e.g., removing a TUN left by a crashed run).
	PreStartup func(ifName string) error

	// FlushSystemDNS flushes the system DNS cache.
	FlushSystemDNS func() error
}
