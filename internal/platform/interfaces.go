package platform

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// RealNIC holds information about the system's real internet-facing NIC.
type RealNIC struct {
	Name    string
	Index   int
	Gateway netip.Addr
	LocalIP netip.Addr // NIC's own IPv4 address
}

// InterfaceSpec describes the virtual interface a session asks for.
type InterfaceSpec struct {
	Name    string
	Address netip.Prefix
	MTU     int
	DNS     []netip.Addr
	Routes  []netip.Prefix
	// Bypass lists hosts that must keep using the real NIC (the tunnel's
	// own resolver), so its traffic does not loop through the TUN.
	Bypass []netip.Addr
}

// VirtualInterface is an established TUN grant. It owns the raw descriptor
// until Close.
type VirtualInterface interface {
	// Name returns the kernel interface name (e.g. "slipstream0").
	Name() string
	// Index returns the kernel interface index.
	Index() int
	// FD returns the raw TUN descriptor handed to the bridge.
	FD() int
	// MTU returns the configured MTU.
	MTU() int
	// Revoked is closed when the OS takes the interface away.
	Revoked() <-chan struct{}
	// Close removes routes and DNS settings, then releases the device.
	Close() error
}

// TUNAdapter abstracts the kernel TUN device.
type TUNAdapter interface {
	// Name returns the adapter's interface name.
	Name() string
	// InterfaceIndex returns the adapter's interface index.
	InterfaceIndex() int
	// FD returns the raw descriptor for packet I/O.
	FD() int
	// Configure assigns the address and MTU and brings the link up.
	Configure(addr netip.Prefix, mtu int) error
	// SetDNS configures DNS servers on the adapter.
	SetDNS(servers []netip.Addr) error
	// Close tears down the adapter.
	Close() error
}

// RouteManager abstracts system routing table management.
type RouteManager interface {
	// DiscoverRealNIC finds the current default gateway (non-TUN) NIC.
	DiscoverRealNIC() (RealNIC, error)
	// RealNICInfo returns the previously discovered real NIC info.
	RealNICInfo() RealNIC
	// SetRoutes routes the given prefixes through the TUN adapter. A default
	// route is installed as 0/1 + 128/1 so the system default stays intact.
	SetRoutes(prefixes []netip.Prefix) error
	// AddBypassRoute adds a host route through the real NIC.
	AddBypassRoute(dst netip.Addr) error
	// Cleanup removes all routes added by this manager.
	Cleanup() error
}

// NetworkMonitor watches for link changes until closed.
type NetworkMonitor interface {
	Close() error
}

// CounterSource reports cumulative byte counters for an interface.
// Both values are -1 when the platform cannot report them.
type CounterSource interface {
	Counters(ifName string) (rx, tx int64)
}

// IPCTransport abstracts the IPC transport layer (Unix domain socket).
type IPCTransport interface {
	// Listener creates a server-side listener.
	Listener() (net.Listener, error)
	// Dial connects to the IPC endpoint with the given timeout.
	Dial(timeout time.Duration) (net.Conn, error)
}

// Notifier sends desktop notifications.
type Notifier interface {
	// Show displays a notification.
	Show(title, message string) error
}

// EstablishFunc brings up a virtual interface for a session.
type EstablishFunc func(ctx context.Context, spec InterfaceSpec) (VirtualInterface, error)
