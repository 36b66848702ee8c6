//go:build linux

package linux

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"slipstream-vpn/internal/core"
	"slipstream-vpn/internal/platform"
)

// splitDefault replaces a default route with two halves, so the system
// default route stays in place and longest-prefix match still picks the TUN.
var splitDefault = map[netip.Prefix][]netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/0"): {
		netip.MustParsePrefix("0.0.0.0/1"),
		netip.MustParsePrefix("128.0.0.0/1"),
	},
	netip.MustParsePrefix("::/0"): {
		netip.MustParsePrefix("::/1"),
		netip.MustParsePrefix("8000::/1"),
	},
}

// RouteManager implements platform.RouteManager over rtnetlink.
type RouteManager struct {
	tunIndex int
	realNIC  platform.RealNIC

	mu     sync.Mutex
	routes []*netlink.Route // everything we added, in order
}

// NewRouteManager creates a route manager for the TUN with the given index.
func NewRouteManager(tunIndex int) *RouteManager {
	return &RouteManager{tunIndex: tunIndex}
}

// DiscoverRealNIC finds the IPv4 default route that does not point at the TUN.
func (rm *RouteManager) DiscoverRealNIC() (platform.RealNIC, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil && !errors.Is(err, netlink.ErrDumpInterrupted) {
		return platform.RealNIC{}, fmt.Errorf("[Route] list routes: %w", err)
	}

	var best *netlink.Route
	for i := range routes {
		r := &routes[i]
		if !isDefaultDst(r.Dst) || r.Gw == nil || r.LinkIndex == rm.tunIndex {
			continue
		}
		if best == nil || r.Priority < best.Priority {
			best = r
		}
	}
	if best == nil {
		return platform.RealNIC{}, fmt.Errorf("[Route] no default gateway found")
	}

	gw, ok := netip.AddrFromSlice(best.Gw)
	if !ok {
		return platform.RealNIC{}, fmt.Errorf("[Route] bad gateway %v", best.Gw)
	}
	nic := platform.RealNIC{Index: best.LinkIndex, Gateway: gw.Unmap()}

	if link, err := netlink.LinkByIndex(best.LinkIndex); err == nil {
		nic.Name = link.Attrs().Name
		if addrs, err := netlink.AddrList(link, netlink.FAMILY_V4); err == nil && len(addrs) > 0 {
			if a, ok := netip.AddrFromSlice(addrs[0].IP); ok {
				nic.LocalIP = a.Unmap()
			}
		}
	}

	rm.realNIC = nic
	core.Log.Infof("Route", "Real NIC: %s (Index=%d, Gateway=%s, LocalIP=%s)",
		nic.Name, nic.Index, nic.Gateway, nic.LocalIP)
	return nic, nil
}

// RealNICInfo returns the previously discovered real NIC information.
func (rm *RouteManager) RealNICInfo() platform.RealNIC { return rm.realNIC }

// SetRoutes installs the given prefixes through the TUN link.
func (rm *RouteManager) SetRoutes(prefixes []netip.Prefix) error {
	for _, p := range expandRoutes(prefixes) {
		route := &netlink.Route{
			LinkIndex: rm.tunIndex,
			Dst:       prefixToIPNet(p),
			Scope:     netlink.SCOPE_LINK,
		}
		if err := rm.add(route); err != nil {
			return fmt.Errorf("[Route] add %s: %w", p, err)
		}
	}
	core.Log.Infof("Route", "Routes set via ifIndex=%d: %v", rm.tunIndex, prefixes)
	return nil
}

// AddBypassRoute adds a host route for dst via the real NIC gateway.
func (rm *RouteManager) AddBypassRoute(dst netip.Addr) error {
	if !rm.realNIC.Gateway.IsValid() {
		return fmt.Errorf("[Route] no real NIC gateway for bypass route")
	}
	if dst.Is4() != rm.realNIC.Gateway.Is4() {
		core.Log.Debugf("Route", "Skipping bypass for %s: gateway family differs", dst)
		return nil
	}

	route := &netlink.Route{
		LinkIndex: rm.realNIC.Index,
		Dst:       prefixToIPNet(netip.PrefixFrom(dst, dst.BitLen())),
		Gw:        net.IP(rm.realNIC.Gateway.AsSlice()),
	}
	if err := rm.add(route); err != nil {
		return fmt.Errorf("[Route] bypass %s: %w", dst, err)
	}
	core.Log.Infof("Route", "Added bypass route: %s via %s", dst, rm.realNIC.Gateway)
	return nil
}

func (rm *RouteManager) add(route *netlink.Route) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if err := netlink.RouteAdd(route); err != nil {
		if errors.Is(err, unix.EEXIST) {
			// Someone else owns it; do not remove it on cleanup.
			return nil
		}
		return err
	}
	rm.routes = append(rm.routes, route)
	return nil
}

// Cleanup removes all routes added by this manager, newest first.
func (rm *RouteManager) Cleanup() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var lastErr error
	for i := len(rm.routes) - 1; i >= 0; i-- {
		err := netlink.RouteDel(rm.routes[i])
		// The kernel already drops TUN routes when the link goes away.
		if err != nil && !errors.Is(err, unix.ESRCH) && !errors.Is(err, unix.ENODEV) {
			lastErr = err
		}
	}
	rm.routes = nil

	if lastErr != nil {
		core.Log.Warnf("Route", "Cleanup completed with errors: %v", lastErr)
		return lastErr
	}
	core.Log.Infof("Route", "Cleanup completed")
	return nil
}

// expandRoutes splits default routes into their two halves.
func expandRoutes(prefixes []netip.Prefix) []netip.Prefix {
	var out []netip.Prefix
	for _, p := range prefixes {
		p = p.Masked()
		if halves, ok := splitDefault[p]; ok {
			out = append(out, halves...)
			continue
		}
		out = append(out, p)
	}
	return out
}

func isDefaultDst(dst *net.IPNet) bool {
	if dst == nil || dst.IP == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0
}
