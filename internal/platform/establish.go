package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"slipstream-vpn/internal/core"
)

// Establish brings up a virtual interface: TUN device, address and MTU,
// bypass routes, captured routes, DNS, and a watch for OS revocation. Any
// step failing unwinds the ones before it.
func (p *Platform) Establish(ctx context.Context, spec InterfaceSpec) (VirtualInterface, error) {
	tun, err := p.NewTUNAdapter(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("[Iface] create TUN: %w", err)
	}

	vi := &virtualInterface{
		tun:     tun,
		mtu:     spec.MTU,
		revoked: make(chan struct{}),
	}
	ok := false
	defer func() {
		if !ok {
			vi.Close()
		}
	}()

	if err := tun.Configure(spec.Address, spec.MTU); err != nil {
		return nil, fmt.Errorf("[Iface] configure %s: %w", tun.Name(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vi.routes = p.NewRouteManager(tun.InterfaceIndex())
	if len(spec.Bypass) > 0 {
		if _, err := vi.routes.DiscoverRealNIC(); err != nil {
			return nil, fmt.Errorf("[Iface] discover real NIC: %w", err)
		}
		for _, dst := range spec.Bypass {
			if err := vi.routes.AddBypassRoute(dst); err != nil {
				return nil, fmt.Errorf("[Iface] bypass %s: %w", dst, err)
			}
		}
	}
	if err := vi.routes.SetRoutes(spec.Routes); err != nil {
		return nil, fmt.Errorf("[Iface] routes: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(spec.DNS) > 0 {
		if err := tun.SetDNS(spec.DNS); err != nil {
			core.Log.Warnf("DNS", "Failed to set DNS on %s: %v", tun.Name(), err)
		}
	}

	if p.NewNetworkMonitor != nil {
		mon, err := p.NewNetworkMonitor(tun.InterfaceIndex(), vi.revoke)
		if err != nil {
			core.Log.Warnf("Iface", "Revocation watch unavailable for %s: %v", tun.Name(), err)
		} else {
			vi.monitor = mon
		}
	}

	ok = true
	core.Log.Infof("Iface", "Interface %s up (index=%d, addr=%s, mtu=%d)",
		tun.Name(), tun.InterfaceIndex(), spec.Address, spec.MTU)
	return vi, nil
}

type virtualInterface struct {
	tun     TUNAdapter
	routes  RouteManager
	monitor NetworkMonitor
	mtu     int

	revokeOnce sync.Once
	revoked    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (v *virtualInterface) Name() string             { return v.tun.Name() }
func (v *virtualInterface) Index() int               { return v.tun.InterfaceIndex() }
func (v *virtualInterface) FD() int                  { return v.tun.FD() }
func (v *virtualInterface) MTU() int                 { return v.mtu }
func (v *virtualInterface) Revoked() <-chan struct{} { return v.revoked }

func (v *virtualInterface) revoke() {
	v.revokeOnce.Do(func() {
		core.Log.Warnf("Iface", "Interface %s revoked by the system", v.tun.Name())
		close(v.revoked)
	})
}

// Close is idempotent. The monitor goes first so our own link removal is
// not reported as a revocation.
func (v *virtualInterface) Close() error {
	v.closeOnce.Do(func() {
		var errs []error
		if v.monitor != nil {
			if err := v.monitor.Close(); err != nil {
				errs = append(errs, fmt.Errorf("monitor: %w", err))
			}
		}
		if v.routes != nil {
			if err := v.routes.Cleanup(); err != nil {
				errs = append(errs, fmt.Errorf("routes: %w", err))
			}
		}
		if err := v.tun.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tun: %w", err))
		}
		v.closeErr = errors.Join(errs...)
	})
	return v.closeErr
}
