package session

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"slipstream-vpn/internal/core"
	"slipstream-vpn/internal/platform"
)

// Options are the static parameters of every activation.
type Options struct {
	Executable   string
	ListenPort   int
	ReadyTimeout time.Duration
	ReadyPoll    time.Duration

	Interface      platform.InterfaceSpec
	BypassResolver bool
	Bridge         core.BridgeConfig

	ExitOnFailure bool
}

// OptionsFromConfig derives session options from the loaded configuration.
func OptionsFromConfig(c core.Config) (Options, error) {
	prefix, err := c.Interface.Prefix()
	if err != nil {
		return Options{}, fmt.Errorf("[Session] interface address: %w", err)
	}
	dns, err := c.Interface.DNSServers()
	if err != nil {
		return Options{}, err
	}
	routes, err := c.Interface.RoutePrefixes()
	if err != nil {
		return Options{}, err
	}

	return Options{
		Executable:   c.Tunnel.Executable,
		ListenPort:   c.Tunnel.Port(),
		ReadyTimeout: c.Tunnel.ReadyTimeoutDuration(),
		ReadyPoll:    c.Tunnel.ReadyPollDuration(),
		Interface: platform.InterfaceSpec{
			Name:    c.Interface.IfName(),
			Address: prefix,
			MTU:     c.Interface.IfMTU(),
			DNS:     dns,
			Routes:  routes,
		},
		BypassResolver: c.Interface.ShouldBypassResolver(),
		Bridge:         c.Bridge,
		ExitOnFailure:  c.Session.ShouldExitOnFailure(),
	}, nil
}

func (o Options) withDefaults() Options {
	if o.ListenPort <= 0 {
		o.ListenPort = core.DefaultListenPort
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 2 * time.Second
	}
	if o.ReadyPoll <= 0 {
		o.ReadyPoll = 50 * time.Millisecond
	}
	if o.Interface.MTU <= 0 {
		o.Interface.MTU = core.DefaultMTU
	}
	return o
}

// interfaceSpec returns the interface template for req. The resolver is
// excluded from the tunnel when it is a literal IP address.
func (o Options) interfaceSpec(req core.SessionRequest) platform.InterfaceSpec {
	spec := o.Interface
	spec.Bypass = nil
	if !o.BypassResolver {
		return spec
	}
	host, _, err := net.SplitHostPort(req.Resolver)
	if err != nil {
		host = req.Resolver
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		spec.Bypass = []netip.Addr{addr.Unmap()}
	} else {
		core.Log.Warnf("Session", "Resolver %q is not an IP address, no bypass route", req.Resolver)
	}
	return spec
}
