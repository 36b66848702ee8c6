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
)

const tunDevice = "/dev/net/tun"

// TUNAdapter implements platform.TUNAdapter on a /dev/net/tun device.
// The device is not persistent: closing the descriptor removes the link.
type TUNAdapter struct {
	name    string
	fd      int
	ifIndex int

	dnsSet    bool
	closeOnce sync.Once
	closeErr  error
}

// NewTUNAdapter creates a TUN device (IFF_TUN|IFF_NO_PI) named name.
func NewTUNAdapter(name string) (*TUNAdapter, error) {
	fd, err := unix.Open(tunDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("[TUN] open %s: %w", tunDevice, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("[TUN] ifreq %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("[TUN] TUNSETIFF %s: %w", name, err)
	}

	// The bridge engine polls the descriptor itself.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("[TUN] set nonblock: %w", err)
	}

	a := &TUNAdapter{name: ifr.Name(), fd: fd}

	iface, err := net.InterfaceByName(a.name)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("[TUN] interface lookup %s: %w", a.name, err)
	}
	a.ifIndex = iface.Index

	core.Log.Infof("TUN", "Device %s created (ifIndex=%d)", a.name, a.ifIndex)
	return a, nil
}

func (a *TUNAdapter) Name() string        { return a.name }
func (a *TUNAdapter) InterfaceIndex() int { return a.ifIndex }
func (a *TUNAdapter) FD() int             { return a.fd }

// Configure assigns the address, sets the MTU and brings the link up.
func (a *TUNAdapter) Configure(addr netip.Prefix, mtu int) error {
	link, err := netlink.LinkByIndex(a.ifIndex)
	if err != nil {
		return fmt.Errorf("[TUN] link %s: %w", a.name, err)
	}
	if err := netlink.AddrReplace(link, &netlink.Addr{IPNet: prefixToIPNet(addr)}); err != nil {
		return fmt.Errorf("[TUN] address %s: %w", addr, err)
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("[TUN] mtu %d: %w", mtu, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("[TUN] link up: %w", err)
	}
	return nil
}

// SetDNS points the link's resolver at servers via systemd-resolved.
func (a *TUNAdapter) SetDNS(servers []netip.Addr) error {
	if err := setLinkDNS(a.name, servers); err != nil {
		return err
	}
	a.dnsSet = true
	return nil
}

// Close reverts DNS and releases the descriptor. Idempotent.
func (a *TUNAdapter) Close() error {
	a.closeOnce.Do(func() {
		if a.dnsSet {
			revertLinkDNS(a.name)
		}
		if err := unix.Close(a.fd); err != nil && !errors.Is(err, unix.EBADF) {
			a.closeErr = fmt.Errorf("[TUN] close %s: %w", a.name, err)
			return
		}
		core.Log.Infof("TUN", "Device %s closed", a.name)
	})
	return a.closeErr
}

// removeStaleLink deletes a TUN link left behind by a crashed run.
func removeStaleLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("[TUN] lookup %s: %w", name, err)
	}
	if link.Type() != "tuntap" {
		return fmt.Errorf("[TUN] %s exists and is a %s link, refusing to remove it", name, link.Type())
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("[TUN] remove stale %s: %w", name, err)
	}
	core.Log.Warnf("TUN", "Removed stale device %s", name)
	return nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
