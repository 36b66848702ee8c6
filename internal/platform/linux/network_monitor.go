//go:build linux

package linux

import (
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"slipstream-vpn/internal/core"
)

// NetworkMonitor watches rtnetlink link updates and reports when the
// watched link is deleted or loses IFF_UP.
type NetworkMonitor struct {
	ifIndex int
	onGone  func()

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewNetworkMonitor subscribes to link updates for ifIndex. onGone fires at
// most once.
func NewNetworkMonitor(ifIndex int, onGone func()) (*NetworkMonitor, error) {
	m := &NetworkMonitor{
		ifIndex: ifIndex,
		onGone:  onGone,
		done:    make(chan struct{}),
	}

	updates := make(chan netlink.LinkUpdate, 16)
	err := netlink.LinkSubscribeWithOptions(updates, m.done, netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) {
			core.Log.Warnf("NetMon", "Link subscription error: %v", err)
		},
	})
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go m.loop(updates)
	return m, nil
}

func (m *NetworkMonitor) loop(updates <-chan netlink.LinkUpdate) {
	defer m.wg.Done()
	var fired bool
	for {
		select {
		case <-m.done:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if fired || int(u.Index) != m.ifIndex {
				continue
			}
			gone := u.Header.Type == unix.RTM_DELLINK || u.Flags&unix.IFF_UP == 0
			if gone {
				fired = true
				core.Log.Warnf("NetMon", "Link %d went away (msg=%d flags=%#x)", m.ifIndex, u.Header.Type, u.Flags)
				m.onGone()
			}
		}
	}
}

// Close stops the subscription and waits for the loop to exit.
func (m *NetworkMonitor) Close() error {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
	return nil
}
