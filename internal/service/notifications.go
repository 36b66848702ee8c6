package service

import (
	"slipstream-vpn/internal/core"
	"slipstream-vpn/internal/platform"
)

const notificationTitle = "Slipstream VPN"

// Notifications mirrors session state changes to desktop notifications.
type Notifications struct {
	status   *core.StatusPublisher
	notifier platform.Notifier
	enabled  func() bool
	unsub    func()
}

// NewNotifications creates the notifier bridge. enabled is consulted on each
// event so config reloads take effect without a restart.
func NewNotifications(status *core.StatusPublisher, notifier platform.Notifier, enabled func() bool) *Notifications {
	return &Notifications{status: status, notifier: notifier, enabled: enabled}
}

// Start subscribes to status events.
func (n *Notifications) Start() {
	n.unsub = n.status.Subscribe(n.onStatus)
}

// Stop unsubscribes.
func (n *Notifications) Stop() {
	if n.unsub != nil {
		n.unsub()
	}
}

func (n *Notifications) onStatus(ev core.StatusEvent) {
	if n.enabled != nil && !n.enabled() {
		return
	}
	msg, ok := notificationText(ev)
	if !ok {
		return
	}
	if err := n.notifier.Show(notificationTitle, msg); err != nil {
		core.Log.Debugf("Notify", "Show failed: %v", err)
	}
}

// notificationText returns the message for states worth a notification.
func notificationText(ev core.StatusEvent) (string, bool) {
	switch ev.State {
	case core.StateConnected:
		return "Connected", true
	case core.StateError:
		return "Connection failed: " + ev.Reason, true
	case core.StateDisconnected:
		if ev.Reason == "" {
			return "Disconnected", true
		}
		return "Disconnected (" + ev.Reason + ")", true
	}
	return "", false
}
