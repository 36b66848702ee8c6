//go:build linux

package linux

import "os/exec"

// Notifier implements platform.Notifier using notify-send.
type Notifier struct{}

// Show displays a desktop notification.
func (n *Notifier) Show(title, message string) error {
	return exec.Command("notify-send", "--app-name=slipstream-vpn", title, message).Run()
}
