// Package probe holds the connectivity checks used by the daemon's health
// monitor and the diagnostic CLI.
package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Listener dials the local SOCKS5 listener on port and closes the
// connection right away.
func Listener(ctx context.Context, port int, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("[Probe] listener %d: %w", port, err)
	}
	return c.Close()
}
