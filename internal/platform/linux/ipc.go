//go:build linux

package linux

import (
	"net"
	"os"
	"path/filepath"
	"time"
)

// IPCTransport implements platform.IPCTransport using a Unix domain socket.
type IPCTransport struct {
	path string
}

// NewIPCTransport creates a Unix domain socket IPC transport at path.
func NewIPCTransport(path string) *IPCTransport {
	return &IPCTransport{path: path}
}

// Listener creates the socket for the gRPC server.
func (t *IPCTransport) Listener() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return nil, err
	}
	// Remove stale socket file from previous run.
	os.Remove(t.path)
	ln, err := net.Listen("unix", t.path)
	if err != nil {
		return nil, err
	}
	// Owner and group only; the daemon runs as root.
	if err := os.Chmod(t.path, 0o660); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Dial connects to the daemon's socket.
func (t *IPCTransport) Dial(timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", t.path, timeout)
}
