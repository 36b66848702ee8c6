package session

import (
	"fmt"
	"time"
)

// LaunchError means the tunneling executable is missing, could not be
// spawned, or died before it became ready.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return "launch failed: " + e.Err.Error() }

func (e *LaunchError) Unwrap() error { return e.Err }

// BindTimeoutError means the process never opened its SOCKS5 listener.
type BindTimeoutError struct {
	Port    int
	Timeout time.Duration
}

func (e *BindTimeoutError) Error() string {
	return fmt.Sprintf("listener on port %d not ready after %s", e.Port, e.Timeout)
}

// InterfaceError means the virtual interface could not be established.
type InterfaceError struct {
	Err error
}

func (e *InterfaceError) Error() string { return "interface: " + e.Err.Error() }

func (e *InterfaceError) Unwrap() error { return e.Err }

// BridgeStartError means the bridge rejected the artifact or descriptor.
type BridgeStartError struct {
	Err error
}

func (e *BridgeStartError) Error() string { return "bridge: " + e.Err.Error() }

func (e *BridgeStartError) Unwrap() error { return e.Err }
