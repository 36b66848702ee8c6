package ipc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"slipstream-vpn/internal/core"
)

// ConnTracker counts in-flight control RPCs (unary calls and Watch
// streams). When the count drops to zero it arms a grace timer and calls
// onIdle if no client returns before it fires.
type ConnTracker struct {
	active      atomic.Int64
	gracePeriod time.Duration
	onIdle      func() // called when grace period expires with no clients

	mu         sync.Mutex
	graceTimer *time.Timer
}

// NewConnTracker creates a ConnTracker. A non-positive grace period
// disables the idle callback; counting still works.
func NewConnTracker(gracePeriod time.Duration, onIdle func()) *ConnTracker {
	return &ConnTracker{
		gracePeriod: gracePeriod,
		onIdle:      onIdle,
	}
}

// ActiveCount returns the current number of active RPCs.
func (ct *ConnTracker) ActiveCount() int64 {
	return ct.active.Load()
}

// CancelGrace cancels any pending grace timer. Used during explicit shutdown
// to prevent the idle callback from firing.
func (ct *ConnTracker) CancelGrace() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.graceTimer != nil {
		ct.graceTimer.Stop()
		ct.graceTimer = nil
	}
}

func (ct *ConnTracker) inc() {
	n := ct.active.Add(1)
	if n == 1 {
		// Went from 0 → 1: cancel any pending grace timer.
		ct.mu.Lock()
		if ct.graceTimer != nil {
			ct.graceTimer.Stop()
			ct.graceTimer = nil
			core.Log.Debugf("IPC", "Client reconnected, idle timer cancelled")
		}
		ct.mu.Unlock()
	}
}

func (ct *ConnTracker) dec() {
	if ct.active.Add(-1) == 0 {
		ct.Arm()
	}
}

// Arm starts the grace timer if no RPC is in flight. The daemon calls it at
// startup and whenever the session becomes idle.
func (ct *ConnTracker) Arm() {
	if ct.gracePeriod <= 0 || ct.active.Load() != 0 {
		return
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.graceTimer != nil {
		ct.graceTimer.Stop()
	}
	core.Log.Debugf("IPC", "No control clients, idle timer %s", ct.gracePeriod)
	ct.graceTimer = time.AfterFunc(ct.gracePeriod, func() {
		ct.mu.Lock()
		ct.graceTimer = nil
		ct.mu.Unlock()
		if ct.active.Load() == 0 && ct.onIdle != nil {
			ct.onIdle()
		}
	})
}

// UnaryInterceptor returns a gRPC unary server interceptor that tracks active RPCs.
func (ct *ConnTracker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ct.inc()
		defer ct.dec()
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream server interceptor that tracks active streams.
func (ct *ConnTracker) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ct.inc()
		defer ct.dec()
		return handler(srv, ss)
	}
}
