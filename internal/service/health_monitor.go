package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"slipstream-vpn/internal/core"
)

// HealthCheck reports whether the connected session still works.
type HealthCheck func(ctx context.Context) error

// HealthMonitor periodically runs a check while the session is CONNECTED.
// After failureLimit consecutive failures it calls markUnhealthy once and
// waits for the next connection.
type HealthMonitor struct {
	status        *core.StatusPublisher
	check         HealthCheck
	markUnhealthy func(reason string)
	interval      time.Duration
	failureLimit  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failures int
	// connectedAt identifies the CONNECTED publish the failure count belongs to.
	connectedAt time.Time
	tripped     bool
}

// NewHealthMonitor creates a monitor from the session config. Does not start
// it; a zero interval leaves it disabled.
func NewHealthMonitor(
	cfg core.SessionConfig,
	status *core.StatusPublisher,
	check HealthCheck,
	markUnhealthy func(reason string),
) *HealthMonitor {
	return &HealthMonitor{
		status:        status,
		check:         check,
		markUnhealthy: markUnhealthy,
		interval:      cfg.HealthIntervalDuration(),
		failureLimit:  cfg.HealthFailureLimit(),
	}
}

// Start begins the periodic check loop.
func (hm *HealthMonitor) Start() {
	if hm.interval <= 0 {
		core.Log.Debugf("Health", "Health monitor disabled")
		return
	}
	hm.ctx, hm.cancel = context.WithCancel(context.Background())
	hm.wg.Add(1)
	go hm.loop()
	core.Log.Infof("Health", "Health monitor started (interval=%s, failures=%d)", hm.interval, hm.failureLimit)
}

// Stop cancels the loop and waits for an in-flight check.
func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) loop() {
	defer hm.wg.Done()
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.checkOnce()
		}
	}
}

func (hm *HealthMonitor) checkOnce() {
	last := hm.status.Last()
	if last.State != core.StateConnected {
		hm.failures = 0
		hm.tripped = false
		return
	}
	if !last.Timestamp.Equal(hm.connectedAt) {
		hm.connectedAt = last.Timestamp
		hm.failures = 0
		hm.tripped = false
	}
	if hm.tripped {
		return
	}

	ctx, cancel := context.WithTimeout(hm.ctx, hm.interval)
	err := hm.check(ctx)
	cancel()
	if err == nil {
		if hm.failures > 0 {
			core.Log.Infof("Health", "Session healthy again after %d failed checks", hm.failures)
		}
		hm.failures = 0
		return
	}
	if hm.ctx.Err() != nil {
		return
	}

	hm.failures++
	core.Log.Warnf("Health", "Check failed (%d/%d): %v", hm.failures, hm.failureLimit, err)
	if hm.failures < hm.failureLimit {
		return
	}
	hm.tripped = true
	reason := fmt.Sprintf("unhealthy: %d failed checks", hm.failures)
	core.Log.Errorf("Health", "Session %s, disconnecting", reason)
	hm.markUnhealthy(reason)
}
