// Package traffic samples cumulative byte counters for a session and derives
// totals and per-tick rates.
package traffic

import (
	"context"
	"sync"
	"time"

	"slipstream-vpn/internal/core"
)

// DefaultInterval is the sampling period.
const DefaultInterval = time.Second

// SampleFunc returns cumulative counters for identity. Negative values mean
// the platform cannot report them.
type SampleFunc func(identity string) (rx, tx int64)

// Accountant turns raw counters into TrafficSnapshots.
type Accountant struct {
	sample   SampleFunc
	interval time.Duration
	bus      *core.EventBus

	mu     sync.RWMutex
	latest core.TrafficSnapshot
}

// NewAccountant creates an accountant. bus may be nil.
func NewAccountant(sample SampleFunc, interval time.Duration, bus *core.EventBus) *Accountant {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Accountant{sample: sample, interval: interval, bus: bus}
}

// Ticker is one running sampling loop.
type Ticker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the loop and waits for it to return. Safe on nil.
func (t *Ticker) Stop() {
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Done is closed when the loop has exited.
func (t *Ticker) Done() <-chan struct{} { return t.done }

// Start captures the baseline for identity and begins sampling. alive is
// consulted before every tick; sampling ends once it reports false.
// If the baseline is unsupported, a single Unsupported snapshot is
// published and the returned ticker is already finished.
func (a *Accountant) Start(ctx context.Context, identity string, alive func() bool) *Ticker {
	ctx, cancel := context.WithCancel(ctx)
	t := &Ticker{cancel: cancel, done: make(chan struct{})}
	if ctx.Err() != nil {
		close(t.done)
		return t
	}

	baseRx, baseTx := a.sample(identity)
	if baseRx < 0 || baseTx < 0 {
		core.Log.Warnf("Traffic", "Counters unsupported for %s", identity)
		a.emit(core.TrafficSnapshot{Unsupported: true, Timestamp: time.Now()})
		close(t.done)
		return t
	}

	a.emit(core.TrafficSnapshot{Timestamp: time.Now()})
	go a.loop(ctx, t.done, identity, alive, baseRx, baseTx)
	return t
}

// Latest returns the most recent snapshot.
func (a *Accountant) Latest() core.TrafficSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

func (a *Accountant) loop(ctx context.Context, done chan struct{}, identity string, alive func() bool, baseRx, baseTx int64) {
	defer close(done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	lastRx, lastTx := baseRx, baseTx
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil || (alive != nil && !alive()) {
			return
		}

		rx, tx := a.sample(identity)
		if rx < 0 || tx < 0 {
			continue
		}

		a.emit(core.TrafficSnapshot{
			CumulativeRx: max(0, rx-baseRx),
			CumulativeTx: max(0, tx-baseTx),
			RateRx:       max(0, rx-lastRx),
			RateTx:       max(0, tx-lastTx),
			Timestamp:    time.Now(),
		})
		lastRx, lastTx = rx, tx
	}
}

func (a *Accountant) emit(s core.TrafficSnapshot) {
	a.mu.Lock()
	a.latest = s
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(core.Event{Type: core.EventTraffic, Payload: s})
	}
}
