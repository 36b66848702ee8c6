package traffic

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"slipstream-vpn/internal/core"
)

// scriptedSource returns one scripted sample per call and repeats the
// last one when exhausted.
type scriptedSource struct {
	mu      sync.Mutex
	samples [][2]int64
	calls   int
}

func (s *scriptedSource) sample(string) (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.samples) {
		i = len(s.samples) - 1
	}
	s.calls++
	return s.samples[i][0], s.samples[i][1]
}

func collect(t *testing.T, bus *core.EventBus) (func() []core.TrafficSnapshot, func()) {
	t.Helper()
	var mu sync.Mutex
	var got []core.TrafficSnapshot
	unsub := bus.Subscribe(core.EventTraffic, func(e core.Event) {
		mu.Lock()
		got = append(got, e.Payload.(core.TrafficSnapshot))
		mu.Unlock()
	})
	return func() []core.TrafficSnapshot {
		mu.Lock()
		defer mu.Unlock()
		return append([]core.TrafficSnapshot(nil), got...)
	}, unsub
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSnapshotsAreClampedAndDerived(t *testing.T) {
	src := &scriptedSource{samples: [][2]int64{
		{1000, 500}, // baseline
		{1500, 700}, // +500 / +200
		{-1, -1},    // transient sentinel, skipped
		{1200, 900}, // rx reset below last: rate clamps to 0
		{800, 1000}, // rx below baseline: total clamps to 0
	}}
	bus := core.NewEventBus()
	defer bus.Close()
	snaps, unsub := collect(t, bus)
	defer unsub()

	a := NewAccountant(src.sample, 5*time.Millisecond, bus)
	tk := a.Start(context.Background(), "slipstream0", nil)
	defer tk.Stop()

	// Baseline snapshot plus three derived ones.
	waitFor(t, func() bool { return len(snaps()) >= 4 })
	tk.Stop()

	got := snaps()
	want := []core.TrafficSnapshot{
		{},
		{CumulativeRx: 500, CumulativeTx: 200, RateRx: 500, RateTx: 200},
		{CumulativeRx: 200, CumulativeTx: 400, RateRx: 0, RateTx: 200},
		{CumulativeRx: 0, CumulativeTx: 500, RateRx: 0, RateTx: 100},
	}
	for i, w := range want {
		g := got[i]
		g.Timestamp = time.Time{}
		if g != w {
			t.Errorf("snapshot %d = %+v, want %+v", i, g, w)
		}
	}
	for _, s := range got {
		if s.CumulativeRx < 0 || s.CumulativeTx < 0 || s.RateRx < 0 || s.RateTx < 0 {
			t.Errorf("negative field in %+v", s)
		}
	}
}

func TestUnsupportedBaselineStopsSampling(t *testing.T) {
	src := &scriptedSource{samples: [][2]int64{{-1, -1}}}
	a := NewAccountant(src.sample, time.Millisecond, nil)

	tk := a.Start(context.Background(), "slipstream0", nil)
	select {
	case <-tk.Done():
	default:
		t.Fatal("ticker should already be finished")
	}
	time.Sleep(20 * time.Millisecond)

	if !a.Latest().Unsupported {
		t.Error("Latest should report unsupported")
	}
	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	if calls != 1 {
		t.Errorf("sampled %d times after unsupported baseline", calls)
	}
	tk.Stop()
}

func TestAliveCheckStopsTicking(t *testing.T) {
	src := &scriptedSource{samples: [][2]int64{{0, 0}}}
	var alive atomic.Bool
	alive.Store(true)

	a := NewAccountant(src.sample, 2*time.Millisecond, nil)
	tk := a.Start(context.Background(), "slipstream0", alive.Load)
	alive.Store(false)

	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop once alive reported false")
	}
}

func TestCancelStopsTicking(t *testing.T) {
	src := &scriptedSource{samples: [][2]int64{{0, 0}}}
	ctx, cancel := context.WithCancel(context.Background())
	a := NewAccountant(src.sample, time.Hour, nil)

	tk := a.Start(ctx, "slipstream0", nil)
	cancel()
	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatal("ticker ignored cancellation")
	}
	tk.Stop()
	(*Ticker)(nil).Stop()
}

func TestStartAfterCancelDoesNothing(t *testing.T) {
	src := &scriptedSource{samples: [][2]int64{{10, 10}}}
	bus := core.NewEventBus()
	defer bus.Close()
	snaps, unsub := collect(t, bus)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewAccountant(src.sample, time.Millisecond, bus)
	tk := a.Start(ctx, "slipstream0", nil)
	select {
	case <-tk.Done():
	default:
		t.Fatal("ticker should already be finished")
	}
	tk.Stop()
	time.Sleep(20 * time.Millisecond)

	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	if calls != 0 {
		t.Errorf("sampled %d times after cancellation", calls)
	}
	if got := snaps(); len(got) != 0 {
		t.Errorf("published %d snapshots after cancellation", len(got))
	}
}

func TestFormat(t *testing.T) {
	bytes := map[int64]string{
		0:               "0 B",
		1023:            "1023 B",
		1536:            "1.5 KB",
		5 * 1024 * 1024: "5.00 MB",
		3 << 30:         "3.00 GB",
	}
	for n, want := range bytes {
		if got := FormatBytes(n); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", n, got, want)
		}
	}

	rates := map[int64]string{
		12:      "12 B/s",
		2048:    "2.0 KB/s",
		3 << 20: "3.00 MB/s",
	}
	for n, want := range rates {
		if got := FormatRate(n); got != want {
			t.Errorf("FormatRate(%d) = %q, want %q", n, got, want)
		}
	}

	if got := Describe(core.TrafficSnapshot{Unsupported: true}); got == "" {
		t.Error("empty unsupported description")
	}
}
