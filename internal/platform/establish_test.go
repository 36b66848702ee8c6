package platform

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.calls, ",")
}

type fakeTUN struct {
	rec          *recorder
	configureErr error
}

func (f *fakeTUN) Name() string        { return "tun9" }
func (f *fakeTUN) InterfaceIndex() int { return 9 }
func (f *fakeTUN) FD() int             { return 42 }
func (f *fakeTUN) Configure(netip.Prefix, int) error {
	f.rec.add("configure")
	return f.configureErr
}
func (f *fakeTUN) SetDNS([]netip.Addr) error { f.rec.add("dns"); return nil }
func (f *fakeTUN) Close() error              { f.rec.add("tun-close"); return nil }

type fakeRoutes struct {
	rec      *recorder
	routeErr error
}

func (f *fakeRoutes) DiscoverRealNIC() (RealNIC, error) { f.rec.add("discover"); return RealNIC{}, nil }
func (f *fakeRoutes) RealNICInfo() RealNIC              { return RealNIC{} }
func (f *fakeRoutes) SetRoutes([]netip.Prefix) error    { f.rec.add("routes"); return f.routeErr }
func (f *fakeRoutes) AddBypassRoute(netip.Addr) error   { f.rec.add("bypass"); return nil }
func (f *fakeRoutes) Cleanup() error                    { f.rec.add("routes-cleanup"); return nil }

type fakeMonitor struct{ rec *recorder }

func (f *fakeMonitor) Close() error { f.rec.add("monitor-close"); return nil }

func newFakePlatform(rec *recorder, tun *fakeTUN, routes *fakeRoutes, onGone *func()) *Platform {
	return &Platform{
		NewTUNAdapter: func(string) (TUNAdapter, error) { return tun, nil },
		NewRouteManager: func(int) RouteManager {
			return routes
		},
		NewNetworkMonitor: func(_ int, gone func()) (NetworkMonitor, error) {
			if onGone != nil {
				*onGone = gone
			}
			return &fakeMonitor{rec: rec}, nil
		},
	}
}

func testSpec() InterfaceSpec {
	return InterfaceSpec{
		Name:    "tun9",
		Address: netip.MustParsePrefix("10.10.0.2/32"),
		MTU:     1500,
		DNS:     []netip.Addr{netip.MustParseAddr("1.1.1.1")},
		Routes:  []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
		Bypass:  []netip.Addr{netip.MustParseAddr("8.8.8.8")},
	}
}

func TestEstablishAndClose(t *testing.T) {
	rec := &recorder{}
	p := newFakePlatform(rec, &fakeTUN{rec: rec}, &fakeRoutes{rec: rec}, nil)

	vi, err := p.Establish(context.Background(), testSpec())
	if err != nil {
		t.Fatal(err)
	}
	if vi.FD() != 42 || vi.MTU() != 1500 || vi.Name() != "tun9" {
		t.Errorf("descriptor = fd %d mtu %d name %s", vi.FD(), vi.MTU(), vi.Name())
	}
	if got := rec.joined(); got != "configure,discover,bypass,routes,dns" {
		t.Errorf("bring-up order = %s", got)
	}

	rec.calls = nil
	vi.Close()
	vi.Close()
	if got := rec.joined(); got != "monitor-close,routes-cleanup,tun-close" {
		t.Errorf("close order = %s", got)
	}
}

func TestEstablishUnwindsOnFailure(t *testing.T) {
	rec := &recorder{}
	routes := &fakeRoutes{rec: rec, routeErr: errors.New("no route")}
	p := newFakePlatform(rec, &fakeTUN{rec: rec}, routes, nil)

	if _, err := p.Establish(context.Background(), testSpec()); err == nil {
		t.Fatal("expected error")
	}
	got := rec.joined()
	if !strings.HasSuffix(got, "routes-cleanup,tun-close") {
		t.Errorf("unwind = %s", got)
	}
	if strings.Contains(got, "dns") {
		t.Errorf("DNS set after failure: %s", got)
	}
}

func TestEstablishHonoursCancellation(t *testing.T) {
	rec := &recorder{}
	p := newFakePlatform(rec, &fakeTUN{rec: rec}, &fakeRoutes{rec: rec}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Establish(ctx, testSpec()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := rec.joined(); !strings.HasSuffix(got, "tun-close") {
		t.Errorf("TUN not released: %s", got)
	}
}

func TestRevocationClosesChannelOnce(t *testing.T) {
	rec := &recorder{}
	var gone func()
	p := newFakePlatform(rec, &fakeTUN{rec: rec}, &fakeRoutes{rec: rec}, &gone)

	vi, err := p.Establish(context.Background(), testSpec())
	if err != nil {
		t.Fatal(err)
	}
	defer vi.Close()

	gone()
	gone()
	select {
	case <-vi.Revoked():
	case <-time.After(time.Second):
		t.Fatal("Revoked not closed")
	}
}
