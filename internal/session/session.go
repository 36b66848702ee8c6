// Package session is the VPN session orchestrator. It brings up the virtual
// interface, the tunneling process, the bridge and the traffic accountant
// in order, and tears them down exactly once per activation regardless of
// which trigger (user, failure, revocation) asked first.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"slipstream-vpn/internal/bridge"
	"slipstream-vpn/internal/core"
	"slipstream-vpn/internal/platform"
	"slipstream-vpn/internal/probe"
	"slipstream-vpn/internal/supervisor"
	"slipstream-vpn/internal/traffic"
)

// ProcessRunner starts and stops the tunneling executable.
type ProcessRunner interface {
	Start(ctx context.Context, path string, args ...string) (*supervisor.Handle, error)
	Stop(h *supervisor.Handle)
}

// Bridge renders the bridge artifact and drives the bridge engine.
type Bridge interface {
	Render(s bridge.Settings) (*bridge.Artifact, error)
	Start(a *bridge.Artifact, tunFD int) error
	Stop()
}

// Deps are the collaborators a Session coordinates. They are injected once
// and never looked up later.
type Deps struct {
	Establish  platform.EstablishFunc
	Process    ProcessRunner
	Bridge     Bridge
	Accountant *traffic.Accountant
	Status     *core.StatusPublisher

	// Ready reports whether the SOCKS5 listener accepts connections.
	// Defaults to a loopback TCP dial.
	Ready func(ctx context.Context, port int) bool
	// Terminate is invoked after a failed attempt has been fully torn down
	// when Options.ExitOnFailure is set.
	Terminate func()
}

// activation holds the resources of one connect attempt. Bring-up writes
// the resource fields before closing upDone; teardown reads them only after.
type activation struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	req    core.SessionRequest

	vi     platform.VirtualInterface
	proc   *supervisor.Handle
	ticker *traffic.Ticker

	upDone chan struct{}
	done   chan struct{}
}

// Session owns at most one activation at a time.
type Session struct {
	opts Options
	deps Deps

	mu       sync.Mutex
	state    core.SessionState
	stopping bool
	act      *activation
}

// New creates an idle session.
func New(opts Options, deps Deps) *Session {
	if deps.Ready == nil {
		deps.Ready = dialReady
	}
	return &Session{
		opts:  opts.withDefaults(),
		deps:  deps,
		state: core.StateDisconnected,
	}
}

// State returns the current state.
func (s *Session) State() core.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InterfaceName returns the held interface name, or "" when none is held.
func (s *Session) InterfaceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.act == nil || s.act.vi == nil {
		return ""
	}
	return s.act.vi.Name()
}

// setState moves the state machine and publishes. Caller holds s.mu.
func (s *Session) setState(st core.SessionState, reason string) {
	if st != s.state && !canTransition(s.state, st) {
		core.Log.Warnf("Session", "Unexpected transition %s -> %s", s.state, st)
	}
	s.state = st
	s.deps.Status.Publish(st, reason)
}

// Connect starts an activation for req and returns once CONNECTING has been
// published. Bring-up continues in the background; its outcome is reported
// through the status publisher only.
func (s *Session) Connect(req core.SessionRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.act != nil && s.state == core.StateConnected && !s.stopping:
		s.deps.Status.Publish(core.StateConnected, "already running")
		return
	case s.act != nil || s.stopping:
		core.Log.Infof("Session", "Connect ignored while %s", s.state)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	act := &activation{
		ctx:    gctx,
		cancel: cancel,
		group:  g,
		req:    req.WithDefaults(),
		upDone: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.act = act
	s.setState(core.StateConnecting, "starting")
	core.Log.Infof("Session", "Connecting resolver=%s domain=%s auth=%v",
		act.req.Resolver, act.req.Domain, act.req.SocksAuthEnabled)

	go s.bringUp(act)
}

func (s *Session) bringUp(act *activation) {
	err := s.activate(act)
	close(act.upDone)

	if err == nil {
		s.mu.Lock()
		if s.act == act && !s.stopping {
			s.setState(core.StateConnected, "connected")
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		// A stop took over; it owns teardown.
		return
	}

	if !s.beginStop(act, core.StateError, "start failed: "+err.Error()) {
		core.Log.Debugf("Session", "Bring-up abandoned: %v", err)
		return
	}
	core.Log.Errorf("Session", "Start failed: %v", err)
	s.stopAll(act)
	s.finish(act, "start failed")

	if s.opts.ExitOnFailure && s.deps.Terminate != nil {
		s.deps.Terminate()
	}
}

func (s *Session) activate(act *activation) error {
	ctx := act.ctx
	port := s.opts.ListenPort

	vi, err := s.deps.Establish(ctx, s.opts.interfaceSpec(act.req))
	if err != nil {
		return &InterfaceError{Err: err}
	}
	s.mu.Lock()
	act.vi = vi
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	h, err := s.deps.Process.Start(ctx, s.opts.Executable,
		"--resolver", act.req.Resolver,
		"--domain", act.req.Domain,
		"--tcp-listen-port", strconv.Itoa(port),
	)
	if err != nil {
		return &LaunchError{Err: err}
	}
	act.proc = h

	if err := s.waitReady(ctx, h, port); err != nil {
		return err
	}

	settings := bridge.NewSettings(act.req, s.opts.Bridge, vi.MTU(), port)
	artifact, err := s.deps.Bridge.Render(settings)
	if err != nil {
		return &BridgeStartError{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.deps.Bridge.Start(artifact, vi.FD()); err != nil {
		return &BridgeStartError{Err: err}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.deps.Accountant != nil {
		act.ticker = s.deps.Accountant.Start(ctx, vi.Name(), func() bool { return s.alive(act) })
	}

	act.group.Go(func() error {
		select {
		case <-ctx.Done():
		case <-vi.Revoked():
			core.Log.Warnf("Session", "Interface %s revoked", vi.Name())
			go s.stopActivation(act, "revoked")
		}
		return nil
	})
	act.group.Go(func() error {
		select {
		case <-ctx.Done():
		case <-h.Done():
			core.Log.Warnf("Session", "Tunnel process exited (code=%d) while session active", h.ExitCode())
		}
		return nil
	})
	return nil
}

// waitReady polls the SOCKS5 listener until it answers, the process dies,
// the deadline passes or ctx is cancelled.
func (s *Session) waitReady(ctx context.Context, h *supervisor.Handle, port int) error {
	deadline := time.NewTimer(s.opts.ReadyTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.opts.ReadyPoll)
	defer poll.Stop()

	for {
		if s.deps.Ready(ctx, port) {
			core.Log.Debugf("Session", "Listener on port %d ready", port)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.Done():
			return &LaunchError{Err: fmt.Errorf("process exited with code %d before listening", h.ExitCode())}
		case <-deadline.C:
			return &BindTimeoutError{Port: port, Timeout: s.opts.ReadyTimeout}
		case <-poll.C:
		}
	}
}

func dialReady(ctx context.Context, port int) bool {
	return probe.Listener(ctx, port, 50*time.Millisecond) == nil
}

// alive reports whether act still holds its interface and no stop is in
// progress.
func (s *Session) alive(act *activation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.act == act && !s.stopping && act.vi != nil
}

// Disconnect stops the current activation and returns once teardown has
// completed, whichever caller ran it.
func (s *Session) Disconnect() {
	s.Stop("stopped")
}

// Stop is Disconnect with an explicit reason for the published events.
func (s *Session) Stop(reason string) {
	s.mu.Lock()
	act := s.act
	s.mu.Unlock()
	if act == nil {
		core.Log.Debugf("Session", "Stop: not running")
		return
	}
	s.stopActivation(act, reason)
}

// Close disconnects any activation. Used on daemon shutdown.
func (s *Session) Close() {
	s.Stop("shutdown")
}

func (s *Session) stopActivation(act *activation, reason string) {
	if !s.beginStop(act, core.StateDisconnecting, reason) {
		<-act.done
		return
	}
	act.cancel()
	<-act.upDone
	s.stopAll(act)
	s.finish(act, reason)
}

// beginStop claims teardown of act. Only the first caller wins.
func (s *Session) beginStop(act *activation, st core.SessionState, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.act != act || s.stopping {
		return false
	}
	s.stopping = true
	s.setState(st, reason)
	return true
}

// stopAll releases every resource of act in dependency order. All errors
// are logged; teardown always runs to the end.
func (s *Session) stopAll(act *activation) {
	core.Log.Infof("Session", "Tearing down")

	act.ticker.Stop()
	s.deps.Bridge.Stop()

	s.mu.Lock()
	vi := act.vi
	s.mu.Unlock()
	if vi != nil {
		if err := vi.Close(); err != nil {
			core.Log.Warnf("Session", "Release interface: %v", err)
		}
	}

	if act.proc != nil {
		s.deps.Process.Stop(act.proc)
	}

	act.cancel()
	if err := act.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		core.Log.Warnf("Session", "Background task: %v", err)
	}
}

func (s *Session) finish(act *activation, reason string) {
	s.mu.Lock()
	act.vi = nil
	act.proc = nil
	act.ticker = nil
	s.act = nil
	s.stopping = false
	s.setState(core.StateDisconnected, reason)
	s.mu.Unlock()
	close(act.done)
}
