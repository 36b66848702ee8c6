// Package daemon wires the session orchestrator, its collaborators and the
// control API into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"slipstream-vpn/internal/bridge"
	"slipstream-vpn/internal/bridge/netstack"
	"slipstream-vpn/internal/core"
	"slipstream-vpn/internal/ipc"
	"slipstream-vpn/internal/platform"
	"slipstream-vpn/internal/probe"
	"slipstream-vpn/internal/service"
	"slipstream-vpn/internal/session"
	"slipstream-vpn/internal/supervisor"
	"slipstream-vpn/internal/traffic"
)

// ErrSessionFailed is returned by Run when a failed connect attempt asked
// the daemon to exit.
var ErrSessionFailed = errors.New("session failed to start")

const (
	shutdownTimeout = 10 * time.Second
	ipcStopTimeout  = 2 * time.Second
)

// Config holds parameters for creating a Daemon.
type Config struct {
	ConfigPath string
	Platform   *platform.Platform
	Version    string
	// Connect starts the selected profile right after startup, in addition
	// to session.auto_connect.
	Connect bool
}

// Daemon owns every long-lived component. Build it with New, run it once.
type Daemon struct {
	cfg  Config
	plat *platform.Platform

	bus      *core.EventBus
	cfgMgr   *core.ConfigManager
	status   *core.StatusPublisher
	logs     *service.LogStreamer
	subs     *core.SubscriptionManager
	sess     *session.Session
	svc      *service.Service
	health   *service.HealthMonitor
	notify   *service.Notifications
	tracker  *ipc.ConnTracker
	server   *ipc.Server
	acct     *traffic.Accountant
	unsubs   []func()
	failed   atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New loads the configuration and builds every component. Nothing runs
// until Run.
func New(cfg Config) (*Daemon, error) {
	d := &Daemon{
		cfg:    cfg,
		plat:   cfg.Platform,
		stopCh: make(chan struct{}),
	}

	// === 1. Core components ===
	d.bus = core.NewEventBus()
	d.cfgMgr = core.NewConfigManager(cfg.ConfigPath, d.bus)
	if err := d.cfgMgr.Load(); err != nil {
		d.bus.Close()
		return nil, err
	}
	c := d.cfgMgr.Get()
	core.Log.Configure(c.Logging)
	d.status = core.NewStatusPublisher(d.bus)

	// === 2. Log replay ring (captures the tunneling process output) ===
	d.logs = service.NewLogStreamer()

	// === 3. Session collaborators ===
	opts, err := session.OptionsFromConfig(c)
	if err != nil {
		d.bus.Close()
		return nil, err
	}
	if opts.Executable == "" {
		d.bus.Close()
		return nil, fmt.Errorf("[Daemon] tunnel.executable is not set")
	}

	sup := supervisor.New("slipstream-client", d.logs.ProcessSink(), c.Tunnel.StopGraceDuration())
	engine := netstack.New()
	configurator := bridge.NewConfigurator(engine, c.Bridge.Dir())

	var sample traffic.SampleFunc = d.plat.Counters.Counters
	if c.Traffic.UseBridgeCounters() {
		sample = engine.Counters
	}
	d.acct = traffic.NewAccountant(sample, c.Traffic.IntervalDuration(), d.bus)

	// === 4. Session ===
	d.sess = session.New(opts, session.Deps{
		Establish:  d.plat.Establish,
		Process:    sup,
		Bridge:     configurator,
		Accountant: d.acct,
		Status:     d.status,
		Terminate: func() {
			core.Log.Errorf("Daemon", "Connect attempt failed, exiting")
			d.failed.Store(true)
			d.Shutdown()
		},
	})

	// === 5. Profile subscriptions ===
	d.subs = core.NewSubscriptionManager(d.cfgMgr, d.bus, nil)

	// === 6. Control API ===
	d.svc = service.New(service.Config{
		Session:       d.sess,
		Status:        d.status,
		Traffic:       d.acct,
		ConfigManager: d.cfgMgr,
		Subscriptions: d.subs,
		Logs:          d.logs,
		Bus:           d.bus,
		Version:       cfg.Version,
	})
	d.tracker = ipc.NewConnTracker(c.IPC.IdleExitDuration(), d.onAllClientsDisconnected)
	d.server = ipc.NewServer(d.svc, d.plat.NewIPCTransport(c.IPC.SocketPath()),
		grpc.ChainUnaryInterceptor(d.tracker.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(d.tracker.StreamInterceptor()),
	)

	// === 7. Health monitor and notifications ===
	port := opts.ListenPort
	d.health = service.NewHealthMonitor(c.Session, d.status,
		func(ctx context.Context) error {
			return probe.Listener(ctx, port, time.Second)
		},
		d.sess.Stop,
	)
	d.notify = service.NewNotifications(d.status, d.plat.Notifier, func() bool {
		return d.cfgMgr.Get().Notifications
	})

	return d, nil
}

// Run starts serving and blocks until ctx is cancelled, Shutdown is called,
// the daemon goes idle, or the IPC server fails. The session is always torn
// down before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	c := d.cfgMgr.Get()
	core.Log.Infof("Daemon", "Slipstream VPN %s starting (config=%s)", d.cfg.Version, d.cfgMgr.FilePath())

	if d.plat.PreStartup != nil {
		if err := d.plat.PreStartup(c.Interface.IfName()); err != nil {
			core.Log.Warnf("Daemon", "Pre-startup cleanup: %v", err)
		}
	}

	d.logs.Start()
	d.notify.Start()
	d.health.Start()

	subCtx, cancelSubs := context.WithCancel(ctx)
	defer cancelSubs()
	d.subs.Start(subCtx)

	d.unsubs = append(d.unsubs,
		d.bus.Subscribe(core.EventConfigReloaded, func(core.Event) {
			core.Log.Configure(d.cfgMgr.Get().Logging)
		}),
		d.status.Subscribe(func(ev core.StatusEvent) {
			if ev.State == core.StateDisconnected {
				d.tracker.Arm()
			}
		}),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Start()
	}()
	core.Log.Infof("Daemon", "Control socket %s", c.IPC.SocketPath())

	if d.cfg.Connect || c.Session.AutoConnect {
		d.connectSelected()
	}
	d.tracker.Arm()

	var runErr error
	select {
	case <-ctx.Done():
		core.Log.Infof("Daemon", "Shutdown signal received")
	case <-d.stopCh:
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("[Daemon] control server: %w", err)
		}
	}

	d.shutdown()
	if runErr == nil && d.failed.Load() {
		runErr = ErrSessionFailed
	}
	return runErr
}

func (d *Daemon) connectSelected() {
	req := core.SessionRequest{SocksAuthEnabled: true}.WithDefaults()
	if p, ok := d.cfgMgr.SelectedProfile(); ok {
		core.Log.Infof("Daemon", "Auto-connect with profile %s (%s)", p.ID, p.Name)
		req = p.Request()
	} else {
		core.Log.Warnf("Daemon", "Auto-connect: no profile configured, using defaults")
	}
	d.sess.Connect(req)
}

// shutdown stops components in reverse start order.
func (d *Daemon) shutdown() {
	core.Log.Infof("Daemon", "Shutting down...")
	d.tracker.CancelGrace()

	done := make(chan struct{})
	go func() {
		defer close(done)

		d.health.Stop()
		d.sess.Close()

		stopped := make(chan struct{})
		go func() {
			d.server.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(ipcStopTimeout):
			d.server.ForceStop()
		}

		d.subs.Stop()
		d.notify.Stop()
		for _, unsub := range d.unsubs {
			unsub()
		}
		d.logs.Stop()
		d.bus.Close()
	}()

	select {
	case <-done:
		core.Log.Infof("Daemon", "Shutdown complete")
	case <-time.After(shutdownTimeout):
		core.Log.Errorf("Daemon", "Shutdown timed out after %s", shutdownTimeout)
	}
}

// onAllClientsDisconnected is called by ConnTracker when the idle period
// elapsed with no control client. A running session keeps the daemon up.
func (d *Daemon) onAllClientsDisconnected() {
	if st := d.sess.State(); st != core.StateDisconnected {
		core.Log.Debugf("Daemon", "Idle timer expired while %s, staying up", st)
		return
	}
	core.Log.Infof("Daemon", "No clients and no session, exiting")
	d.Shutdown()
}

// Shutdown asks Run to return. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}
