package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/emptypb"

	"slipstream-vpn/internal/ipc"
	"slipstream-vpn/internal/platform"
)

type unixTransport struct{ path string }

func (u unixTransport) Listener() (net.Listener, error) { return net.Listen("unix", u.path) }

func (u unixTransport) Dial(timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", u.path, timeout)
}

type nopNotifier struct{}

func (nopNotifier) Show(string, string) error { return nil }

type noCounters struct{}

func (noCounters) Counters(string) (int64, int64) { return -1, -1 }

func testPlatform() *platform.Platform {
	return &platform.Platform{
		NewTUNAdapter: func(string) (platform.TUNAdapter, error) {
			return nil, errors.New("no tun in tests")
		},
		NewIPCTransport: func(path string) platform.IPCTransport { return unixTransport{path: path} },
		Counters:        noCounters{},
		Notifier:        nopNotifier{},
	}
}

func writeConfig(t *testing.T, extra string) (cfgPath, sock string) {
	t.Helper()
	dir := t.TempDir()
	sock = filepath.Join(dir, "ctl.sock")
	cfgPath = filepath.Join(dir, "config.yaml")
	body := "version: 2\n" +
		"tunnel:\n  executable: /bin/true\n" +
		"bridge:\n  state_dir: " + filepath.Join(dir, "state") + "\n" +
		"ipc:\n  socket: " + sock + "\n" + extra
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, sock
}

func runDaemon(t *testing.T, d *Daemon) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestDaemonServesStatusAndShutsDown(t *testing.T) {
	cfgPath, sock := writeConfig(t, "")
	d, err := New(Config{ConfigPath: cfgPath, Platform: testPlatform(), Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	errCh := runDaemon(t, d)

	var client *ipc.Client
	deadline := time.Now().Add(5 * time.Second)
	for {
		if c, err := (unixTransport{path: sock}).Dial(50 * time.Millisecond); err == nil {
			c.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("control socket never appeared")
		}
		time.Sleep(20 * time.Millisecond)
	}
	client, err = ipc.Dial(unixTransport{path: sock})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := client.Service.GetStatus(ctx, &emptypb.Empty{})
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got := st.GetFields()["state"].GetStringValue(); got != "DISCONNECTED" {
		t.Errorf("state = %q", got)
	}
	if got := st.GetFields()["version"].GetStringValue(); got != "test" {
		t.Errorf("version = %q", got)
	}

	d.Shutdown()
	if err := waitRun(t, errCh); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestDaemonExitsAfterFailedConnect(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	d, err := New(Config{ConfigPath: cfgPath, Platform: testPlatform(), Version: "test", Connect: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := waitRun(t, runDaemon(t, d)); !errors.Is(err, ErrSessionFailed) {
		t.Fatalf("Run = %v, want ErrSessionFailed", err)
	}
}

func TestDaemonStaysUpWhenExitOnFailureOff(t *testing.T) {
	cfgPath, _ := writeConfig(t, "session:\n  exit_on_failure: false\n")
	d, err := New(Config{ConfigPath: cfgPath, Platform: testPlatform(), Version: "test", Connect: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	errCh := runDaemon(t, d)

	select {
	case err := <-errCh:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	d.Shutdown()
	if err := waitRun(t, errCh); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestDaemonIdleExit(t *testing.T) {
	cfgPath, _ := writeConfig(t, "  idle_exit: 50ms\n")
	d, err := New(Config{ConfigPath: cfgPath, Platform: testPlatform(), Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := waitRun(t, runDaemon(t, d)); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestNewRequiresExecutable(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("version: 2\ntunnel:\n  executable: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{ConfigPath: cfgPath, Platform: testPlatform()}); err == nil {
		t.Fatal("expected error for empty executable")
	}
}
