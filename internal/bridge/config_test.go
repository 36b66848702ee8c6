package bridge

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"slipstream-vpn/internal/core"
)

func TestRenderWithoutAuth(t *testing.T) {
	req := core.SessionRequest{Resolver: "8.8.8.8:53", Domain: "example.com"}
	s := NewSettings(req, core.BridgeConfig{}, 1500, 5201)

	want := "misc:\n" +
		"  task-stack-size: 8192\n" +
		"tunnel:\n" +
		"  mtu: 1500\n" +
		"socks5:\n" +
		"  port: 5201\n" +
		"  address: '127.0.0.1'\n" +
		"  udp: 'udp'\n"
	if got := string(Render(s)); got != want {
		t.Errorf("Render:\n%s\nwant:\n%s", got, want)
	}
}

func TestCredentialsRequireAuthAndNonBlankValues(t *testing.T) {
	cases := []struct {
		name string
		req  core.SessionRequest
		auth bool
	}{
		{"auth off", core.SessionRequest{Username: "u", Password: "p"}, false},
		{"blank user", core.SessionRequest{SocksAuthEnabled: true, Username: "  ", Password: "p"}, false},
		{"empty password", core.SessionRequest{SocksAuthEnabled: true, Username: "u"}, false},
		{"both set", core.SessionRequest{SocksAuthEnabled: true, Username: "u", Password: "p"}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := NewSettings(c.req, core.BridgeConfig{}, 1500, 5201)
			out := string(Render(s))
			has := strings.Contains(out, "username:") && strings.Contains(out, "password:")
			if has != c.auth {
				t.Errorf("credentials rendered = %v, want %v\n%s", has, c.auth, out)
			}
		})
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	cases := []struct{ user, pass string }{
		{`o'brien`, `pa\ss`},
		{`a\'b`, `''\\`},
		{`plain`, `trailing\`},
		{`日本`, `it's \n not a newline`},
	}
	for _, c := range cases {
		req := core.SessionRequest{SocksAuthEnabled: true, Username: c.user, Password: c.pass}
		in := NewSettings(req, core.BridgeConfig{}, 1400, 6000)

		out, err := ParseArtifact(Render(in))
		if err != nil {
			t.Fatalf("ParseArtifact: %v", err)
		}
		if out != in {
			t.Errorf("round trip:\n got %+v\nwant %+v", out, in)
		}
	}
}

func TestEscape(t *testing.T) {
	if got := escape(`a\b'c`); got != `a\\b''c` {
		t.Errorf("escape = %q", got)
	}
}

func TestParseArtifactRejectsBadInput(t *testing.T) {
	for _, data := range []string{
		"socks5: [",
		"tunnel:\n  mtu: 1500\nsocks5:\n  port: 0\n",
		"tunnel:\n  mtu: 0\nsocks5:\n  port: 1080\n",
	} {
		if _, err := ParseArtifact([]byte(data)); err == nil {
			t.Errorf("ParseArtifact(%q) should fail", data)
		}
	}
}

type fakeEngine struct {
	startErr error
	started  int
	stopped  int
	path     string
	fd       int
}

func (f *fakeEngine) Start(path string, fd int) error {
	f.started++
	f.path, f.fd = path, fd
	return f.startErr
}

func (f *fakeEngine) Stop() error {
	f.stopped++
	return errors.New("ignored")
}

func TestConfiguratorLifecycle(t *testing.T) {
	base := filepath.Join(t.TempDir(), "state")
	eng := &fakeEngine{}
	c := NewConfigurator(eng, base)

	a, err := c.Render(Settings{TaskStackSize: 8192, MTU: 1500, Address: "127.0.0.1", Port: 5201, UDP: "udp"})
	if err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("artifact mode = %o", fi.Mode().Perm())
	}
	di, _ := os.Stat(filepath.Dir(a.Path))
	if di.Mode().Perm() != 0o700 {
		t.Errorf("artifact dir mode = %o", di.Mode().Perm())
	}

	if err := c.Start(a, 7); err != nil {
		t.Fatal(err)
	}
	if eng.path != a.Path || eng.fd != 7 || !c.Running() {
		t.Errorf("engine got %q fd %d", eng.path, eng.fd)
	}
	if err := c.Start(a, 7); err == nil {
		t.Error("second Start should fail")
	}

	// Engine stop errors are swallowed.
	c.Stop()
	c.Stop()
	if eng.stopped != 1 {
		t.Errorf("engine stopped %d times", eng.stopped)
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Error("artifact not removed on Stop")
	}
}

func TestConfiguratorStartError(t *testing.T) {
	eng := &fakeEngine{startErr: errors.New("bad fd")}
	c := NewConfigurator(eng, t.TempDir())

	a, err := c.Render(Settings{MTU: 1500, Port: 1})
	if err != nil {
		t.Fatal(err)
	}
	err = c.Start(a, 3)
	var se *StartError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StartError", err)
	}
	if c.Running() {
		t.Error("Running after failed start")
	}

	// Stop still cleans up the rendered artifact.
	c.Stop()
	if eng.stopped != 0 {
		t.Error("engine Stop called although it never started")
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Error("artifact not removed")
	}
}

func TestConfiguratorRejectsBadDescriptor(t *testing.T) {
	c := NewConfigurator(&fakeEngine{}, t.TempDir())
	a, _ := c.Render(Settings{MTU: 1500, Port: 1})
	if err := c.Start(a, -1); err == nil {
		t.Error("expected error for negative descriptor")
	}
	c.Stop()
}
