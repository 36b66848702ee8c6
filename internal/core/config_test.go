package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cm := NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config mode = %o, want 600", perm)
	}

	cfg := cm.Get()
	if cfg.Version != CurrentConfigVersion {
		t.Errorf("Version = %d, want %d", cfg.Version, CurrentConfigVersion)
	}
	if got := cfg.Tunnel.Port(); got != 5201 {
		t.Errorf("Port = %d, want 5201", got)
	}
	if got := cfg.Tunnel.ReadyTimeoutDuration(); got != 2*time.Second {
		t.Errorf("ReadyTimeout = %s, want 2s", got)
	}
	if got := cfg.Tunnel.ReadyPollDuration(); got != 50*time.Millisecond {
		t.Errorf("ReadyPoll = %s, want 50ms", got)
	}
	if got := cfg.Tunnel.StopGraceDuration(); got != 200*time.Millisecond {
		t.Errorf("StopGrace = %s, want 200ms", got)
	}
	if !cfg.Session.ShouldExitOnFailure() {
		t.Error("exit_on_failure should default to true")
	}
}

func TestInterfaceDefaults(t *testing.T) {
	var ic InterfaceConfig
	if ic.IfName() != "slipstream0" {
		t.Errorf("IfName = %q", ic.IfName())
	}
	if ic.IfMTU() != 1500 {
		t.Errorf("IfMTU = %d", ic.IfMTU())
	}
	prefix, err := ic.Prefix()
	if err != nil || prefix.String() != "10.10.0.2/32" {
		t.Errorf("Prefix = %v, %v", prefix, err)
	}
	dns, err := ic.DNSServers()
	if err != nil || len(dns) != 1 || dns[0].String() != "1.1.1.1" {
		t.Errorf("DNSServers = %v, %v", dns, err)
	}
	routes, err := ic.RoutePrefixes()
	if err != nil || len(routes) != 1 || routes[0].String() != "0.0.0.0/0" {
		t.Errorf("RoutePrefixes = %v, %v", routes, err)
	}
	if !ic.ShouldBypassResolver() {
		t.Error("bypass_resolver should default to true")
	}

	ic.DNS = []string{"not-an-ip"}
	if _, err := ic.DNSServers(); err == nil {
		t.Error("expected error for invalid DNS server")
	}
}

func TestInvalidDurationFallsBack(t *testing.T) {
	tc := TunnelConfig{ReadyTimeout: "soon", ReadyPoll: "-1s"}
	if got := tc.ReadyTimeoutDuration(); got != 2*time.Second {
		t.Errorf("ReadyTimeout = %s", got)
	}
	if got := tc.ReadyPollDuration(); got != 50*time.Millisecond {
		t.Errorf("ReadyPoll = %s", got)
	}
}

func TestLoadMigratesLegacySingleProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	legacy := `resolver: 1.1.1.1:53
domain: t.example.com
username: alice
password: secret
interface:
  dns: 9.9.9.9
`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	cm := NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, ok := cm.SelectedProfile()
	if !ok {
		t.Fatal("no selected profile after migration")
	}
	if p.ID != "cfg_legacy" || p.Domain != "t.example.com" || p.Resolver != "1.1.1.1:53" {
		t.Errorf("migrated profile = %+v", p)
	}
	if !p.SocksAuthEnabled || p.Username != "alice" || p.Password != "secret" {
		t.Errorf("migrated credentials = %+v", p)
	}

	cfg := cm.Get()
	if len(cfg.Interface.DNS) != 1 || cfg.Interface.DNS[0] != "9.9.9.9" {
		t.Errorf("Interface.DNS = %v", cfg.Interface.DNS)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "version: 2") {
		t.Errorf("migrated config was not persisted:\n%s", data)
	}
}

func TestMigrateConfigNoop(t *testing.T) {
	raw := map[string]interface{}{"version": CurrentConfigVersion}
	version, migrated, err := MigrateConfig(raw)
	if err != nil || migrated || version != CurrentConfigVersion {
		t.Errorf("MigrateConfig = %d, %v, %v", version, migrated, err)
	}
}

func TestProfileCRUD(t *testing.T) {
	cm := NewConfigManager(filepath.Join(t.TempDir(), "c.yaml"), nil)

	if err := cm.PutProfile(Profile{ID: "a"}); err == nil {
		t.Error("expected error for profile without domain")
	}
	if err := cm.PutProfile(Profile{ID: "a", Domain: "a.example"}); err != nil {
		t.Fatal(err)
	}
	if err := cm.PutProfile(Profile{ID: "b", Domain: "b.example"}); err != nil {
		t.Fatal(err)
	}
	if err := cm.PutProfile(Profile{ID: "a", Domain: "a2.example"}); err != nil {
		t.Fatal(err)
	}

	if n := len(cm.Profiles()); n != 2 {
		t.Fatalf("profiles = %d, want 2", n)
	}
	if p, _ := cm.Profile("a"); p.Domain != "a2.example" {
		t.Errorf("replace failed: %+v", p)
	}

	// Empty selection falls back to the first profile.
	if p, ok := cm.SelectedProfile(); !ok || p.ID != "a" {
		t.Errorf("SelectedProfile = %+v, %v", p, ok)
	}
	if err := cm.Select("missing"); err == nil {
		t.Error("expected error selecting unknown profile")
	}
	if err := cm.Select("b"); err != nil {
		t.Fatal(err)
	}
	if p, _ := cm.SelectedProfile(); p.ID != "b" {
		t.Errorf("SelectedProfile = %q, want b", p.ID)
	}

	if !cm.RemoveProfile("b") {
		t.Fatal("RemoveProfile returned false")
	}
	if cm.Get().Selected != "" {
		t.Error("selection not cleared after removing selected profile")
	}
	if cm.RemoveProfile("b") {
		t.Error("second RemoveProfile should return false")
	}
}

func TestProfileRequestDefaults(t *testing.T) {
	req := Profile{Domain: "d.example"}.Request()
	if req.Resolver != DefaultResolver {
		t.Errorf("Resolver = %q", req.Resolver)
	}
	req = SessionRequest{}.WithDefaults()
	if req.Domain != DefaultDomain {
		t.Errorf("Domain = %q", req.Domain)
	}
}
