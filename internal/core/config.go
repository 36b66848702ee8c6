package core

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultResolver   = "8.8.8.8:53"
	DefaultDomain     = "google.com"
	DefaultListenPort = 5201
	DefaultMTU        = 1500
)

// SessionRequest is everything a connect attempt needs from the config layer.
type SessionRequest struct {
	Resolver         string
	Domain           string
	SocksAuthEnabled bool
	Username         string
	Password         string
}

// WithDefaults fills an empty resolver/domain.
func (r SessionRequest) WithDefaults() SessionRequest {
	if r.Resolver == "" {
		r.Resolver = DefaultResolver
	}
	if r.Domain == "" {
		r.Domain = DefaultDomain
	}
	return r
}

// Profile is a stored connection profile.
type Profile struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	Resolver         string `yaml:"resolver"`
	Domain           string `yaml:"domain"`
	SocksAuthEnabled bool   `yaml:"socks_auth_enabled"`
	Username         string `yaml:"username,omitempty"`
	Password         string `yaml:"password,omitempty"`
	Subscription     string `yaml:"subscription,omitempty"`
}

// Request converts the profile into a session request.
func (p Profile) Request() SessionRequest {
	return SessionRequest{
		Resolver:         p.Resolver,
		Domain:           p.Domain,
		SocksAuthEnabled: p.SocksAuthEnabled,
		Username:         p.Username,
		Password:         p.Password,
	}.WithDefaults()
}

// TunnelConfig configures the external tunneling executable.
type TunnelConfig struct {
	Executable   string `yaml:"executable"`
	ListenPort   int    `yaml:"listen_port,omitempty"`
	ReadyTimeout string `yaml:"ready_timeout,omitempty"`
	ReadyPoll    string `yaml:"ready_poll,omitempty"`
	StopGrace    string `yaml:"stop_grace,omitempty"`
}

// InterfaceConfig configures the virtual interface.
type InterfaceConfig struct {
	Name           string   `yaml:"name,omitempty"`
	Address        string   `yaml:"address,omitempty"`
	MTU            int      `yaml:"mtu,omitempty"`
	DNS            []string `yaml:"dns,omitempty"`
	Routes         []string `yaml:"routes,omitempty"`
	BypassResolver *bool    `yaml:"bypass_resolver,omitempty"`
}

// BridgeConfig configures the proxy bridge artifact.
type BridgeConfig struct {
	ListenAddress string `yaml:"listen_address,omitempty"`
	TaskStackSize int    `yaml:"task_stack_size,omitempty"`
	UDP           string `yaml:"udp,omitempty"`
	StateDir      string `yaml:"state_dir,omitempty"`
}

// TrafficConfig configures the traffic accountant.
type TrafficConfig struct {
	Interval string `yaml:"interval,omitempty"`
	// Source is "interface" (kernel counters) or "bridge" (engine byte counts).
	Source string `yaml:"source,omitempty"`
}

// IPCConfig configures the control socket.
type IPCConfig struct {
	Socket string `yaml:"socket,omitempty"`
	// IdleExit stops a disconnected daemon once no control client has been
	// attached for this long. Empty disables it.
	IdleExit string `yaml:"idle_exit,omitempty"`
}

// SessionConfig holds session-level behaviour switches.
type SessionConfig struct {
	ExitOnFailure *bool `yaml:"exit_on_failure,omitempty"`
	AutoConnect   bool  `yaml:"auto_connect,omitempty"`
	// HealthInterval enables periodic listener checks while connected.
	HealthInterval string `yaml:"health_interval,omitempty"`
	HealthFailures int    `yaml:"health_failures,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Version       int                           `yaml:"version"`
	Profiles      []Profile                     `yaml:"profiles"`
	Selected      string                        `yaml:"selected,omitempty"`
	Subscriptions map[string]SubscriptionConfig `yaml:"subscriptions,omitempty"`
	Tunnel        TunnelConfig                  `yaml:"tunnel"`
	Interface     InterfaceConfig               `yaml:"interface,omitempty"`
	Bridge        BridgeConfig                  `yaml:"bridge,omitempty"`
	Traffic       TrafficConfig                 `yaml:"traffic,omitempty"`
	IPC           IPCConfig                     `yaml:"ipc,omitempty"`
	Session       SessionConfig                 `yaml:"session,omitempty"`
	Notifications bool                          `yaml:"notifications,omitempty"`
	Logging       LogConfig                     `yaml:"logging,omitempty"`
}

// parseDuration parses s, falling back to def when empty or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		Log.Warnf("Core", "Invalid duration %q, using %s", s, def)
		return def
	}
	return d
}

func (c TunnelConfig) Port() int {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return DefaultListenPort
	}
	return c.ListenPort
}

func (c TunnelConfig) ReadyTimeoutDuration() time.Duration {
	return parseDuration(c.ReadyTimeout, 2*time.Second)
}

func (c TunnelConfig) ReadyPollDuration() time.Duration {
	return parseDuration(c.ReadyPoll, 50*time.Millisecond)
}

func (c TunnelConfig) StopGraceDuration() time.Duration {
	return parseDuration(c.StopGrace, 200*time.Millisecond)
}

func (c TrafficConfig) IntervalDuration() time.Duration {
	return parseDuration(c.Interval, time.Second)
}

// UseBridgeCounters reports whether traffic is sampled from the bridge engine.
func (c TrafficConfig) UseBridgeCounters() bool { return c.Source == "bridge" }

func (c InterfaceConfig) IfName() string {
	if c.Name == "" {
		return "slipstream0"
	}
	return c.Name
}

func (c InterfaceConfig) Prefix() (netip.Prefix, error) {
	if c.Address == "" {
		return netip.MustParsePrefix("10.10.0.2/32"), nil
	}
	return netip.ParsePrefix(c.Address)
}

func (c InterfaceConfig) IfMTU() int {
	if c.MTU <= 0 {
		return DefaultMTU
	}
	return c.MTU
}

func (c InterfaceConfig) DNSServers() ([]netip.Addr, error) {
	src := c.DNS
	if len(src) == 0 {
		src = []string{"1.1.1.1"}
	}
	out := make([]netip.Addr, 0, len(src))
	for _, s := range src {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("[Core] invalid DNS server %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (c InterfaceConfig) RoutePrefixes() ([]netip.Prefix, error) {
	src := c.Routes
	if len(src) == 0 {
		src = []string{"0.0.0.0/0"}
	}
	out := make([]netip.Prefix, 0, len(src))
	for _, s := range src {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("[Core] invalid route %q: %w", s, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (c InterfaceConfig) ShouldBypassResolver() bool {
	return c.BypassResolver == nil || *c.BypassResolver
}

func (c BridgeConfig) Address() string {
	if c.ListenAddress == "" {
		return "127.0.0.1"
	}
	return c.ListenAddress
}

func (c BridgeConfig) StackSize() int {
	if c.TaskStackSize <= 0 {
		return 8192
	}
	return c.TaskStackSize
}

func (c BridgeConfig) UDPMode() string {
	if c.UDP == "" {
		return "udp"
	}
	return c.UDP
}

// Dir returns the parent directory for session-private bridge artifacts.
func (c BridgeConfig) Dir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "slipstream-vpn")
	}
	return filepath.Join(os.TempDir(), "slipstream-vpn")
}

func (c IPCConfig) SocketPath() string {
	if c.Socket == "" {
		return "/run/slipstream-vpn.sock"
	}
	return c.Socket
}

func (c IPCConfig) IdleExitDuration() time.Duration {
	return parseDuration(c.IdleExit, 0)
}

func (c SessionConfig) ShouldExitOnFailure() bool {
	return c.ExitOnFailure == nil || *c.ExitOnFailure
}

func (c SessionConfig) HealthIntervalDuration() time.Duration {
	return parseDuration(c.HealthInterval, 0)
}

func (c SessionConfig) HealthFailureLimit() int {
	if c.HealthFailures <= 0 {
		return 3
	}
	return c.HealthFailures
}

// ConfigManager handles loading, saving, and updating configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// FilePath returns the config file location.
func (cm *ConfigManager) FilePath() string {
	return cm.filePath
}

// defaultConfig returns an empty but valid configuration.
func defaultConfig() Config {
	return Config{
		Version: CurrentConfigVersion,
		Tunnel: TunnelConfig{
			Executable: "/usr/lib/slipstream/slipstream-client",
			ListenPort: DefaultListenPort,
		},
	}
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	version, migrated, err := MigrateConfig(raw)
	if err != nil {
		return fmt.Errorf("[Core] %w", err)
	}
	if migrated {
		Log.Infof("Core", "Config migrated to v%d", version)
		if data, err = yaml.Marshal(raw); err != nil {
			return fmt.Errorf("[Core] failed to re-encode migrated config: %w", err)
		}
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if migrated {
		if err := cm.Save(); err != nil {
			Log.Warnf("Core", "Failed to persist migrated config: %v", err)
		}
	}

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}

	return nil
}

// Save writes the current configuration to disk. The file holds
// credentials, so it is created owner-only.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(cm.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("[Core] failed to create config dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(cm.filePath, data, 0o600); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}

	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cfg := cm.config
	cfg.Profiles = append([]Profile(nil), cm.config.Profiles...)
	return cfg
}

// Profiles returns the stored profiles.
func (cm *ConfigManager) Profiles() []Profile {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	result := make([]Profile, len(cm.config.Profiles))
	copy(result, cm.config.Profiles)
	return result
}

// Profile looks up a profile by id.
func (cm *ConfigManager) Profile(id string) (Profile, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, p := range cm.config.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}

// SelectedProfile returns the selected profile, or the first one when the
// selection is empty or stale.
func (cm *ConfigManager) SelectedProfile() (Profile, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, p := range cm.config.Profiles {
		if p.ID == cm.config.Selected {
			return p, true
		}
	}
	if len(cm.config.Profiles) > 0 {
		return cm.config.Profiles[0], true
	}
	return Profile{}, false
}

// PutProfile inserts or replaces a profile by id.
func (cm *ConfigManager) PutProfile(p Profile) error {
	if p.ID == "" {
		return fmt.Errorf("[Core] profile id is required")
	}
	if p.Domain == "" {
		return fmt.Errorf("[Core] profile %q: domain is required", p.ID)
	}

	cm.mu.Lock()
	replaced := false
	for i := range cm.config.Profiles {
		if cm.config.Profiles[i].ID == p.ID {
			cm.config.Profiles[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		cm.config.Profiles = append(cm.config.Profiles, p)
	}
	cm.mu.Unlock()

	cm.notify()
	return nil
}

// RemoveProfile deletes a profile; clears the selection if it pointed there.
func (cm *ConfigManager) RemoveProfile(id string) bool {
	cm.mu.Lock()
	found := false
	for i, p := range cm.config.Profiles {
		if p.ID == id {
			cm.config.Profiles = append(cm.config.Profiles[:i], cm.config.Profiles[i+1:]...)
			found = true
			break
		}
	}
	if found && cm.config.Selected == id {
		cm.config.Selected = ""
	}
	cm.mu.Unlock()

	if found {
		cm.notify()
	}
	return found
}

// Select marks a profile as the default for connect requests.
func (cm *ConfigManager) Select(id string) error {
	if _, ok := cm.Profile(id); !ok {
		return fmt.Errorf("[Core] profile %q not found", id)
	}
	cm.mu.Lock()
	cm.config.Selected = id
	cm.mu.Unlock()

	cm.notify()
	return nil
}

// ReplaceSubscriptionProfiles swaps every profile owned by the named
// subscription for the given list. A stale selection falls back to none.
func (cm *ConfigManager) ReplaceSubscriptionProfiles(name string, profiles []Profile) {
	cm.mu.Lock()
	kept := cm.config.Profiles[:0:0]
	for _, p := range cm.config.Profiles {
		if p.Subscription != name {
			kept = append(kept, p)
		}
	}
	kept = append(kept, profiles...)
	cm.config.Profiles = kept

	selectedFound := false
	for _, p := range kept {
		if p.ID == cm.config.Selected {
			selectedFound = true
			break
		}
	}
	if !selectedFound {
		cm.config.Selected = ""
	}
	cm.mu.Unlock()

	cm.notify()
}

func (cm *ConfigManager) notify() {
	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
}
