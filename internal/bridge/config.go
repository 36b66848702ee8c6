// Package bridge renders the proxy bridge configuration artifact and starts
// or stops the bridge engine against a virtual interface descriptor.
package bridge

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"slipstream-vpn/internal/core"
)

// Settings is the immutable content of one bridge artifact.
type Settings struct {
	TaskStackSize int
	MTU           int
	Address       string
	Port          int
	UDP           string
	// Username and Password are set only when SOCKS auth is in use.
	Username string
	Password string
}

// HasAuth reports whether the artifact carries credentials.
func (s Settings) HasAuth() bool { return s.Username != "" && s.Password != "" }

// NewSettings builds bridge settings for a connect attempt. Credentials are
// kept only when auth is enabled and both values are non-blank.
func NewSettings(req core.SessionRequest, cfg core.BridgeConfig, mtu, port int) Settings {
	s := Settings{
		TaskStackSize: cfg.StackSize(),
		MTU:           mtu,
		Address:       cfg.Address(),
		Port:          port,
		UDP:           cfg.UDPMode(),
	}
	if req.SocksAuthEnabled && strings.TrimSpace(req.Username) != "" && strings.TrimSpace(req.Password) != "" {
		s.Username = req.Username
		s.Password = req.Password
	}
	return s
}

// Render produces the artifact text.
func Render(s Settings) []byte {
	var sb strings.Builder
	sb.WriteString("misc:\n")
	sb.WriteString("  task-stack-size: " + strconv.Itoa(s.TaskStackSize) + "\n")
	sb.WriteString("tunnel:\n")
	sb.WriteString("  mtu: " + strconv.Itoa(s.MTU) + "\n")
	sb.WriteString("socks5:\n")
	sb.WriteString("  port: " + strconv.Itoa(s.Port) + "\n")
	sb.WriteString("  address: " + quote(s.Address) + "\n")
	sb.WriteString("  udp: " + quote(s.UDP) + "\n")
	if s.HasAuth() {
		sb.WriteString("  username: " + quote(s.Username) + "\n")
		sb.WriteString("  password: " + quote(s.Password) + "\n")
	}
	return []byte(sb.String())
}

// escape applies the artifact's quoting rules: a backslash is doubled, then
// a single quote is doubled.
func escape(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `'`, `''`)
}

func unescape(s string) string {
	return strings.ReplaceAll(s, `\\`, `\`)
}

func quote(s string) string { return "'" + escape(s) + "'" }

type artifactDoc struct {
	Misc struct {
		TaskStackSize int `yaml:"task-stack-size"`
	} `yaml:"misc"`
	Tunnel struct {
		MTU int `yaml:"mtu"`
	} `yaml:"tunnel"`
	Socks5 struct {
		Port     int    `yaml:"port"`
		Address  string `yaml:"address"`
		UDP      string `yaml:"udp"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"socks5"`
}

// ParseArtifact reads an artifact the way the bridge does: YAML single-quote
// rules undo the doubled quote and the bridge undoes the doubled backslash.
func ParseArtifact(data []byte) (Settings, error) {
	var doc artifactDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Settings{}, fmt.Errorf("[Bridge] parse artifact: %w", err)
	}
	if doc.Socks5.Port <= 0 || doc.Socks5.Port > 65535 {
		return Settings{}, fmt.Errorf("[Bridge] artifact: invalid socks5 port %d", doc.Socks5.Port)
	}
	if doc.Tunnel.MTU <= 0 {
		return Settings{}, fmt.Errorf("[Bridge] artifact: invalid mtu %d", doc.Tunnel.MTU)
	}
	return Settings{
		TaskStackSize: doc.Misc.TaskStackSize,
		MTU:           doc.Tunnel.MTU,
		Address:       unescape(doc.Socks5.Address),
		Port:          doc.Socks5.Port,
		UDP:           unescape(doc.Socks5.UDP),
		Username:      unescape(doc.Socks5.Username),
		Password:      unescape(doc.Socks5.Password),
	}, nil
}
