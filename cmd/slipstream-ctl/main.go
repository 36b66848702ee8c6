//go:build linux

package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"slipstream-vpn/internal/core"
	"slipstream-vpn/internal/platform"
	"slipstream-vpn/internal/platform/linux"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags.
var (
	configPath string
	socketPath string
	jsonOutput bool
	timeout    time.Duration
)

var diagLog = log.New(os.Stdout, "", 0)

func main() {
	args := parseGlobalFlags(os.Args[1:])
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	// Session.
	case "status":
		runStatus()
	case "connect":
		runConnect(cmdArgs)
	case "disconnect":
		runDisconnect()
	case "watch":
		runWatch(false)
	case "logs":
		runWatch(true)

	// Profiles.
	case "profiles":
		runProfiles()
	case "import":
		if len(cmdArgs) < 1 {
			fatal("usage: slipstream-ctl import <text-with-link|-> [--select]")
		}
		runImport(cmdArgs[0], hasFlag(cmdArgs[1:], "--select"))
	case "export":
		id := ""
		if len(cmdArgs) > 0 {
			id = cmdArgs[0]
		}
		runExport(id)
	case "select":
		if len(cmdArgs) < 1 {
			fatal("usage: slipstream-ctl select <profile_id>")
		}
		runSelect(cmdArgs[0])
	case "refresh":
		runRefresh()

	// Probes.
	case "probe":
		if len(cmdArgs) == 0 {
			fatal("usage: slipstream-ctl probe <listener|resolver|latency|full> [args]")
		}
		runProbe(cmdArgs[0], cmdArgs[1:])

	case "version":
		fmt.Printf("slipstream-ctl %s (commit: %s, built: %s)\n", version, commit, buildDate)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

// parseGlobalFlags extracts --config, --socket, --json, --timeout from args
// and returns the remaining args.
func parseGlobalFlags(args []string) []string {
	var remaining []string
	timeout = 10 * time.Second

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--socket":
			if i+1 < len(args) {
				socketPath = args[i+1]
				i++
			}
		case "--json":
			jsonOutput = true
		case "--timeout":
			if i+1 < len(args) {
				if d, err := time.ParseDuration(args[i+1]); err == nil {
					timeout = d
				}
				i++
			}
		default:
			remaining = append(remaining, args[i])
		}
	}

	if configPath == "" {
		configPath = "/etc/slipstream-vpn/config.yaml"
	}
	return remaining
}

// loadConfig reads the daemon config without creating it. A missing or
// unreadable file yields the defaults.
func loadConfig() core.Config {
	var cfg core.Config
	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		diagLog.Printf("Warning: parse %s: %v", configPath, err)
	}
	return cfg
}

func transport() platform.IPCTransport {
	path := socketPath
	if path == "" {
		path = loadConfig().IPC.SocketPath()
	}
	return linux.NewIPCTransport(path)
}

// flagValue returns the value following name in args.
func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

func intFlag(args []string, name string, def int) int {
	if v := flagValue(args, name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func printUsage() {
	fmt.Println(`slipstream-ctl: Slipstream VPN control and diagnostic tool

Usage: slipstream-ctl [global flags] <command> [args]

Session:
  status                                 Show session state and traffic
  connect [profile_id]                   Connect a stored profile (selected if empty)
  connect --domain D [--resolver R] [--no-auth] [--user U --pass P]
                                         Connect with inline parameters
  disconnect                             Disconnect and wait for teardown
  watch                                  Stream status, traffic and log events
  logs                                   Stream log lines only

Profiles:
  profiles                               List stored profiles
  import <text|-> [--select]             Import the first slipstream:// link found
  export [profile_id]                    Print a profile as a slipstream:// link
  select <profile_id>                    Make a profile the default
  refresh                                Refresh profile subscriptions

Probes:
  probe listener [--port N]              Check the local SOCKS5 listener
  probe resolver [--resolver R] [--domain D]
                                         Query the tunnel domain through a resolver
  probe latency [--url U] [--proxy socks5://host:port]
                                         HTTP 204 latency test
  probe full                             Run all probes for the selected profile

Global Flags:
  --config <path>      Daemon config (default: /etc/slipstream-vpn/config.yaml)
  --socket <path>      Control socket (default: from config)
  --json               Output in JSON format
  --timeout <duration> RPC and probe timeout (default: 10s)

Other:
  version              Show version info`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", fmt.Sprintf(format, args...))
	os.Exit(1)
}
