//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"slipstream-vpn/internal/daemon"
	"slipstream-vpn/internal/platform/linux"
)

// Build info, injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "/etc/slipstream-vpn/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	connect := flag.Bool("connect", false, "Connect the selected profile on startup")
	flag.Parse()

	if *showVersion {
		fmt.Printf("slipstream-vpn %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	d, err := daemon.New(daemon.Config{
		ConfigPath: *configPath,
		Platform:   linux.NewPlatform(),
		Version:    version,
		Connect:    *connect,
	})
	if err != nil {
		log.Fatalf("[Core] Failed to start: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		if errors.Is(err, daemon.ErrSessionFailed) {
			log.Printf("[Core] %v", err)
			os.Exit(2)
		}
		log.Fatalf("[Core] Fatal: %v", err)
	}
}
