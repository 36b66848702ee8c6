package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"slipstream-vpn/internal/core"
)

const artifactName = "bridge.yaml"

// Engine is the bridge subsystem: it moves packets between the TUN
// descriptor and the SOCKS5 endpoint named in the artifact.
type Engine interface {
	Start(artifactPath string, tunFD int) error
	Stop() error
}

// StartError reports that the engine rejected the artifact or descriptor.
type StartError struct {
	Err error
}

func (e *StartError) Error() string { return "bridge start: " + e.Err.Error() }

func (e *StartError) Unwrap() error { return e.Err }

// Artifact is a rendered configuration on disk.
type Artifact struct {
	Path     string
	Settings Settings
	dir      string
}

// Remove deletes the artifact and its private directory.
func (a *Artifact) Remove() error {
	if a == nil || a.dir == "" {
		return nil
	}
	return os.RemoveAll(a.dir)
}

// Configurator renders artifacts and drives the engine.
type Configurator struct {
	engine  Engine
	baseDir string

	mu       sync.Mutex
	running  bool
	artifact *Artifact
}

// NewConfigurator creates a configurator that keeps artifacts under baseDir.
func NewConfigurator(engine Engine, baseDir string) *Configurator {
	return &Configurator{engine: engine, baseDir: baseDir}
}

// Render writes s to a fresh owner-only directory under the base dir.
func (c *Configurator) Render(s Settings) (*Artifact, error) {
	if err := os.MkdirAll(c.baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("[Bridge] create %s: %w", c.baseDir, err)
	}
	dir, err := os.MkdirTemp(c.baseDir, "session-")
	if err != nil {
		return nil, fmt.Errorf("[Bridge] create session dir: %w", err)
	}

	path := filepath.Join(dir, artifactName)
	if err := os.WriteFile(path, Render(s), 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("[Bridge] write artifact: %w", err)
	}

	a := &Artifact{Path: path, Settings: s, dir: dir}

	// Stop removes whatever was rendered last, started or not.
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		a.Remove()
		return nil, fmt.Errorf("[Bridge] render while running")
	}
	prev := c.artifact
	c.artifact = a
	c.mu.Unlock()
	if prev != nil {
		prev.Remove()
	}

	core.Log.Debugf("Bridge", "Artifact %s (socks=%s:%d mtu=%d auth=%v)",
		path, s.Address, s.Port, s.MTU, s.HasAuth())
	return a, nil
}

// Start hands the artifact and raw TUN descriptor to the engine.
func (c *Configurator) Start(a *Artifact, tunFD int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return &StartError{Err: fmt.Errorf("already running")}
	}
	if a == nil {
		return &StartError{Err: fmt.Errorf("no artifact")}
	}
	if tunFD < 0 {
		return &StartError{Err: fmt.Errorf("invalid descriptor %d", tunFD)}
	}

	c.artifact = a
	core.Log.Infof("Bridge", "Starting bridge conf=%s fd=%d", a.Path, tunFD)
	if err := c.engine.Start(a.Path, tunFD); err != nil {
		return &StartError{Err: err}
	}
	c.running = true
	return nil
}

// Stop halts the engine and removes the artifact. Errors are logged.
func (c *Configurator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		if err := c.engine.Stop(); err != nil {
			core.Log.Warnf("Bridge", "Engine stop: %v", err)
		} else {
			core.Log.Infof("Bridge", "Bridge stopped")
		}
		c.running = false
	}
	if c.artifact != nil {
		if err := c.artifact.Remove(); err != nil {
			core.Log.Warnf("Bridge", "Remove artifact: %v", err)
		}
		c.artifact = nil
	}
}

// Running reports whether the engine is started.
func (c *Configurator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
