// Package supervisor runs the external tunneling executable as a child
// process and streams its merged output line by line.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"time"

	"slipstream-vpn/internal/core"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 200 * time.Millisecond

// Sink receives every output line of the child, plus the exit notice.
type Sink func(line string)

// LaunchError reports that the executable is missing or could not be spawned.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Handle is one live child process. Only the supervisor that created it
// may stop it.
type Handle struct {
	cmd    *exec.Cmd
	output *os.File
	cancel context.CancelFunc

	done     chan struct{}
	exitCode int
	stopOnce sync.Once
}

// Pid returns the child's process id.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Done is closed once the child has exited and the exit was reported.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the child has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode is valid after Done is closed; -1 means killed by a signal.
func (h *Handle) ExitCode() int {
	<-h.done
	return h.exitCode
}

// Supervisor owns at most one child process at a time.
type Supervisor struct {
	name  string
	sink  Sink
	grace time.Duration

	mu      sync.Mutex
	current *Handle
}

// New creates a supervisor. name labels the exit notice; grace <= 0 uses
// DefaultStopGrace.
func New(name string, sink Sink, grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	if sink == nil {
		sink = func(string) {}
	}
	return &Supervisor{name: name, sink: sink, grace: grace}
}

// Start spawns path with args. Output reading stops when ctx is cancelled,
// the stream closes, or a read fails; the exit code is then reported to the
// sink. Starting while a child is alive logs "already running" and returns
// the live handle.
func (s *Supervisor) Start(ctx context.Context, path string, args ...string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && !s.current.Exited() {
		core.Log.Infof("Supervisor", "%s already running (pid=%d)", s.name, s.current.Pid())
		return s.current, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &LaunchError{Path: path, Err: err}
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, &LaunchError{Path: path, Err: fs.ErrPermission}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Path: path, Err: fmt.Errorf("output pipe: %w", err)}
	}

	cmd := exec.Command(path, args...)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, &LaunchError{Path: path, Err: err}
	}
	// The child holds its own copy; ours must go so EOF arrives on exit.
	w.Close()

	readCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cmd:    cmd,
		output: r,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.current = h

	core.Log.Infof("Supervisor", "Started %s (pid=%d)", s.name, h.Pid())
	go s.supervise(readCtx, h)
	return h, nil
}

// supervise reads output, then waits for exit. Nothing escapes it.
func (s *Supervisor) supervise(ctx context.Context, h *Handle) {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			core.Log.Errorf("Supervisor", "PANIC in %s supervision: %v", s.name, r)
		}
	}()

	// Unblock a pending read when the context ends.
	stop := context.AfterFunc(ctx, func() {
		h.output.SetReadDeadline(time.Now())
	})
	s.readLines(h)
	stop()
	h.output.Close()

	err := h.cmd.Wait()
	h.exitCode = h.cmd.ProcessState.ExitCode()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			core.Log.Warnf("Supervisor", "%s wait: %v", s.name, err)
		}
	}
	s.emit(fmt.Sprintf("%s exited with code=%d", s.name, h.exitCode))
}

func (s *Supervisor) readLines(h *Handle) {
	scanner := bufio.NewScanner(h.output)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.emit(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, os.ErrClosed) {
		core.Log.Debugf("Supervisor", "%s output read ended: %v", s.name, err)
	}
}

func (s *Supervisor) emit(line string) {
	defer func() {
		if r := recover(); r != nil {
			core.Log.Errorf("Supervisor", "PANIC in output sink: %v", r)
		}
	}()
	s.sink(line)
}

// Stop terminates h (or the current child when h is nil): SIGTERM to the
// process group, SIGKILL after the grace window. Idempotent; errors are
// logged only.
func (s *Supervisor) Stop(h *Handle) {
	s.mu.Lock()
	if h == nil {
		h = s.current
	}
	if h != nil && s.current == h {
		s.current = nil
	}
	s.mu.Unlock()

	if h == nil {
		return
	}
	h.stopOnce.Do(func() { s.terminate(h) })
}

func (s *Supervisor) terminate(h *Handle) {
	defer h.cancel()

	if h.Exited() {
		return
	}
	pid := h.Pid()
	if err := signalGroup(pid, false); err != nil {
		core.Log.Debugf("Supervisor", "SIGTERM %s (pid=%d): %v", s.name, pid, err)
	}

	select {
	case <-h.done:
		core.Log.Infof("Supervisor", "%s stopped (pid=%d)", s.name, pid)
		return
	case <-time.After(s.grace):
	}

	core.Log.Warnf("Supervisor", "%s did not exit within %s, killing (pid=%d)", s.name, s.grace, pid)
	if err := signalGroup(pid, true); err != nil {
		core.Log.Debugf("Supervisor", "SIGKILL %s (pid=%d): %v", s.name, pid, err)
	}
	// Stop the reader too in case a grandchild still holds the pipe.
	h.cancel()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		core.Log.Errorf("Supervisor", "%s (pid=%d) still not reaped after SIGKILL", s.name, pid)
	}
}

// Current returns the live handle, if any.
func (s *Supervisor) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Exited() {
		return nil
	}
	return s.current
}
