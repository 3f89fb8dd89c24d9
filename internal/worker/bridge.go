package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/fastcgi"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/logging"
)

// Defaults for Config.
const (
	DefaultSocketPath      = "/tmp/.bridge/worker.sock"
	DefaultPidPath         = "/tmp/.bridge/worker.pid"
	DefaultStartTimeout    = 5 * time.Second
	DefaultStopTimeout     = 2 * time.Second
	DefaultPollInterval    = 5 * time.Millisecond
	DefaultRecoveryTimeout = 1 * time.Second
)

// Callbacks contains optional callback functions for worker events.
type Callbacks struct {
	// OnStateChange is called when the bridge state changes.
	OnStateChange func(oldState, newState State)

	// OnStart is called once the worker socket is ready.
	OnStart func(pid int)

	// OnExit is called when the worker process exits, expectedly or not.
	OnExit func(exitCode int, uptime time.Duration)
}

// Config holds configuration for creating a new Bridge.
type Config struct {
	Runner Runner
	Logger *slog.Logger

	SocketPath string
	PidPath    string

	// ScriptFilename is the application entry point sent with every request.
	ScriptFilename string

	StartTimeout    time.Duration
	StopTimeout     time.Duration
	PollInterval    time.Duration
	RecoveryTimeout time.Duration

	// Verbose forwards the worker's debug-level output as well.
	Verbose   bool
	Callbacks Callbacks
}

// Bridge owns one worker process and the socket it listens on.
// At most one request is in flight at a time.
type Bridge struct {
	cfg       Config
	logger    *slog.Logger
	client    *fastcgi.Client
	callbacks Callbacks

	state   State
	stateMu sync.RWMutex

	procMu    sync.Mutex
	cmd       *exec.Cmd
	exited    chan struct{}
	exitCode  int
	startTime time.Time
	output    *logging.OutputForwarder

	// reqMu serializes requests to the worker.
	reqMu sync.Mutex
}

// New creates a new Bridge. Nothing is started until Start.
func New(cfg Config) *Bridge {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.PidPath == "" {
		cfg.PidPath = DefaultPidPath
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Bridge{
		cfg:       cfg,
		logger:    cfg.Logger,
		client:    fastcgi.NewClient(cfg.SocketPath),
		callbacks: cfg.Callbacks,
		state:     StateUninitialized,
	}
}

// Start cleans up after any worker left by a previous runtime, spawns the
// worker and waits for its socket to appear.
func (b *Bridge) Start(ctx context.Context) error {
	b.setState(StateStarting)

	if err := b.recoverStale(); err != nil {
		b.setState(StateStopped)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.cfg.SocketPath), 0o755); err != nil {
		b.setState(StateStopped)
		return fmt.Errorf("create socket directory: %w", err)
	}

	cmd, err := b.cfg.Runner.BuildCommand(ctx)
	if err != nil {
		b.setState(StateStopped)
		return fmt.Errorf("build %s command: %w", b.cfg.Runner.Name(), err)
	}

	output := logging.NewOutputForwarder(b.cfg.Runner.Name(), b.logger, b.cfg.Verbose)
	cmd.Stdout = output
	cmd.Stderr = output

	// Set process group for clean shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
	// Pool children inherit the output pipe; do not let them hold Wait open.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		b.setState(StateStopped)
		return fmt.Errorf("start %s: %w", b.cfg.Runner.Name(), err)
	}

	pid := cmd.Process.Pid
	exited := make(chan struct{})

	b.procMu.Lock()
	b.cmd = cmd
	b.exited = exited
	b.startTime = time.Now()
	b.output = output
	b.procMu.Unlock()

	go b.wait(cmd, exited)

	if err := os.WriteFile(b.cfg.PidPath, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		b.abortStart()
		return fmt.Errorf("write pid file: %w", err)
	}

	if err := b.waitUntilReady(ctx, exited); err != nil {
		b.abortStart()
		return err
	}

	b.setState(StateReady)
	b.logger.Info("worker_started",
		"worker", b.cfg.Runner.Name(),
		"pid", pid,
		"socket", b.cfg.SocketPath,
		"startup", time.Since(b.startTime).String(),
	)
	if b.callbacks.OnStart != nil {
		b.callbacks.OnStart(pid)
	}
	return nil
}

// wait reaps the worker and records how it exited.
func (b *Bridge) wait(cmd *exec.Cmd, exited chan struct{}) {
	waitErr := cmd.Wait()
	exitCode := extractExitCode(waitErr)

	b.procMu.Lock()
	b.exitCode = exitCode
	uptime := time.Since(b.startTime)
	output := b.output
	b.procMu.Unlock()

	output.Flush()
	close(exited)

	b.logger.Info("worker_exited",
		"pid", cmd.Process.Pid,
		"exit_code", exitCode,
		"uptime", uptime.String(),
	)
	if b.callbacks.OnExit != nil {
		b.callbacks.OnExit(exitCode, uptime)
	}
}

func (b *Bridge) waitUntilReady(ctx context.Context, exited <-chan struct{}) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(b.cfg.StartTimeout)
	defer timeout.Stop()

	for !b.IsReady() {
		select {
		case <-exited:
			return fmt.Errorf("%w (exit code %d): %s", ErrExitedDuringStart, b.ExitCode(), b.recentOutput())
		case <-timeout.C:
			return fmt.Errorf("%w at %s after %s", ErrStartTimeout, b.cfg.SocketPath, b.cfg.StartTimeout)
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ticker.C:
		}
	}
	return nil
}

// abortStart kills a worker that failed to become ready.
func (b *Bridge) abortStart() {
	b.procMu.Lock()
	cmd, exited := b.cmd, b.exited
	b.procMu.Unlock()

	select {
	case <-exited:
		b.setState(StateCrashed)
	default:
		_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
		<-exited
		b.setState(StateStopped)
	}
	b.removeFiles()
}

func (b *Bridge) recentOutput() string {
	b.procMu.Lock()
	output := b.output
	b.procMu.Unlock()
	if output == nil {
		return ""
	}
	return strings.Join(output.RecentLines(10), "\n")
}

// IsReady reports whether the worker socket exists. It is checked on every
// call, never cached.
func (b *Bridge) IsReady() bool {
	_, err := os.Stat(b.cfg.SocketPath)
	return err == nil
}

// EnsureStillRunning returns ErrNotRunning if the worker has exited.
func (b *Bridge) EnsureStillRunning() error {
	b.procMu.Lock()
	cmd, exited := b.cmd, b.exited
	b.procMu.Unlock()

	if cmd == nil {
		return ErrNotRunning
	}
	select {
	case <-exited:
		exitCode := b.ExitCode()
		if b.State().IsActive() {
			b.setState(StateCrashed)
			b.logger.Error("worker_crashed", "pid", cmd.Process.Pid, "exit_code", exitCode)
		}
		return fmt.Errorf("%w: exited with code %d", ErrNotRunning, exitCode)
	default:
		return nil
	}
}

// Do sends one request to the worker and reads the whole response. Any
// failure reaching the worker is returned as a *CommunicationError.
func (b *Bridge) Do(ctx context.Context, req fastcgi.Request) (*fastcgi.Response, error) {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	if state := b.State(); state.IsTerminal() {
		return nil, &CommunicationError{Err: fmt.Errorf("%w: worker is %s", ErrNotRunning, state)}
	}
	if err := b.EnsureStillRunning(); err != nil {
		return nil, &CommunicationError{Err: err}
	}

	b.setState(StateHandling)
	resp, err := b.client.Do(ctx, req)
	if err != nil {
		b.logger.Warn("worker_request_failed", "error", err)
		if runErr := b.awaitExit(); runErr != nil {
			err = errors.Join(err, runErr)
		} else {
			b.setState(StateReady)
		}
		return nil, &CommunicationError{Err: err}
	}

	if err := b.EnsureStillRunning(); err != nil {
		return nil, &CommunicationError{Err: err}
	}
	b.setState(StateReady)

	if len(resp.Stderr) > 0 {
		b.procMu.Lock()
		output := b.output
		b.procMu.Unlock()
		_, _ = output.Write(append(resp.Stderr, '\n'))
	}
	return resp, nil
}

// awaitExit gives the exit watcher a moment to observe a worker that died
// mid-request, then reports whether it is still running.
func (b *Bridge) awaitExit() error {
	b.procMu.Lock()
	exited := b.exited
	b.procMu.Unlock()

	select {
	case <-exited:
	case <-time.After(20 * b.cfg.PollInterval):
	}
	return b.EnsureStillRunning()
}

// Stop sends SIGTERM to the worker's process group and waits up to the stop
// timeout. A worker still alive after that is killed and ErrStopTimeout is
// returned. The socket and pid files are removed in every case.
func (b *Bridge) Stop() error {
	b.procMu.Lock()
	cmd, exited := b.cmd, b.exited
	b.procMu.Unlock()

	defer b.removeFiles()

	if cmd == nil || cmd.Process == nil {
		b.setState(StateStopped)
		return nil
	}

	select {
	case <-exited:
		b.setState(StateStopped)
		return nil
	default:
	}

	b.setState(StateStopping)
	_ = signalGroup(cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-exited:
		b.setState(StateStopped)
		return nil
	case <-time.After(b.cfg.StopTimeout):
		b.logger.Warn("force_killing_worker",
			"pid", cmd.Process.Pid,
			"timeout", b.cfg.StopTimeout.String(),
		)
		_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
		select {
		case <-exited:
		case <-time.After(b.cfg.StopTimeout):
		}
		b.setState(StateStopped)
		return fmt.Errorf("%w after %s", ErrStopTimeout, b.cfg.StopTimeout)
	}
}

func (b *Bridge) removeFiles() {
	for _, path := range []string{b.cfg.SocketPath, b.cfg.PidPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("worker_file_cleanup_failed", "path", path, "error", err)
		}
	}
}

// State returns the current state of the bridge.
func (b *Bridge) State() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// setState updates the state and calls the callback if registered.
func (b *Bridge) setState(newState State) {
	b.stateMu.Lock()
	oldState := b.state
	b.state = newState
	b.stateMu.Unlock()

	if b.callbacks.OnStateChange != nil && oldState != newState {
		b.callbacks.OnStateChange(oldState, newState)
	}
}

// Pid returns the worker pid, or 0 if no worker was started.
func (b *Bridge) Pid() int {
	b.procMu.Lock()
	defer b.procMu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// ExitCode returns the exit code of the last worker, valid once it has exited.
func (b *Bridge) ExitCode() int {
	b.procMu.Lock()
	defer b.procMu.Unlock()
	return b.exitCode
}

// ScriptFilename returns the application entry point.
func (b *Bridge) ScriptFilename() string {
	return b.cfg.ScriptFilename
}

// signalGroup signals the process group led by pid, or pid alone if it has none.
func signalGroup(pid int, sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(pid); err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return syscall.Kill(pid, sig)
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}
