package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smazurov/procwatch/internal/logging"
)

// DefaultGracePeriod is how long Terminate waits before escalating to SIGKILL.
const DefaultGracePeriod = 5 * time.Second

const defaultShell = "/bin/sh"

var (
	// ErrNoProcess is returned when no process was spawned or it already exited.
	// Callers should treat it as "already gone".
	ErrNoProcess = errors.New("no running process")

	// ErrAlreadySpawned is returned by a second Spawn on the same controller.
	ErrAlreadySpawned = errors.New("process already spawned")

	// ErrUnsupportedStdio is returned for any stdio mode other than "pipe".
	ErrUnsupportedStdio = errors.New("unsupported stdio mode")

	errEmptyCommand = errors.New("empty command")
)

// SpawnError reports that the OS refused to create the process.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// SpawnOptions control how a command is started.
type SpawnOptions struct {
	// Dir is the working directory. Empty uses the current directory.
	Dir string
	// Env entries override or extend the parent environment.
	Env map[string]string
	// NoShell splits the command into argv instead of running it via the shell.
	NoShell bool
	// ShellPath overrides /bin/sh.
	ShellPath string
	// Stdio must be empty or "pipe"; output is always captured.
	Stdio string
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code int `json:"code"`
	// Signal is the name of the terminating signal, e.g. "SIGKILL".
	Signal string `json:"signal,omitempty"`
	// Err is set when waiting for the process failed for a reason other than
	// a non-zero exit.
	Err error `json:"-"`
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == nil
}

// TerminateResult reports the outcome of Terminate.
type TerminateResult struct {
	// Forced is true when the grace period expired and SIGKILL was sent.
	Forced bool
	Exit   ExitStatus
}

// Option configures a Controller.
type Option func(*Controller)

// WithGracePeriod sets the wait between the graceful signal and SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.gracePeriod = d
		}
	}
}

// WithLogger sets the controller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller owns exactly one spawned OS process and its output pipes.
type Controller struct {
	logger      *slog.Logger
	gracePeriod time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  *os.File
	stderr  *os.File
	spawned bool

	running   atomic.Bool
	done      chan struct{}
	exit      ExitStatus
	closeOnce sync.Once
}

// NewController creates an idle controller.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		logger:      logging.GetLogger("process"),
		gracePeriod: DefaultGracePeriod,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spawn starts command. By default the string is run by /bin/sh -c so it may
// use pipes and redirection. The child gets its own process group.
func (c *Controller) Spawn(command string, opts SpawnOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.spawned {
		return ErrAlreadySpawned
	}
	if opts.Stdio != "" && opts.Stdio != "pipe" {
		return &SpawnError{Command: command, Err: fmt.Errorf("%w: %q", ErrUnsupportedStdio, opts.Stdio)}
	}

	argv, err := buildArgv(command, opts)
	if err != nil {
		return &SpawnError{Command: command, Err: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Pipes are created here rather than with StdoutPipe so Wait does not
	// close the read ends while the parser is still draining them.
	outR, outW, err := os.Pipe()
	if err != nil {
		return &SpawnError{Command: command, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return &SpawnError{Command: command, Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		c.logger.Error("Failed to start process", "command", command, "error", err)
		return &SpawnError{Command: command, Err: err}
	}
	closeAll(outW, errW)

	c.cmd = cmd
	c.stdout = outR
	c.stderr = errR
	c.spawned = true
	c.running.Store(true)

	c.logger.Info("Process started", "pid", cmd.Process.Pid, "command", command)

	go c.wait()
	return nil
}

func (c *Controller) wait() {
	err := c.cmd.Wait()
	c.exit = exitStatus(c.cmd.ProcessState, err)
	c.running.Store(false)
	close(c.done)

	c.logger.Debug("Process exited",
		"pid", c.cmd.Process.Pid,
		"code", c.exit.Code,
		"signal", c.exit.Signal)
}

func buildArgv(command string, opts SpawnOptions) ([]string, error) {
	if !opts.NoShell {
		if len(command) == 0 {
			return nil, errEmptyCommand
		}
		shell := opts.ShellPath
		if shell == "" {
			shell = defaultShell
		}
		return []string{shell, "-c", command}, nil
	}

	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, errEmptyCommand
	}
	return args, nil
}

func buildEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return nil
	}
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(overrides)) {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func exitStatus(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: err}
	}

	var status ExitStatus
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Code = -1
		status.Signal = unix.SignalName(ws.Signal())
	} else {
		status.Code = state.ExitCode()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Err = err
	}
	return status
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// Stdout returns the read end of the child's stdout pipe, or nil before Spawn.
func (c *Controller) Stdout() io.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdout == nil {
		return nil
	}
	return c.stdout
}

// Stderr returns the read end of the child's stderr pipe, or nil before Spawn.
func (c *Controller) Stderr() io.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stderr == nil {
		return nil
	}
	return c.stderr
}

// CloseOutput closes both read ends. Pending reads fail with os.ErrClosed.
func (c *Controller) CloseOutput() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stdout != nil {
			closeAll(c.stdout, c.stderr)
		}
	})
}

// Done is closed once the process has exited and been reaped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Exit blocks until the process has exited and returns its status.
func (c *Controller) Exit() ExitStatus {
	<-c.done
	return c.exit
}

// IsRunning reports the last observed state without probing the OS.
func (c *Controller) IsRunning() bool {
	return c.running.Load()
}

// PID returns the process id, or 0 before Spawn.
func (c *Controller) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// signalGroup delivers sig to the child's process group.
func (c *Controller) signalGroup(sig syscall.Signal) error {
	c.mu.Lock()
	spawned := c.spawned
	c.mu.Unlock()

	if !spawned || !c.running.Load() {
		return ErrNoProcess
	}

	pid := c.PID()
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNoProcess
		}
		return fmt.Errorf("signal %s to process group %d: %w", unix.SignalName(sig), pid, err)
	}
	return nil
}

// Terminate sends sig and waits up to the grace period for the process to
// exit, then escalates to SIGKILL. Escalation is reported via Forced, not as
// an error.
func (c *Controller) Terminate(ctx context.Context, sig syscall.Signal) (TerminateResult, error) {
	if err := c.signalGroup(sig); err != nil {
		return TerminateResult{}, err
	}
	c.logger.Debug("Sent termination signal", "pid", c.PID(), "signal", unix.SignalName(sig))

	timer := time.NewTimer(c.gracePeriod)
	defer timer.Stop()

	select {
	case <-c.done:
		return TerminateResult{Exit: c.exit}, nil
	case <-ctx.Done():
		return TerminateResult{}, ctx.Err()
	case <-timer.C:
	}

	c.logger.Warn("Grace period expired, forcing kill", "pid", c.PID(), "grace_period", c.gracePeriod)
	exit, err := c.ForceKill(ctx, unix.SIGKILL)
	if errors.Is(err, ErrNoProcess) {
		// Exited between the timer firing and the kill.
		<-c.done
		return TerminateResult{Forced: true, Exit: c.exit}, nil
	}
	if err != nil {
		return TerminateResult{Forced: true}, err
	}
	return TerminateResult{Forced: true, Exit: exit}, nil
}

// ForceKill sends sig (normally SIGKILL) and waits for the process to exit.
// There is no timer; only ctx bounds the wait.
func (c *Controller) ForceKill(ctx context.Context, sig syscall.Signal) (ExitStatus, error) {
	if err := c.signalGroup(sig); err != nil {
		return ExitStatus{}, err
	}
	select {
	case <-c.done:
		return c.exit, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}
