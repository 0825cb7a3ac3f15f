package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestController creates a Controller with a short grace period for testing.
func newTestController() *Controller {
	return NewController(WithLogger(testLogger()), WithGracePeriod(200*time.Millisecond))
}

func spawn(t *testing.T, c *Controller, command string) {
	t.Helper()
	if err := c.Spawn(command, SpawnOptions{}); err != nil {
		t.Fatalf("Spawn(%q) error = %v", command, err)
	}
	t.Cleanup(func() {
		// Reaches background children that outlived the shell.
		_ = unix.Kill(-c.PID(), unix.SIGKILL)
		c.CloseOutput()
	})
}

// waitForExit waits for the process to exit, failing the test on timeout.
func waitForExit(t *testing.T, c *Controller, timeout time.Duration) ExitStatus {
	t.Helper()
	select {
	case <-c.Done():
		return c.Exit()
	case <-time.After(timeout):
		t.Fatal("timeout waiting for process to exit")
		return ExitStatus{}
	}
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	return string(data)
}

func TestSpawnCapturesOutput(t *testing.T) {
	c := newTestController()
	spawn(t, c, `echo out; echo err >&2`)

	if got := readAll(t, c.Stdout()); got != "out\n" {
		t.Errorf("stdout = %q, want %q", got, "out\n")
	}
	if got := readAll(t, c.Stderr()); got != "err\n" {
		t.Errorf("stderr = %q, want %q", got, "err\n")
	}
	if exit := waitForExit(t, c, time.Second); !exit.Success() {
		t.Errorf("exit = %+v, want success", exit)
	}
	if c.IsRunning() {
		t.Error("IsRunning() = true after exit")
	}
}

func TestSpawnUsesShell(t *testing.T) {
	c := newTestController()
	spawn(t, c, `printf 'a\nb\n' | wc -l`)

	if got := strings.TrimSpace(readAll(t, c.Stdout())); got != "2" {
		t.Errorf("stdout = %q, want 2", got)
	}
}

func TestSpawnNoShell(t *testing.T) {
	c := newTestController()
	if err := c.Spawn(`echo "hello  world" | x`, SpawnOptions{NoShell: true}); err != nil {
		t.Fatal(err)
	}
	defer c.CloseOutput()

	if got := readAll(t, c.Stdout()); got != "hello  world | x\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestSpawnDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	c := newTestController()
	err := c.Spawn(`pwd; echo "$PROCWATCH_TEST"`, SpawnOptions{
		Dir: dir,
		Env: map[string]string{"PROCWATCH_TEST": "value"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.CloseOutput()

	lines := strings.Split(strings.TrimSpace(readAll(t, c.Stdout())), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], dir[strings.LastIndex(dir, "/"):]) || lines[1] != "value" {
		t.Errorf("output lines = %q", lines)
	}
}

func TestExitCode(t *testing.T) {
	c := newTestController()
	spawn(t, c, "exit 42")

	exit := waitForExit(t, c, time.Second)
	if exit.Code != 42 || exit.Signal != "" {
		t.Errorf("exit = %+v, want code 42", exit)
	}
}

func TestSpawnErrors(t *testing.T) {
	tests := []struct {
		name    string
		command string
		opts    SpawnOptions
		wantIs  error
	}{
		{"empty shell command", "", SpawnOptions{}, errEmptyCommand},
		{"empty argv", "   ", SpawnOptions{NoShell: true}, errEmptyCommand},
		{"unclosed quote", `echo "oops`, SpawnOptions{NoShell: true}, nil},
		{"missing binary", "/nonexistent/command", SpawnOptions{NoShell: true}, nil},
		{"missing shell", "true", SpawnOptions{ShellPath: "/nonexistent/sh"}, nil},
		{"bad stdio", "true", SpawnOptions{Stdio: "inherit"}, ErrUnsupportedStdio},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController()
			err := c.Spawn(tt.command, tt.opts)

			var spawnErr *SpawnError
			if !errors.As(err, &spawnErr) {
				t.Fatalf("Spawn() error = %v, want *SpawnError", err)
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("Spawn() error = %v, want %v", err, tt.wantIs)
			}
			if c.IsRunning() {
				t.Error("IsRunning() = true after failed spawn")
			}
		})
	}
}

func TestSpawnTwice(t *testing.T) {
	c := newTestController()
	spawn(t, c, "true")

	if err := c.Spawn("true", SpawnOptions{}); !errors.Is(err, ErrAlreadySpawned) {
		t.Errorf("second Spawn() error = %v, want ErrAlreadySpawned", err)
	}
}

func TestTerminateGraceful(t *testing.T) {
	c := newTestController()
	spawn(t, c, `trap 'exit 0' TERM; while :; do sleep 0.05; done`)
	time.Sleep(100 * time.Millisecond)

	res, err := c.Terminate(context.Background(), unix.SIGTERM)
	if err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if res.Forced {
		t.Error("Terminate() forced a process that handles SIGTERM")
	}
	if c.IsRunning() {
		t.Error("IsRunning() = true after Terminate")
	}
}

func TestTerminateEscalates(t *testing.T) {
	c := newTestController()
	spawn(t, c, `trap '' TERM; sleep 10`)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	res, err := c.Terminate(context.Background(), unix.SIGTERM)
	if err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if !res.Forced {
		t.Error("Terminate() did not report escalation")
	}
	if res.Exit.Signal != "SIGKILL" || res.Exit.Code != -1 {
		t.Errorf("exit = %+v, want SIGKILL", res.Exit)
	}
	if elapsed := time.Since(start); elapsed > c.gracePeriod+500*time.Millisecond {
		t.Errorf("Terminate took %v", elapsed)
	}
	if c.IsRunning() {
		t.Error("IsRunning() = true after forced Terminate")
	}
}

func TestTerminateReachesShellChildren(t *testing.T) {
	c := newTestController()
	spawn(t, c, `sleep 10 | cat`)
	time.Sleep(100 * time.Millisecond)

	if _, err := c.Terminate(context.Background(), unix.SIGTERM); err != nil {
		t.Fatal(err)
	}
	// Every writer died, so the pipe reaches EOF.
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, c.Stdout())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stdout still open after terminating the group")
	}
}

func TestForceKill(t *testing.T) {
	c := newTestController()
	spawn(t, c, "sleep 10")

	exit, err := c.ForceKill(context.Background(), unix.SIGKILL)
	if err != nil {
		t.Fatalf("ForceKill() error = %v", err)
	}
	if exit.Signal != "SIGKILL" {
		t.Errorf("exit = %+v", exit)
	}
}

func TestForceKillHonorsContext(t *testing.T) {
	c := newTestController()
	spawn(t, c, `trap '' USR1; sleep 10`)
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.ForceKill(ctx, unix.SIGUSR1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ForceKill() error = %v, want deadline exceeded", err)
	}
}

func TestNoProcess(t *testing.T) {
	c := newTestController()
	if _, err := c.Terminate(context.Background(), unix.SIGTERM); !errors.Is(err, ErrNoProcess) {
		t.Errorf("Terminate before Spawn = %v, want ErrNoProcess", err)
	}
	if _, err := c.ForceKill(context.Background(), unix.SIGKILL); !errors.Is(err, ErrNoProcess) {
		t.Errorf("ForceKill before Spawn = %v, want ErrNoProcess", err)
	}

	spawn(t, c, "true")
	waitForExit(t, c, time.Second)

	if _, err := c.Terminate(context.Background(), unix.SIGTERM); !errors.Is(err, ErrNoProcess) {
		t.Errorf("Terminate after exit = %v, want ErrNoProcess", err)
	}
}

func TestCloseOutputUnblocksReader(t *testing.T) {
	c := newTestController()
	// The background child keeps stdout open after the shell exits.
	spawn(t, c, `sleep 10 & echo started`)

	errc := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(c.Stdout())
		errc <- err
	}()
	waitForExit(t, c, time.Second)

	c.CloseOutput()
	c.CloseOutput()
	select {
	case <-errc:
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after CloseOutput")
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{`echo hello`, []string{"echo", "hello"}},
		{`echo hello\ world`, []string{"echo", "hello world"}},
		{`sh -c "exit 3"`, []string{"sh", "-c", "exit 3"}},
		{`printf '%s' "it's"`, []string{"printf", "%s", "it's"}},
		{`a  "" b`, []string{"a", "", "b"}},
		{"  tab\tsep  ", []string{"tab", "sep"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseCommand(tt.input)
			if err != nil {
				t.Fatalf("parseCommand(%q) error = %v", tt.input, err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("parseCommand(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	if _, err := parseCommand(`echo "unclosed`); err == nil {
		t.Error("parseCommand accepted an unclosed quote")
	}
}
