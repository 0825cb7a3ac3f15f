package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/procwatch/internal/aggregator"
	"github.com/smazurov/procwatch/internal/collector"
	"github.com/smazurov/procwatch/internal/config"
	"github.com/smazurov/procwatch/internal/events"
	"github.com/smazurov/procwatch/internal/logging"
	"github.com/smazurov/procwatch/internal/logstream"
	"github.com/smazurov/procwatch/internal/monitor"
	"github.com/smazurov/procwatch/internal/process"
)

var (
	// ErrProcessesFailed is returned by run when at least one command crashed
	// or could not be started.
	ErrProcessesFailed = errors.New("one or more commands failed")
	// ErrIncomplete is returned when the outcome of a command was never observed.
	ErrIncomplete = errors.New("outcome of one or more commands unknown")
)

// RunOptions are the settings of the run command. Flag names derive from the
// field names so config.LoadConfig can tell which ones the user set.
type RunOptions struct {
	Config       string
	Filter       []string      `toml:"filters.default" env:"FILTERS_DEFAULT"`
	PolicyFile   string        `toml:"filters.policy_file" env:"FILTERS_POLICY_FILE"`
	GracePeriod  time.Duration `toml:"monitor.grace_period" env:"MONITOR_GRACE_PERIOD"`
	DrainTimeout time.Duration `toml:"monitor.drain_timeout" env:"MONITOR_DRAIN_TIMEOUT"`
	Timeout      time.Duration
	NoShell      bool
	JSON         bool
}

// CreateRunCmd creates the run command: start every argument as a monitored
// command, print their classified output as it is aggregated, then a summary.
func CreateRunCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run [flags] -- COMMAND [COMMAND...]",
		Short: "Run commands and follow their classified output",
		Long: `Starts each argument as a monitored command, prints every captured line with its
level as it arrives and ends with per-process statistics. Exits non-zero when any
command crashed. Ctrl-C stops all commands.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadConfig(opts, cmd); err != nil {
				return err
			}
			cfg := config.LoadLoggingConfig(opts.Config)
			logging.Initialize(cfg)
			// stdout carries command output.
			logging.SetOutput(cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCommands(ctx, opts, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Config, "config", "c", "procwatch.toml", "Path to configuration file")
	flags.StringSliceVar(&opts.Filter, "filter", nil, "Levels to capture (error,warn,info,debug); default all")
	flags.StringVar(&opts.PolicyFile, "policy-file", "", "Filter policy file choosing levels per command")
	flags.DurationVar(&opts.GracePeriod, "grace-period", process.DefaultGracePeriod, "Time between SIGTERM and SIGKILL on stop")
	flags.DurationVar(&opts.DrainTimeout, "drain-timeout", monitor.DefaultDrainTimeout, "Time to wait for output after a command exits")
	flags.DurationVar(&opts.Timeout, "timeout", 0, "Stop every command after this long; 0 waits forever")
	flags.BoolVar(&opts.NoShell, "no-shell", false, "Split commands into arguments instead of running them through /bin/sh")
	flags.BoolVar(&opts.JSON, "json", false, "Print entries as JSON lines")

	return cmd
}

func runCommands(ctx context.Context, opts *RunOptions, commands []string, stdout, stderr io.Writer) error {
	logger := logging.GetLogger("run")

	var filter []logstream.Level
	if len(opts.Filter) > 0 {
		levels, err := logstream.ParseLevels(opts.Filter)
		if err != nil {
			return err
		}
		filter = levels
	}

	var policy monitor.FilterPolicy
	if opts.PolicyFile != "" {
		p, err := config.LoadFilterPolicy(opts.PolicyFile)
		if err != nil {
			return fmt.Errorf("filter policy: %w", err)
		}
		policy = p
	}

	bus := events.New()
	defer bus.Close()
	mon := monitor.New(monitor.Options{
		Bus:          bus,
		GracePeriod:  opts.GracePeriod,
		DrainTimeout: opts.DrainTimeout,
		Policy:       policy,
	})
	agg := aggregator.New()

	printEntry := textPrinter(stdout)
	if opts.JSON {
		printEntry = jsonPrinter(stdout)
	}
	col := collector.New(bus, agg, logging.GetLogger("collector"), collector.OnEntry(printEntry))
	defer col.Close()

	handles := make([]string, 0, len(commands))
	startFailed := false
	for _, command := range commands {
		h, err := mon.Start(ctx, command, monitor.StartOptions{
			SpawnOptions: process.SpawnOptions{NoShell: opts.NoShell},
			Filter:       filter,
		})
		if h != "" {
			handles = append(handles, h)
		}
		if err != nil {
			logger.Error("Command failed to start", "command", command, "error", err)
			startFailed = true
		}
	}

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if err := mon.Wait(waitCtx); err != nil {
		logger.Info("Stopping commands", "reason", err)
		stopCtx, cancel := context.WithTimeout(context.Background(), opts.GracePeriod+opts.DrainTimeout+5*time.Second)
		defer cancel()
		if stopErr := mon.StopAll(stopCtx); stopErr != nil {
			logger.Warn("Stop failed", "error", stopErr)
		}
	}

	settleCtx, cancel := context.WithTimeout(context.Background(), opts.DrainTimeout+5*time.Second)
	defer cancel()
	settleErr := col.WaitFor(settleCtx, handles...)
	if settleErr != nil {
		logger.Warn("Some output may be missing", "error", settleErr)
	}

	err := summarize(stderr, agg, handles)
	if startFailed && err == nil {
		err = ErrProcessesFailed
	}
	if settleErr != nil {
		err = errors.Join(fmt.Errorf("%w: %w", ErrIncomplete, settleErr), err)
	}
	return err
}

func textPrinter(w io.Writer) func(aggregator.Entry) {
	return func(e aggregator.Entry) {
		fmt.Fprintf(w, "%s %-5s [%s] %s\n",
			e.Timestamp.Format("15:04:05.000"), strings.ToUpper(string(e.Level)), shortHandle(e.ProcessID), e.Message)
	}
}

func jsonPrinter(w io.Writer) func(aggregator.Entry) {
	enc := json.NewEncoder(w)
	return func(e aggregator.Entry) {
		_ = enc.Encode(e)
	}
}

// shortHandle keeps the random suffix of a handle.
func shortHandle(h string) string {
	if i := strings.LastIndexByte(h, '-'); i >= 0 {
		return h[i+1:]
	}
	return h
}

// summarize prints one line per handle and the totals. A crashed process
// fails the run; a missing or still running record makes it incomplete.
func summarize(w io.Writer, agg *aggregator.Aggregator, handles []string) error {
	failed, incomplete := false, false
	fmt.Fprintln(w)
	for _, h := range handles {
		md, ok := agg.Metadata(h)
		if !ok {
			fmt.Fprintf(w, "[%s] %-9s\n", shortHandle(h), "unknown")
			incomplete = true
			continue
		}
		fmt.Fprintf(w, "[%s] %-9s %d entries\n", shortHandle(h), md.Status, md.LogCount)
		switch md.Status {
		case aggregator.StatusCrashed:
			failed = true
		case aggregator.StatusRunning:
			incomplete = true
		}
	}

	s := agg.Statistics()
	fmt.Fprintf(w, "%d processes: %d completed, %d crashed, %d stopped; %d entries\n",
		s.TotalProcesses, s.CompletedProcesses, s.CrashedProcesses, s.StoppedProcesses, s.TotalLogs)

	var errs []error
	if failed {
		errs = append(errs, ErrProcessesFailed)
	}
	if incomplete {
		errs = append(errs, ErrIncomplete)
	}
	return errors.Join(errs...)
}
