package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/smazurov/procwatch/cmd"
	"github.com/smazurov/procwatch/internal/aggregator"
	"github.com/smazurov/procwatch/internal/api"
	"github.com/smazurov/procwatch/internal/collector"
	"github.com/smazurov/procwatch/internal/config"
	"github.com/smazurov/procwatch/internal/events"
	"github.com/smazurov/procwatch/internal/logging"
	"github.com/smazurov/procwatch/internal/metrics"
	"github.com/smazurov/procwatch/internal/monitor"
	"github.com/smazurov/procwatch/internal/nats"
	"github.com/smazurov/procwatch/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"procwatch.toml"`

	// Server settings
	Port       string `help:"Address to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`
	CORSOrigin string `help:"Allowed CORS origin" default:"*" toml:"server.cors_origin" env:"SERVER_CORS_ORIGIN"`

	// Auth settings; auth is off when either is empty
	AuthUsername string `help:"Basic auth username" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Monitor settings
	MonitorGracePeriod    string `help:"Time between SIGTERM and SIGKILL on stop" default:"5s" toml:"monitor.grace_period" env:"MONITOR_GRACE_PERIOD"`
	MonitorDrainTimeout   string `help:"Time to wait for output after exit" default:"2s" toml:"monitor.drain_timeout" env:"MONITOR_DRAIN_TIMEOUT"`
	MonitorRecentLogs     int    `help:"Recent entries kept per process" default:"100" toml:"monitor.recent_logs" env:"MONITOR_RECENT_LOGS"`
	MonitorCrashLogs      int    `help:"Recent entries attached to crash events" default:"10" toml:"monitor.crash_logs" env:"MONITOR_CRASH_LOGS"`
	MonitorHighWaterMark  int    `help:"Unterminated line size that triggers a buffer warning" default:"65536" toml:"monitor.high_water_mark" env:"MONITOR_HIGH_WATER_MARK"`
	MonitorBatchThreshold int    `help:"Lines per chunk that also produce a batch event; negative disables" default:"10" toml:"monitor.batch_threshold" env:"MONITOR_BATCH_THRESHOLD"`

	// Filter settings
	FiltersPolicyFile string `help:"Filter policy file, reloaded on change" toml:"filters.policy_file" env:"FILTERS_POLICY_FILE"`

	// NATS settings
	NatsURL      string `help:"NATS server to forward events to" toml:"nats.url" env:"NATS_URL"`
	NatsEmbedded bool   `help:"Run an embedded NATS server" default:"false" toml:"nats.embedded" env:"NATS_EMBEDDED"`
	NatsPort     int    `help:"Embedded NATS server port" default:"4222" toml:"nats.port" env:"NATS_PORT"`

	// Metrics settings
	MetricsEnabled bool `help:"Serve Prometheus metrics at /metrics" default:"true" toml:"metrics.enabled" env:"METRICS_ENABLED"`

	// Logging settings; per-module levels come from the [logging] table
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
}

func parseDuration(logger *slog.Logger, name, value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("Invalid duration, using default", "option", name, "value", value, "default", fallback)
		return fallback
	}
	return d
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			logging.GetLogger("main").Warn("Failed to load config", "error", loadErr)
		}

		loggingConfig := config.LoadLoggingConfig(opts.Config)
		loggingConfig.Level = opts.LoggingLevel
		loggingConfig.Format = opts.LoggingFormat
		logging.Initialize(loggingConfig)

		logger := logging.GetLogger("main")
		logger.Info("Starting procwatch", "version", version.String())

		eventBus := events.New()

		var policy monitor.FilterPolicy
		if opts.FiltersPolicyFile != "" {
			p, err := config.LoadFilterPolicy(opts.FiltersPolicyFile)
			if err != nil {
				logger.Warn("Failed to load filter policy, capturing every level", "path", opts.FiltersPolicyFile, "error", err)
			} else {
				policy = p
			}
		}

		mon := monitor.New(monitor.Options{
			Bus:            eventBus,
			Logger:         logging.GetLogger("monitor"),
			GracePeriod:    parseDuration(logger, "monitor.grace_period", opts.MonitorGracePeriod, 5*time.Second),
			DrainTimeout:   parseDuration(logger, "monitor.drain_timeout", opts.MonitorDrainTimeout, monitor.DefaultDrainTimeout),
			RecentLogs:     opts.MonitorRecentLogs,
			CrashLogs:      opts.MonitorCrashLogs,
			HighWaterMark:  opts.MonitorHighWaterMark,
			BatchThreshold: opts.MonitorBatchThreshold,
			Policy:         policy,
		})

		agg := aggregator.New()
		col := collector.New(eventBus, agg, logging.GetLogger("collector"))

		detachMetrics := func() {}
		apiOpts := &api.Options{
			AuthUsername: opts.AuthUsername,
			AuthPassword: opts.AuthPassword,
			CORSOrigin:   opts.CORSOrigin,
			Monitor:      mon,
			Aggregator:   agg,
			EventBus:     eventBus,
		}
		if opts.MetricsEnabled {
			detachMetrics = metrics.Attach(eventBus)
			apiOpts.PrometheusHandler = promhttp.Handler()
		}

		server := api.NewServer(apiOpts)

		var policyWatcher *config.Watcher[monitor.FilterPolicy]
		if opts.FiltersPolicyFile != "" {
			policyWatcher = config.NewWatcher(opts.FiltersPolicyFile, config.LoadFilterPolicy, logging.GetLogger("config"))
			policyWatcher.OnReload(func(p monitor.FilterPolicy) {
				n := mon.ApplyPolicy(p)
				logger.Info("Filter policy reloaded", "processes_updated", n)
			})
		}

		var natsServer *nats.Server
		var forwarder *nats.Forwarder
		var control *nats.ControlBridge

		hooks.OnStart(func() {
			natsURL := opts.NatsURL
			if opts.NatsEmbedded {
				natsServer = nats.NewServer(nats.ServerOptions{Port: opts.NatsPort, Logger: logging.GetLogger("nats")})
				if err := natsServer.Start(); err != nil {
					logger.Error("Failed to start embedded NATS server", "error", err)
					os.Exit(1)
				}
				natsURL = natsServer.ClientURL()
			}

			if natsURL != "" {
				forwarder = nats.NewForwarder(natsURL, logging.GetLogger("nats"))
				if err := forwarder.Connect(); err == nil {
					forwarder.Attach(eventBus)
				}
				control = nats.NewControlBridge(natsURL, mon, 0, logging.GetLogger("nats"))
				if err := control.Start(); err != nil {
					logger.Warn("NATS control disabled", "error", err)
					control = nil
				}
			}

			if policyWatcher != nil {
				if err := policyWatcher.Start(); err != nil {
					logger.Warn("Failed to watch filter policy, hot-reload disabled", "error", err)
				}
			}

			if err := server.Start(opts.Port); err != nil {
				logger.Error("Failed to start HTTP server", "error", err)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			if err := server.Stop(); err != nil {
				logger.Error("Error stopping HTTP server", "error", err)
			}

			// Stop processes after the API stops accepting new ones.
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := mon.StopAll(ctx); err != nil {
				logger.Warn("Not every process stopped cleanly", "error", err)
			}

			if policyWatcher != nil {
				_ = policyWatcher.Stop()
			}
			if control != nil {
				control.Stop()
			}
			if forwarder != nil {
				_ = forwarder.Flush()
				forwarder.Close()
			}
			if natsServer != nil {
				natsServer.Stop()
			}
			col.Close()
			detachMetrics()
			if err := eventBus.Close(); err != nil {
				logger.Warn("Error closing event bus", "error", err)
			}
		})
	})

	cli.Root().Use = "procwatch"
	cli.Root().Version = version.String()
	cli.Root().AddCommand(cmd.CreateRunCmd())
	cli.Root().AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(c *cobra.Command, _ []string) {
			info := version.Get()
			c.Printf("procwatch %s\ncommit %s\nbuilt %s\n%s %s\n", info.Version, info.GitCommit, info.BuildDate, info.GoVersion, info.Platform)
		},
	})

	cli.Run()
}
