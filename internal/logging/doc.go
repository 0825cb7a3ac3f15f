// Package logging provides structured logging with per-module log levels.
//
// Output is routed automatically:
//   - to the systemd journal when journald is reachable
//   - to stdout when a terminal, pipe, or file is connected
//   - to both when both are available
//
// Initialize once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"monitor": "debug",
//			"api":     "warn",
//		},
//	})
//
// Then get a logger per module:
//
//	logger := logging.GetLogger("monitor").With("process_id", handle)
//	logger.Info("Process started", "pid", pid)
//
// Loggers may be obtained before Initialize; they pick up the configured
// level and format once it runs.
//
// # Viewing logs
//
//	journalctl -t procwatch -f
//	journalctl -t procwatch MODULE=monitor
//	journalctl -t procwatch PROCESS_ID=proc-1718000000000-1a2b3c4d
//
// # Configuration
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	[logging.modules]
//	monitor = "debug"
//	api = "warn"
package logging
