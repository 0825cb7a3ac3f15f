package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

type testOptions struct {
	Config string

	Port        string        `toml:"server.port" env:"PORT"`
	GracePeriod time.Duration `toml:"monitor.grace_period" env:"GRACE_PERIOD"`
	RecentLogs  int           `toml:"monitor.recent_logs" env:"RECENT_LOGS"`
	NatsEnabled bool          `toml:"nats.embedded" env:"NATS_EMBEDDED"`
	Default     []string      `toml:"filters.default" env:"FILTERS_DEFAULT"`
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleConfig = `
[server]
port = ":9000"

[monitor]
grace_period = "3s"
recent_logs = 50

[nats]
embedded = true

[filters]
default = ["error", "warn"]
`

func TestLoadConfigFromTOML(t *testing.T) {
	opts := &testOptions{Config: writeFile(t, "procwatch.toml", sampleConfig)}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if opts.Port != ":9000" {
		t.Errorf("Port = %q, want :9000", opts.Port)
	}
	if opts.GracePeriod != 3*time.Second {
		t.Errorf("GracePeriod = %v, want 3s", opts.GracePeriod)
	}
	if opts.RecentLogs != 50 {
		t.Errorf("RecentLogs = %d, want 50", opts.RecentLogs)
	}
	if !opts.NatsEnabled {
		t.Error("NatsEnabled = false, want true")
	}
	if !slices.Equal(opts.Default, []string{"error", "warn"}) {
		t.Errorf("Default = %v", opts.Default)
	}
}

func TestLoadConfigIntegerDurationIsSeconds(t *testing.T) {
	opts := &testOptions{Config: writeFile(t, "c.toml", "[monitor]\ngrace_period = 7\n")}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatal(err)
	}
	if opts.GracePeriod != 7*time.Second {
		t.Errorf("GracePeriod = %v, want 7s", opts.GracePeriod)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	t.Setenv("PROCWATCH_PORT", ":7000")
	t.Setenv("PROCWATCH_GRACE_PERIOD", "250ms")
	t.Setenv("PROCWATCH_FILTERS_DEFAULT", "error, debug")

	opts := &testOptions{Config: writeFile(t, "procwatch.toml", sampleConfig)}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatal(err)
	}

	if opts.Port != ":7000" {
		t.Errorf("Port = %q, want :7000", opts.Port)
	}
	if opts.GracePeriod != 250*time.Millisecond {
		t.Errorf("GracePeriod = %v, want 250ms", opts.GracePeriod)
	}
	if !slices.Equal(opts.Default, []string{"error", "debug"}) {
		t.Errorf("Default = %v", opts.Default)
	}
	if opts.RecentLogs != 50 {
		t.Errorf("RecentLogs = %d, want file value 50", opts.RecentLogs)
	}
}

func TestLoadConfigCLIWins(t *testing.T) {
	t.Setenv("PROCWATCH_PORT", ":7000")

	opts := &testOptions{Config: writeFile(t, "procwatch.toml", sampleConfig)}
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&opts.Port, "port", ":8090", "")
	cmd.Flags().IntVar(&opts.RecentLogs, "recent-logs", 100, "")
	if err := cmd.Flags().Parse([]string{"--port", ":6000"}); err != nil {
		t.Fatal(err)
	}

	if err := LoadConfig(opts, cmd); err != nil {
		t.Fatal(err)
	}
	if opts.Port != ":6000" {
		t.Errorf("Port = %q, want CLI value :6000", opts.Port)
	}
	if opts.RecentLogs != 50 {
		t.Errorf("RecentLogs = %d, unchanged flag should take file value 50", opts.RecentLogs)
	}
}

func TestLoadConfigMissingFileIsNotAnError(t *testing.T) {
	opts := &testOptions{Config: filepath.Join(t.TempDir(), "absent.toml"), Port: ":8090"}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if opts.Port != ":8090" {
		t.Errorf("Port = %q, want default", opts.Port)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{"malformed toml", "[server\nport = 1", nil},
		{"wrong type", "[server]\nport = 9000\n", nil},
		{"bad duration", "[monitor]\ngrace_period = \"soon\"\n", nil},
		{"bad env int", "", map[string]string{"PROCWATCH_RECENT_LOGS": "many"}},
		{"bad env bool", "", map[string]string{"PROCWATCH_NATS_EMBEDDED": "sometimes"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			opts := &testOptions{Config: writeFile(t, "c.toml", tt.content)}
			if err := LoadConfig(opts, nil); err == nil {
				t.Error("LoadConfig() succeeded, want error")
			}
		})
	}
}

func TestLoadConfigRejectsNonPointer(t *testing.T) {
	if err := LoadConfig(testOptions{}, nil); err == nil {
		t.Error("LoadConfig(struct) succeeded, want error")
	}
}

func TestFieldNameToFlag(t *testing.T) {
	tests := map[string]string{
		"Port":               "port",
		"MonitorGracePeriod": "monitor-grace-period",
		"NatsURL":            "nats-url",
		"HTTPPort":           "http-port",
		"JSON":               "json",
	}
	for in, want := range tests {
		if got := fieldNameToFlag(in); got != want {
			t.Errorf("fieldNameToFlag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadLoggingConfig(t *testing.T) {
	path := writeFile(t, "c.toml", `
[logging]
level = "debug"
format = "json"
monitor = "warn"
logstream = "error"
`)
	cfg := LoadLoggingConfig(path)

	if cfg.Level != "debug" || cfg.Format != "json" {
		t.Errorf("Level/Format = %q/%q", cfg.Level, cfg.Format)
	}
	if cfg.Modules["monitor"] != "warn" || cfg.Modules["logstream"] != "error" || len(cfg.Modules) != 2 {
		t.Errorf("Modules = %v", cfg.Modules)
	}
}

func TestLoadLoggingConfigDefaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "none.toml")} {
		cfg := LoadLoggingConfig(path)
		if cfg.Level != "info" || cfg.Format != "text" || len(cfg.Modules) != 0 {
			t.Errorf("LoadLoggingConfig(%q) = %+v, want defaults", path, cfg)
		}
	}
}
