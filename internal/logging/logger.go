package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Logger is a duck-typed interface satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

var (
	moduleLoggers   = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	globalConfig    Config
	globalLevelVar  = &slog.LevelVar{}
	isInitialized   bool
	mutex           sync.RWMutex

	// output is shared by every module logger so Initialize can swap
	// destinations without invalidating loggers handed out earlier.
	output atomic.Pointer[slog.Handler]
)

func init() {
	h := newOutputHandler("text", os.Stdout)
	output.Store(&h)
}

// Initialize sets up the logging system. Loggers obtained from GetLogger
// before Initialize keep working and pick up the new levels and format.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	globalConfig = config
	isInitialized = true

	globalLevel := slog.LevelInfo
	if parsed := parseLevel(config.Level); parsed != nil {
		globalLevel = *parsed
	}
	globalLevelVar.Set(globalLevel)

	for module, levelVar := range moduleLevelVars {
		levelVar.Set(levelForModule(module))
	}

	h := newOutputHandler(config.Format, os.Stdout)
	output.Store(&h)

	slog.SetDefault(slog.New(&moduleHandler{level: globalLevelVar, wrap: identity}))
}

// SetOutput redirects all log output to w using the configured format.
// Intended for tests and for commands that reserve stdout for results.
func SetOutput(w io.Writer) {
	mutex.RLock()
	format := globalConfig.Format
	mutex.RUnlock()

	h := slog.Handler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if format == "json" {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	output.Store(&h)
}

// GetLogger returns a logger for the specified module, creating it if needed.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	if logger, exists := moduleLoggers[module]; exists {
		mutex.RUnlock()
		return logger
	}
	mutex.RUnlock()

	mutex.Lock()
	defer mutex.Unlock()

	// Another goroutine may have created it while we waited.
	if logger, exists := moduleLoggers[module]; exists {
		return logger
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(levelForModule(module))

	logger := slog.New(&moduleHandler{level: levelVar, wrap: identity}).With("module", module)
	moduleLoggers[module] = logger
	moduleLevelVars[module] = levelVar
	return logger
}

// SetModuleLevel changes the level of one module at runtime.
func SetModuleLevel(module, level string) bool {
	parsed := parseLevel(level)
	if parsed == nil {
		return false
	}
	GetLogger(module)

	mutex.Lock()
	defer mutex.Unlock()
	moduleLevelVars[module].Set(*parsed)
	if globalConfig.Modules == nil {
		globalConfig.Modules = make(map[string]string)
	}
	globalConfig.Modules[module] = level
	return true
}

// levelForModule resolves the effective level for a module (must hold lock).
func levelForModule(module string) slog.Level {
	if !isInitialized {
		return slog.LevelInfo
	}
	if levelStr, exists := globalConfig.Modules[module]; exists {
		if parsed := parseLevel(levelStr); parsed != nil {
			return *parsed
		}
	}
	if parsed := parseLevel(globalConfig.Level); parsed != nil {
		return *parsed
	}
	return slog.LevelInfo
}

// newOutputHandler builds the destination chain: stdout plus the systemd
// journal when one is reachable. Level filtering happens in moduleHandler.
func newOutputHandler(format string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}

	var stdoutHandler slog.Handler
	if format == "json" {
		stdoutHandler = slog.NewJSONHandler(w, opts)
	} else {
		stdoutHandler = slog.NewTextHandler(w, opts)
	}

	if !IsJournalAvailable() {
		return stdoutHandler
	}
	if !isStdoutAvailable() {
		return NewJournalHandler(slog.LevelDebug)
	}
	return NewMultiHandler(stdoutHandler, NewJournalHandler(slog.LevelDebug))
}

// moduleHandler filters by a per-module LevelVar and forwards to whatever
// output handler is current at the time of the call.
type moduleHandler struct {
	level *slog.LevelVar
	wrap  func(slog.Handler) slog.Handler
}

func identity(h slog.Handler) slog.Handler { return h }

func (h *moduleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *moduleHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.wrap(*output.Load()).Handle(ctx, r)
}

func (h *moduleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prev := h.wrap
	return &moduleHandler{
		level: h.level,
		wrap:  func(out slog.Handler) slog.Handler { return prev(out).WithAttrs(attrs) },
	}
}

func (h *moduleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	prev := h.wrap
	return &moduleHandler{
		level: h.level,
		wrap:  func(out slog.Handler) slog.Handler { return prev(out).WithGroup(name) },
	}
}

// isStdoutAvailable checks if stdout is connected to a terminal, pipe, socket, or file.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	// /dev/null is a device, not a char device we can read back from
	return (mode&os.ModeCharDevice) != 0 || (mode&os.ModeNamedPipe) != 0 || (mode&os.ModeSocket) != 0 || mode.IsRegular()
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
