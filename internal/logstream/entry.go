package logstream

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Level is the severity assigned to a captured line.
type Level string

// Known levels, most severe first.
const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// Levels lists every level in canonical order.
var Levels = []Level{LevelError, LevelWarn, LevelInfo, LevelDebug}

// ParseLevel converts a case-insensitive level name. "warning" is accepted as warn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// ParseLevels parses a list of level names, dropping duplicates.
func ParseLevels(names []string) ([]Level, error) {
	levels := make([]Level, 0, len(names))
	for _, name := range names {
		lvl, err := ParseLevel(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(levels, lvl) {
			levels = append(levels, lvl)
		}
	}
	return levels, nil
}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	return slices.Contains(Levels, l)
}

// Source identifies which output stream a line came from.
type Source string

// Output streams.
const (
	Stdout Source = "stdout"
	Stderr Source = "stderr"
)

// Entry is one classified line of process output.
type Entry struct {
	Timestamp time.Time `json:"timestamp" doc:"Time the line was terminated"`
	Level     Level     `json:"level" enum:"error,warn,info,debug" doc:"Classified level"`
	Message   string    `json:"message" doc:"Raw line without terminator"`
	Source    Source    `json:"source" enum:"stdout,stderr" doc:"Stream the line arrived on"`
}

// BufferWarning reports that a stream holds more unterminated bytes than the
// high-water mark. Nothing is dropped.
type BufferWarning struct {
	Source        Source `json:"source"`
	Buffered      int    `json:"buffered"`
	HighWaterMark int    `json:"high_water_mark"`
}
