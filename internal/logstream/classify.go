package logstream

import (
	"regexp"
	"strings"
)

// classifier returns a level and true when it recognizes the line.
type classifier func(line string, src Source) (Level, bool)

// classifiers run in order; the first match wins.
var classifiers = []classifier{
	classifyTag,
	classifyContent,
	classifySource,
}

var (
	bracketTag = regexp.MustCompile(`(?i)\[(error|warning|warn|info|debug)\]`)
	leadingTag = regexp.MustCompile(`(?i)^\s*(error|warning|warn|info|debug)(?:[:\s\]-]|$)`)
)

// Classify assigns a level to one line. It never fails.
func Classify(line string, src Source) Level {
	for _, c := range classifiers {
		if lvl, ok := c(line, src); ok {
			return lvl
		}
	}
	return LevelInfo
}

func classifyTag(line string, _ Source) (Level, bool) {
	m := bracketTag.FindStringSubmatch(line)
	if m == nil {
		m = leadingTag.FindStringSubmatch(line)
	}
	if m == nil {
		return "", false
	}
	lvl, err := ParseLevel(m[1])
	return lvl, err == nil
}

var errorWords = []string{"error", "fail", "fatal", "exception", "panic"}

func classifyContent(line string, _ Source) (Level, bool) {
	lower := strings.ToLower(line)
	for _, w := range errorWords {
		if strings.Contains(lower, w) {
			return LevelError, true
		}
	}
	if strings.Contains(lower, "warning") {
		return LevelWarn, true
	}
	return "", false
}

// classifySource treats anything on stderr as an error.
func classifySource(_ string, src Source) (Level, bool) {
	if src == Stderr {
		return LevelError, true
	}
	return LevelInfo, true
}
