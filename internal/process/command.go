package process

import (
	"fmt"
	"strings"
	"unicode"
)

// parseCommand splits a command string into arguments. Single and double
// quotes group words; a backslash escapes the next rune.
func parseCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)
	// Tracks "" so an explicitly empty argument survives.
	hasArg := false

	runes := []rune(strings.TrimSpace(command))

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			switch {
			case !inQuote:
				inQuote = true
				quoteChar = r
				hasArg = true
			case r == quoteChar:
				inQuote = false
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case unicode.IsSpace(r) && !inQuote:
			if hasArg {
				args = append(args, current.String())
				current.Reset()
				hasArg = false
			}
		case r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
			hasArg = true
		default:
			current.WriteRune(r)
			hasArg = true
		}
	}

	if inQuote {
		return nil, fmt.Errorf("unclosed quote in command")
	}
	if hasArg {
		args = append(args, current.String())
	}
	return args, nil
}
