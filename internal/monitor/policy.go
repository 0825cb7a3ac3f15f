package monitor

import (
	"regexp"

	"github.com/smazurov/procwatch/internal/logstream"
)

// FilterRule assigns levels to commands matching Pattern.
type FilterRule struct {
	Pattern *regexp.Regexp
	Levels  []logstream.Level
}

// FilterPolicy chooses initial level filters by command. The first matching
// rule wins; Default applies when no rule matches and is ignored when nil.
type FilterPolicy struct {
	Default []logstream.Level
	Rules   []FilterRule
}

// LevelsFor returns the levels for command and whether the policy covers it.
// An empty, non-nil result means "allow all".
func (p FilterPolicy) LevelsFor(command string) ([]logstream.Level, bool) {
	for _, r := range p.Rules {
		if r.Pattern != nil && r.Pattern.MatchString(command) {
			return r.Levels, true
		}
	}
	if p.Default != nil {
		return p.Default, true
	}
	return nil, false
}
