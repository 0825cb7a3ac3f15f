package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/procwatch/internal/logstream"
	"github.com/smazurov/procwatch/internal/monitor"
)

type policyFile struct {
	Default *[]string `toml:"default"`
	Rules   []struct {
		Match  string   `toml:"match"`
		Levels []string `toml:"levels"`
	} `toml:"rules"`
}

// LoadFilterPolicy reads a filter policy file:
//
//	default = ["error", "warn"]
//
//	[[rules]]
//	match  = "^ffmpeg "
//	levels = ["error"]
//
// match is a regular expression tested against the full command line. An
// empty levels list allows every level. Omitting default leaves unmatched
// commands unfiltered.
func LoadFilterPolicy(path string) (monitor.FilterPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return monitor.FilterPolicy{}, err
	}
	return ParseFilterPolicy(data)
}

// ParseFilterPolicy decodes policy TOML. See LoadFilterPolicy.
func ParseFilterPolicy(data []byte) (monitor.FilterPolicy, error) {
	var raw policyFile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return monitor.FilterPolicy{}, fmt.Errorf("parse filter policy: %w", err)
	}

	var policy monitor.FilterPolicy
	if raw.Default != nil {
		levels, err := logstream.ParseLevels(*raw.Default)
		if err != nil {
			return monitor.FilterPolicy{}, fmt.Errorf("default: %w", err)
		}
		policy.Default = levels
	}

	for i, r := range raw.Rules {
		if r.Match == "" {
			return monitor.FilterPolicy{}, fmt.Errorf("rule %d: match is required", i)
		}
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return monitor.FilterPolicy{}, fmt.Errorf("rule %d: %w", i, err)
		}
		levels, err := logstream.ParseLevels(r.Levels)
		if err != nil {
			return monitor.FilterPolicy{}, fmt.Errorf("rule %d: %w", i, err)
		}
		policy.Rules = append(policy.Rules, monitor.FilterRule{Pattern: re, Levels: levels})
	}
	return policy, nil
}
