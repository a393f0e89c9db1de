package threat

import (
	_ "embed"
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Default pattern IDs shipped in patterns.yaml.
const (
	PatternBruteForceLogin     = "brute_force_login"
	PatternRapidAPICalls       = "rapid_api_calls"
	PatternSuspiciousUserAgent = "suspicious_user_agent"
	PatternAccountTakeover     = "account_takeover"
	PatternMFABypass           = "mfa_bypass"
	PatternSessionHijack       = "session_hijack"
)

//go:embed patterns.yaml
var defaultPatternsYAML []byte

// DefaultPatterns returns the built-in pattern set.
func DefaultPatterns() ([]Pattern, error) {
	return ParsePatterns(defaultPatternsYAML)
}

// ParsePatterns parses a YAML document with a top-level "patterns" list.
func ParsePatterns(doc []byte) ([]Pattern, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(doc), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse patterns: %w", err)
	}
	return LoadPatterns(k, "patterns")
}

// LoadPatterns decodes the pattern list found at path in k and validates each
// entry. Patterns that omit "enabled" are enabled.
func LoadPatterns(k *koanf.Koanf, path string) ([]Pattern, error) {
	subs := k.Slices(path)
	patterns := make([]Pattern, 0, len(subs))

	for i, sub := range subs {
		var p Pattern
		if err := sub.UnmarshalWithConf("", &p, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
			return nil, fmt.Errorf("failed to decode pattern %d: %w", i, err)
		}
		if !sub.Exists("enabled") {
			p.Enabled = true
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		patterns = append(patterns, p)
	}

	return patterns, nil
}

// MergePatterns overlays extra on base by ID. A pattern in extra replaces the
// base pattern with the same ID in place; new IDs are appended in order.
func MergePatterns(base, extra []Pattern) []Pattern {
	out := make([]Pattern, len(base), len(base)+len(extra))
	copy(out, base)

	index := make(map[string]int, len(out))
	for i, p := range out {
		index[p.ID] = i
	}
	for _, p := range extra {
		if i, ok := index[p.ID]; ok {
			out[i] = p
			continue
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}
