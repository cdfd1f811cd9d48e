package matcher

import (
	"fmt"
	"regexp"
)

// extraMatcher evaluates regex patterns against a query name. It backs
// the optional advanced-pattern tier: block rules the plain exact/
// wildcard blocklist format can't express, e.g. "(^|\.)ads\d+\.example\.com$".
type extraMatcher struct {
	patterns []*regexp.Regexp
}

func newExtraMatcher(patterns []string) (*extraMatcher, error) {
	m := &extraMatcher{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, raw := range patterns {
		compiled, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("extra pattern %q: %w", raw, err)
		}
		m.patterns = append(m.patterns, compiled)
	}
	return m, nil
}

func (m *extraMatcher) match(name string) bool {
	for _, p := range m.patterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}
