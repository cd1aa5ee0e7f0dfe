package cache

import (
	"fmt"
	"regexp"
)

// BypassList decides whether responses for a given model id skip the cache
// entirely. Two rule kinds are supported:
//
//   - Exact: the model id must equal the rule string.
//   - Pattern: the model id is tested against a compiled regexp.
//
// A nil *BypassList is safe to call; Matches always returns false.
type BypassList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewBypassList compiles exact strings and regex patterns into a BypassList.
// An invalid pattern is an error so misconfiguration surfaces at startup.
func NewBypassList(exact, patterns []string) (*BypassList, error) {
	bl := &BypassList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			bl.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache bypass: invalid pattern %q: %w", p, err)
		}
		bl.patterns = append(bl.patterns, re)
	}

	return bl, nil
}

// Matches reports whether model is excluded from caching. Exact rules are
// checked first, then patterns in order.
func (bl *BypassList) Matches(model string) bool {
	if bl == nil {
		return false
	}
	if _, ok := bl.exact[model]; ok {
		return true
	}
	for _, re := range bl.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules configured.
func (bl *BypassList) Len() int {
	if bl == nil {
		return 0
	}
	return len(bl.exact) + len(bl.patterns)
}
