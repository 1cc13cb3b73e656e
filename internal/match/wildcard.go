package match

import (
	"fmt"
	"strings"
)

// WildcardPattern is a compiled '*' wildcard matcher.
// Params: internal split parts and anchor flags.
// Returns: reusable matcher for many Match calls.
type WildcardPattern struct {
	source        string
	parts         []string
	anchoredStart bool
	anchoredEnd   bool
	matchAll      bool
}

// CompileWildcard compiles pattern into reusable wildcard matcher.
// Params: pattern may contain '*' wildcards.
// Returns: compiled matcher and false when pattern is empty.
func CompileWildcard(pattern string) (WildcardPattern, bool) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return WildcardPattern{}, false
	}
	if strings.Trim(p, "*") == "" {
		return WildcardPattern{source: p, matchAll: true}, true
	}

	return WildcardPattern{
		source:        p,
		parts:         strings.Split(p, "*"),
		anchoredStart: !strings.HasPrefix(p, "*"),
		anchoredEnd:   !strings.HasSuffix(p, "*"),
	}, true
}

// String returns the pattern text.
func (p WildcardPattern) String() string {
	return p.source
}

// Match evaluates compiled wildcard pattern against value.
// Params: value is compared text.
// Returns: true on pattern match.
func (p WildcardPattern) Match(value string) bool {
	if p.matchAll {
		return true
	}
	if len(p.parts) == 0 {
		return false
	}
	if len(p.parts) == 1 {
		return value == p.parts[0]
	}

	cursor := 0
	partIndex := 0
	lastIndex := len(p.parts) - 1

	if p.anchoredStart {
		if !strings.HasPrefix(value, p.parts[0]) {
			return false
		}
		cursor = len(p.parts[0])
		partIndex = 1
	}

	loopLimit := len(p.parts)
	if p.anchoredEnd {
		loopLimit = lastIndex
	}

	for ; partIndex < loopLimit; partIndex++ {
		segment := p.parts[partIndex]
		if segment == "" {
			continue
		}
		offset := strings.Index(value[cursor:], segment)
		if offset < 0 {
			return false
		}
		cursor += offset + len(segment)
	}

	if p.anchoredEnd {
		// the suffix must not overlap text already consumed by earlier parts
		endPart := p.parts[lastIndex]
		return len(value)-len(endPart) >= cursor && strings.HasSuffix(value, endPart)
	}

	return true
}

// Set is an ordered list of compiled patterns matched with OR semantics.
// The zero Set matches nothing.
type Set struct {
	patterns []WildcardPattern
}

// CompileSet compiles every pattern; blank entries are rejected.
// Params: patterns list from config.
// Returns: compiled set or error naming the bad index.
func CompileSet(patterns []string) (Set, error) {
	out := Set{patterns: make([]WildcardPattern, 0, len(patterns))}
	for idx, pattern := range patterns {
		compiled, ok := CompileWildcard(pattern)
		if !ok {
			return Set{}, fmt.Errorf("pattern[%d] cannot be empty", idx)
		}
		out.patterns = append(out.patterns, compiled)
	}
	return out, nil
}

// Len returns the number of compiled patterns.
func (s Set) Len() int {
	return len(s.patterns)
}

// Match reports whether any pattern matches value.
func (s Set) Match(value string) bool {
	for _, pattern := range s.patterns {
		if pattern.Match(value) {
			return true
		}
	}
	return false
}

// WildcardMatch evaluates '*' wildcard pattern against value.
// Params: pattern may contain '*' wildcards; value is compared text.
// Returns: true on pattern match.
func WildcardMatch(pattern, value string) bool {
	compiled, ok := CompileWildcard(pattern)
	if !ok {
		return false
	}
	return compiled.Match(value)
}
