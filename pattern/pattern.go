// Package pattern implements wildcard matching of dot-delimited event types
// against subscription patterns. It is used both for gateway-side
// subscription filtering and for each extension's internal event dispatch.
//
// Three wildcard forms are supported:
//   - "*" matches any event type
//   - "prefix.*" (exactly two segments) matches any event type whose first
//     segment equals prefix, regardless of depth
//   - a "*" segment inside an equal-length pattern matches exactly one
//     segment
//
// No other forms exist; matching is intentionally implemented as a segment
// comparison rather than a regular expression so the semantics stay exactly
// these three.
package pattern

import "strings"

// Matches reports whether eventType satisfies pattern. It is pure and total:
// any pair of strings yields a deterministic answer with no side effects.
func Matches(eventType, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == eventType {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	eventParts := strings.Split(eventType, ".")

	// Two-segment trailing wildcard: "prefix.*" matches any depth under prefix.
	if len(patternParts) == 2 && patternParts[1] == "*" {
		return eventParts[0] == patternParts[0]
	}

	// General case: segment counts must be equal; "*" matches exactly one segment.
	if len(patternParts) != len(eventParts) {
		return false
	}
	for i, pp := range patternParts {
		if pp != "*" && pp != eventParts[i] {
			return false
		}
	}
	return true
}

// MatchesAny reports whether eventType satisfies at least one of patterns.
func MatchesAny(eventType string, patterns []string) bool {
	for _, p := range patterns {
		if Matches(eventType, p) {
			return true
		}
	}
	return false
}
