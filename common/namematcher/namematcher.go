// Package namematcher implements the relay hostname allow-list check: a
// pattern beginning with "^" requires an exact match, otherwise the pattern
// is treated as a required suffix of the candidate hostname.
package namematcher

import "strings"

// NameMatcher is a compiled relay hostname pattern.
type NameMatcher struct {
	exact   bool
	pattern string
}

// NewNameMatcher compiles pattern. An empty pattern matches nothing.
func NewNameMatcher(pattern string) NameMatcher {
	if strings.HasPrefix(pattern, "^") {
		return NameMatcher{exact: true, pattern: strings.TrimPrefix(pattern, "^")}
	}
	return NameMatcher{exact: false, pattern: pattern}
}

// IsMember reports whether host satisfies the compiled pattern: an exact
// bytewise match for an exact-anchored pattern, or a suffix match otherwise.
// There is no look-ahead assertion on the suffix match, so the pattern does
// not need to be preceded by a dot in host.
func (m NameMatcher) IsMember(host string) bool {
	if m.pattern == "" {
		return false
	}
	if m.exact {
		return host == m.pattern
	}
	return strings.HasSuffix(host, m.pattern)
}

// IsValidRule reports whether pattern is non-empty once any leading "^" is
// stripped; used to reject an unusable configuration at startup.
func IsValidRule(pattern string) bool {
	return strings.TrimPrefix(pattern, "^") != ""
}
