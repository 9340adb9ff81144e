package profile

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Matcher compiles glob-style capability patterns ("action.execute.*")
// into anchored regular expressions and caches the compiled form, so
// repeated CanUse checks never recompile.
//
// Supported wildcards: '*' matches any run of characters (including
// dots), '?' matches a single character. Everything else is literal.
type Matcher struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// NewMatcher creates an empty pattern cache.
func NewMatcher() *Matcher {
	return &Matcher{compiled: make(map[string]*regexp.Regexp)}
}

// Matches reports whether the capability id matches the glob pattern.
// Malformed patterns never match (fail safe for allow lists; forbidden
// lists are validated at profile write time).
func (m *Matcher) Matches(pattern, capabilityID string) bool {
	re, err := m.compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(capabilityID)
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	m.mu.RLock()
	re, ok := m.compiled[pattern]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(globToRegexp(pattern))
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}

	m.mu.Lock()
	m.compiled[pattern] = re
	m.mu.Unlock()
	return re, nil
}

// ValidatePattern reports whether a glob pattern is well-formed.
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("empty pattern")
	}
	if _, err := regexp.Compile(globToRegexp(pattern)); err != nil {
		return fmt.Errorf("malformed pattern %q: %w", pattern, err)
	}
	return nil
}

func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}
