package rules

import (
	"path/filepath"
	"strings"
)

// matchPattern checks whether a normalized action/target string matches a
// rule's pattern. An empty pattern matches everything (used for rules with
// no target). Patterns support glob wildcards via path/filepath.Match, with
// a directory-prefix fallback for "/**"-suffixed patterns and invalid globs,
// the same tolerant fallback shape the reference service's capability
// boundary checker uses for filesystem path matching — generalized here to
// any action/target string, not just paths.
func matchPattern(value, pattern string) bool {
	if pattern == "" {
		return true
	}
	if pattern == value {
		return true
	}

	matched, err := filepath.Match(pattern, value)
	if err == nil && matched {
		return true
	}

	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		return strings.HasPrefix(value, prefix)
	}
	if strings.HasSuffix(pattern, "*") && err != nil {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(value, prefix)
	}

	return false
}
