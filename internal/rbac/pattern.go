package rbac

import (
	"regexp"
	"strings"
	"sync"
)

// patternCache compiles `*`-glob patterns into anchored regexes once and
// reuses them; the same small pattern set is applied to every tool on
// every role switch.
type patternCache struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

var globalPatternCache = &patternCache{cache: make(map[string]*regexp.Regexp)}

// compile turns a `*`-only glob into an anchored regular expression. Every
// character other than `*` is treated literally (regex metacharacters are
// escaped), and the result is anchored at both ends.
func compile(pattern string) *regexp.Regexp {
	globalPatternCache.mu.Lock()
	defer globalPatternCache.mu.Unlock()
	if re, ok := globalPatternCache.cache[pattern]; ok {
		return re
	}

	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	expr := "^" + strings.Join(parts, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		// A pattern that somehow fails to compile matches nothing rather
		// than panicking the role switch that triggered it.
		re = regexp.MustCompile(`^\x00$`)
	}
	globalPatternCache.cache[pattern] = re
	return re
}

// matchPattern reports whether name matches the `*`-glob pattern.
func matchPattern(pattern, name string) bool {
	return compile(pattern).MatchString(name)
}

// matchAny reports whether name matches any of patterns.
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchPattern(p, name) {
			return true
		}
	}
	return false
}

// contains reports plain (non-pattern) membership.
func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
