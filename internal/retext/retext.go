// Package retext normalizes regex patterns stored by operators. Stored data
// mixes JavaScript-style named groups (?<name>...) with Go's (?P<name>...);
// a pre-pass rewrites the former to the latter before compiling.
package retext

import (
	"regexp"
	"strings"
	"sync"
)

// RewriteNamedGroups converts JS-style (?<name>...) groups to Go's
// (?P<name>...). Lookaround assertions (?=, (?!, (?<=, (?<! are left alone
// so they fail at compile time with their own error instead of being
// mangled into something that compiles wrong.
func RewriteNamedGroups(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '\\' && i+1 < len(pattern) {
			b.WriteByte(pattern[i])
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		if strings.HasPrefix(pattern[i:], "(?<") {
			rest := pattern[i+3:]
			if len(rest) > 0 && rest[0] != '=' && rest[0] != '!' {
				b.WriteString("(?P<")
				i += 2
				continue
			}
		}
		b.WriteByte(pattern[i])
	}
	return b.String()
}

var (
	cacheMu sync.RWMutex
	cache   = map[string]*regexp.Regexp{}
)

// Compile rewrites named groups and compiles, caching compiled patterns
// process-wide. Stored rules are re-evaluated constantly against every
// stream name, so the cache earns its keep.
func Compile(pattern string) (*regexp.Regexp, error) {
	cacheMu.RLock()
	re, ok := cache[pattern]
	cacheMu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(RewriteNamedGroups(pattern))
	if err != nil {
		return nil, err
	}
	cacheMu.Lock()
	cache[pattern] = re
	cacheMu.Unlock()
	return re, nil
}
