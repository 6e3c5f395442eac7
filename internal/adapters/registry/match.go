package registry

import (
	"regexp"
	"strings"
	"sync"
)

// patternCache compiles subscription patterns once. `*` matches a single
// dot-separated segment, `**` matches any remainder including dots.
type patternCache struct {
	compiled sync.Map
}

func (c *patternCache) match(pattern, event string) bool {
	if pattern == event {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	if pattern == "**" {
		return true
	}

	if cached, ok := c.compiled.Load(pattern); ok {
		return cached.(*regexp.Regexp).MatchString(event)
	}

	re, err := regexp.Compile(patternToRegexp(pattern))
	if err != nil {
		return false
	}
	c.compiled.Store(pattern, re)
	return re.MatchString(event)
}

func patternToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch {
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i++
		case pattern[i] == '*':
			b.WriteString("[^.]*")
		default:
			b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
		}
	}
	b.WriteString("$")
	return b.String()
}
