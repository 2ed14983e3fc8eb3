package kv

import (
	"regexp"
	"strings"
)

// Match reports whether key matches a Redis-style glob pattern. Unlike
// path.Match, '*' also crosses '/' which may legitimately appear in ids, and
// like Redis it matches newlines too.
func Match(pattern, key string) bool {
	return compilePattern(pattern).MatchString(key)
}

// EscapePattern escapes glob metacharacters so an id can be embedded in a
// Scan pattern verbatim.
func EscapePattern(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func compilePattern(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?s)^")
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			i++
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
		case inClass:
			if c == ']' {
				inClass = false
			}
			if c == '^' && pattern[i-1] == '[' {
				b.WriteByte('^')
				continue
			}
			b.WriteByte(c)
		case c == '*':
			b.WriteString(".*")
		case c == '?':
			b.WriteString(".")
		case c == '[':
			inClass = true
			b.WriteByte('[')
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		// Unbalanced classes match literally, as Redis does.
		re = regexp.MustCompile("^" + regexp.QuoteMeta(pattern) + "$")
	}
	return re
}
