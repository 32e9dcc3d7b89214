package messaging

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher tests routing keys against a compiled binding pattern.
//
// Patterns are dot-separated literal segments, optionally ending in a "#"
// segment that matches zero or more further segments: "command.#" accepts
// "command", "command.sayHi" and "command.sayHi.now". A pattern without "#"
// accepts only the identical key.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
}

// CompilePattern compiles a routing pattern into an anchored matcher
func CompilePattern(pattern string) (*Matcher, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	segments := strings.Split(pattern, ".")
	var b strings.Builder
	b.WriteString("^")
	for i, seg := range segments {
		switch {
		case seg == "":
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, pattern)
		case seg == "#":
			if i != len(segments)-1 {
				return nil, fmt.Errorf("%w: # must be the last segment in %q", ErrInvalidPattern, pattern)
			}
			if i == 0 {
				b.WriteString(".*")
			} else {
				b.WriteString(`(\..*)?`)
			}
			continue
		case strings.ContainsAny(seg, "#*"):
			return nil, fmt.Errorf("%w: unsupported wildcard in %q", ErrInvalidPattern, pattern)
		}
		if i > 0 {
			b.WriteString(`\.`)
		}
		b.WriteString(regexp.QuoteMeta(seg))
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return &Matcher{pattern: pattern, re: re}, nil
}

// MustCompilePattern is like CompilePattern but panics on error
func MustCompilePattern(pattern string) *Matcher {
	m, err := CompilePattern(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether routingKey is accepted by the pattern
func (m *Matcher) Match(routingKey string) bool {
	return m.re.MatchString(routingKey)
}

// Pattern returns the source pattern
func (m *Matcher) Pattern() string {
	return m.pattern
}

func (m *Matcher) String() string {
	return m.pattern
}
