// Package pattern matches request URLs against operator supplied rules.
//
// Syntax:
//
//   - plain text: case-insensitive exact match ("https://tracker.example/pixel")
//   - "*" wildcard: case-insensitive, "*" spans any run of characters ("*.doubleclick.net/*")
//   - "~" prefix: case-sensitive regular expression ("~^https?://ads\.")
//   - "~*" prefix: case-insensitive regular expression ("~*analytics|metrics")
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the matching strategy of a compiled pattern
type Kind int

const (
	KindExact Kind = iota
	KindWildcard
	KindRegexp
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindWildcard:
		return "wildcard"
	case KindRegexp:
		return "regexp"
	default:
		return "unknown"
	}
}

// Pattern is a compiled rule
type Pattern struct {
	Source string
	Kind   Kind

	body string
	re   *regexp.Regexp
}

// Classify splits a raw rule into its kind and body.
// The bool result reports a case-insensitive regexp.
func Classify(raw string) (Kind, string, bool) {
	switch {
	case strings.HasPrefix(raw, "~*"):
		return KindRegexp, raw[2:], true
	case strings.HasPrefix(raw, "~"):
		return KindRegexp, raw[1:], false
	case strings.Contains(raw, "*"):
		return KindWildcard, strings.ToLower(raw), false
	default:
		return KindExact, raw, false
	}
}

// Compile parses a single rule
func Compile(raw string) (*Pattern, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	kind, body, fold := Classify(raw)
	p := &Pattern{Source: raw, Kind: kind, body: body}

	if kind == KindRegexp {
		expr := body
		if fold {
			expr = "(?i)" + body
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern %q: %w", raw, err)
		}
		p.re = re
	}

	return p, nil
}

// Match reports whether input satisfies the pattern. A nil pattern matches nothing.
func (p *Pattern) Match(input string) bool {
	if p == nil {
		return false
	}

	switch p.Kind {
	case KindRegexp:
		return p.re != nil && p.re.MatchString(input)
	case KindWildcard:
		return MatchWildcard(strings.ToLower(input), p.body)
	case KindExact:
		return strings.EqualFold(input, p.body)
	}
	return false
}

// Set is an ordered list of compiled patterns
type Set []*Pattern

// CompileAll compiles every rule, failing on the first invalid one
func CompileAll(raws []string) (Set, error) {
	set := make(Set, 0, len(raws))
	for i, raw := range raws {
		p, err := Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("pattern[%d]: %w", i, err)
		}
		set = append(set, p)
	}
	return set, nil
}

// FirstMatch returns the first pattern matching input, or nil
func (s Set) FirstMatch(input string) *Pattern {
	for _, p := range s {
		if p.Match(input) {
			return p
		}
	}
	return nil
}

// MatchWildcard matches text against a glob where "*" spans any characters,
// including none and including "/". Comparison is byte exact.
func MatchWildcard(text, glob string) bool {
	if !strings.Contains(glob, "*") {
		return text == glob
	}

	segments := strings.Split(glob, "*")
	head, tail := segments[0], segments[len(segments)-1]

	if !strings.HasPrefix(text, head) {
		return false
	}
	text = text[len(head):]

	if !strings.HasSuffix(text, tail) {
		return false
	}
	text = text[:len(text)-len(tail)]

	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(text, seg)
		if idx < 0 {
			return false
		}
		text = text[idx+len(seg):]
	}

	return true
}
