package modelmapping

import (
	"fmt"
	"regexp"
)

// Matcher decides whether a declared model name matches a rule pattern.
type Matcher interface {
	Match(model string) bool
}

// ExactMatcher matches by string equality.
type ExactMatcher struct {
	Pattern string
}

// Match reports whether model equals the pattern.
func (m ExactMatcher) Match(model string) bool {
	return model == m.Pattern
}

// RegexMatcher matches when the whole model string satisfies the expression.
type RegexMatcher struct {
	re *regexp.Regexp
}

// NewRegexMatcher compiles pattern anchored at both ends.
func NewRegexMatcher(pattern string) (*RegexMatcher, error) {
	re, errCompile := regexp.Compile(`^(?:` + pattern + `)$`)
	if errCompile != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, errCompile)
	}
	return &RegexMatcher{re: re}, nil
}

// Match reports whether model fully matches the expression.
func (m *RegexMatcher) Match(model string) bool {
	if m == nil || m.re == nil {
		return false
	}
	return m.re.MatchString(model)
}

// NewMatcher builds the matcher for a rule.
func NewMatcher(rule Rule) (Matcher, error) {
	if rule.UseRegex {
		return NewRegexMatcher(rule.Pattern)
	}
	return ExactMatcher{Pattern: rule.Pattern}, nil
}
