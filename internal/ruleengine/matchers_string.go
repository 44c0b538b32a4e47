package ruleengine

import (
	"fmt"
	"regexp"
	"strings"
)

// StringMatcher implements WHITELIST, STARTS_WITH, ENDS_WITH, CONTAINS_STRING
// and MATCHES_STRING. For the list-based variants any listed value satisfies the matcher.
type StringMatcher struct {
	Type   MatcherType
	Values []string
	set    map[string]struct{}

	pattern  *regexp.Regexp
	regexErr error
}

// NewStringMatcher builds a StringMatcher. A MATCHES_STRING pattern is compiled
// here once; an invalid pattern is kept as an error surfaced on every Match.
func NewStringMatcher(t MatcherType, values []string) *StringMatcher {
	m := &StringMatcher{Type: t, Values: values}
	switch t {
	case MatcherWhitelist:
		m.set = toSet(values)
	case MatcherMatchesString:
		if len(values) == 0 {
			m.regexErr = fmt.Errorf("empty regular expression")
			break
		}
		m.pattern, m.regexErr = regexp.Compile(values[0])
	}
	return m
}

func (m *StringMatcher) Match(value any, _ *EvaluationInput) (bool, error) {
	s, ok := asString(value)
	if !ok {
		return false, nil
	}

	switch m.Type {
	case MatcherWhitelist:
		_, found := m.set[s]
		return found, nil
	case MatcherStartsWith:
		return anyValue(m.Values, func(v string) bool { return strings.HasPrefix(s, v) }), nil
	case MatcherEndsWith:
		return anyValue(m.Values, func(v string) bool { return strings.HasSuffix(s, v) }), nil
	case MatcherContainsString:
		return anyValue(m.Values, func(v string) bool { return strings.Contains(s, v) }), nil
	case MatcherMatchesString:
		if m.regexErr != nil {
			return false, fmt.Errorf("invalid regular expression: %w", m.regexErr)
		}
		return m.pattern.MatchString(s), nil
	default:
		return false, nil
	}
}

func anyValue(values []string, pred func(string) bool) bool {
	for _, v := range values {
		if pred(v) {
			return true
		}
	}
	return false
}
