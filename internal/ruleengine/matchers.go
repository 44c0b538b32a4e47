package ruleengine

import (
	"encoding/json"
	"math"
	"strings"
)

// MatcherType is the closed set of predicates understood by this engine.
type MatcherType string

const (
	MatcherAllKeys                  MatcherType = "ALL_KEYS"
	MatcherInSegment                MatcherType = "IN_SEGMENT"
	MatcherInRuleBasedSegment       MatcherType = "IN_RULE_BASED_SEGMENT"
	MatcherWhitelist                MatcherType = "WHITELIST"
	MatcherEqualTo                  MatcherType = "EQUAL_TO"
	MatcherGreaterThanOrEqualTo     MatcherType = "GREATER_THAN_OR_EQUAL_TO"
	MatcherLessThanOrEqualTo        MatcherType = "LESS_THAN_OR_EQUAL_TO"
	MatcherBetween                  MatcherType = "BETWEEN"
	MatcherEqualToSet               MatcherType = "EQUAL_TO_SET"
	MatcherContainsAnyOfSet         MatcherType = "CONTAINS_ANY_OF_SET"
	MatcherContainsAllOfSet         MatcherType = "CONTAINS_ALL_OF_SET"
	MatcherPartOfSet                MatcherType = "PART_OF_SET"
	MatcherStartsWith               MatcherType = "STARTS_WITH"
	MatcherEndsWith                 MatcherType = "ENDS_WITH"
	MatcherContainsString           MatcherType = "CONTAINS_STRING"
	MatcherInSplitTreatment         MatcherType = "IN_SPLIT_TREATMENT"
	MatcherEqualToBoolean           MatcherType = "EQUAL_TO_BOOLEAN"
	MatcherMatchesString            MatcherType = "MATCHES_STRING"
	MatcherEqualToSemver            MatcherType = "EQUAL_TO_SEMVER"
	MatcherGreaterThanOrEqualSemver MatcherType = "GREATER_THAN_OR_EQUAL_TO_SEMVER"
	MatcherLessThanOrEqualSemver    MatcherType = "LESS_THAN_OR_EQUAL_TO_SEMVER"
	MatcherBetweenSemver            MatcherType = "BETWEEN_SEMVER"
	MatcherInListSemver             MatcherType = "IN_LIST_SEMVER"
)

// Matcher is the interface implemented by every predicate family.
type Matcher interface {
	// Match checks a resolved value against the predicate.
	//
	// value is the selected attribute, or the matching key when the matcher has
	// no attribute selector. A missing value or a type mismatch yields false.
	// An error is reserved for genuine evaluation failures (bad regex,
	// dependency recursion too deep) and turns the evaluation into an exception.
	Match(value any, input *EvaluationInput) (bool, error)
}

// EvaluationInput aggregates what a matcher may need beyond the resolved value.
type EvaluationInput struct {
	Key        Key
	Attributes Attributes

	engine *Engine
	depth  int
}

// AttributeMatcher binds a Matcher to an optional attribute and a negate flag.
type AttributeMatcher struct {
	Type      MatcherType
	Attribute string
	Negate    bool
	Matcher   Matcher
}

// Match resolves the value and applies negate XOR matcher.
// A selector pointing at a missing attribute never matches, negated or not.
func (a *AttributeMatcher) Match(input *EvaluationInput) (bool, error) {
	var value any = input.Key.MatchingKey
	if a.Attribute != "" {
		v, ok := input.Attributes[a.Attribute]
		if !ok || v == nil {
			return false, nil
		}
		value = v
	}

	matched, err := a.Matcher.Match(value, input)
	if err != nil {
		return false, err
	}
	return a.Negate != matched, nil
}

// Combiner joins the matchers of a group.
type Combiner string

const CombinerAnd Combiner = "AND"

// CombiningMatcher is a non-empty ordered list of matchers joined by Combiner.
type CombiningMatcher struct {
	Combiner Combiner
	Matchers []*AttributeMatcher
}

// Match returns true when every matcher matches. Evaluation stops at the first miss.
func (c *CombiningMatcher) Match(input *EvaluationInput) (bool, error) {
	if len(c.Matchers) == 0 {
		return false, nil
	}
	for _, m := range c.Matchers {
		ok, err := m.Match(input)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Value coercion shared by the matcher families.

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	default:
		return 0, false
	}
}

func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(b) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func asStringSet(v any) (map[string]struct{}, bool) {
	switch items := v.(type) {
	case []string:
		set := make(map[string]struct{}, len(items))
		for _, s := range items {
			set[s] = struct{}{}
		}
		return set, true
	case []any:
		set := make(map[string]struct{}, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			set[s] = struct{}{}
		}
		return set, true
	case map[string]struct{}:
		return items, true
	default:
		return nil, false
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}
