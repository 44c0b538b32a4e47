package ruleengine

// SetMatcher implements the set family over a list attribute.
type SetMatcher struct {
	Type MatcherType
	Set  map[string]struct{}
}

func (m *SetMatcher) Match(value any, _ *EvaluationInput) (bool, error) {
	attr, ok := asStringSet(value)
	if !ok {
		return false, nil
	}

	switch m.Type {
	case MatcherEqualToSet:
		return len(attr) == len(m.Set) && isSubset(attr, m.Set), nil
	case MatcherContainsAnyOfSet:
		for k := range m.Set {
			if _, found := attr[k]; found {
				return true, nil
			}
		}
		return false, nil
	case MatcherContainsAllOfSet:
		return len(attr) >= len(m.Set) && isSubset(m.Set, attr), nil
	case MatcherPartOfSet:
		return len(attr) > 0 && isSubset(attr, m.Set), nil
	default:
		return false, nil
	}
}

// isSubset reports whether every element of a is in b.
func isSubset(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// BooleanMatcher implements EQUAL_TO_BOOLEAN.
type BooleanMatcher struct {
	Value bool
}

func (m *BooleanMatcher) Match(value any, _ *EvaluationInput) (bool, error) {
	b, ok := asBool(value)
	if !ok {
		return false, nil
	}
	return b == m.Value, nil
}
