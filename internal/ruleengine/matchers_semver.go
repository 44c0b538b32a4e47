package ruleengine

import (
	"github.com/rafaeljc/bifrost/internal/semver"
)

// SemverMatcher implements the semver family. The attribute must be a version string;
// anything unparsable is a mismatch.
type SemverMatcher struct {
	Type  MatcherType
	Value *semver.Semver
	Start *semver.Semver
	End   *semver.Semver
	List  map[string]struct{}
}

func (m *SemverMatcher) Match(value any, _ *EvaluationInput) (bool, error) {
	s, ok := asString(value)
	if !ok {
		return false, nil
	}
	v, err := semver.Parse(s)
	if err != nil {
		return false, nil
	}

	switch m.Type {
	case MatcherEqualToSemver:
		return v.EqualTo(m.Value), nil
	case MatcherGreaterThanOrEqualSemver:
		return v.GreaterThanOrEqualTo(m.Value), nil
	case MatcherLessThanOrEqualSemver:
		return v.LessThanOrEqualTo(m.Value), nil
	case MatcherBetweenSemver:
		return v.Between(m.Start, m.End), nil
	case MatcherInListSemver:
		_, found := m.List[v.Version()]
		return found, nil
	default:
		return false, nil
	}
}
