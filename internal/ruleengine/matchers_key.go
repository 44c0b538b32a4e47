package ruleengine

import (
	"errors"
	"fmt"
)

// ErrDependencyDepthExceeded is returned when flag or segment references nest deeper than MaxDependencyDepth.
var ErrDependencyDepthExceeded = errors.New("dependency depth exceeded")

// MaxDependencyDepth bounds recursion through IN_SPLIT_TREATMENT, prerequisites
// and rule-based segments. A cycle resolves to an exception instead of overflowing the stack.
const MaxDependencyDepth = 10

// AllKeysMatcher matches everything.
type AllKeysMatcher struct{}

func (m *AllKeysMatcher) Match(_ any, _ *EvaluationInput) (bool, error) {
	return true, nil
}

// SegmentMatcher checks membership in a standard segment.
type SegmentMatcher struct {
	SegmentName string
}

func (m *SegmentMatcher) Match(value any, input *EvaluationInput) (bool, error) {
	key, ok := asString(value)
	if !ok || input.engine == nil {
		return false, nil
	}
	return input.engine.segments.IsInSegment(m.SegmentName, key), nil
}

// RuleBasedSegmentMatcher checks membership in a rule-based segment.
// It always evaluates the full key and attributes, whatever the selector.
type RuleBasedSegmentMatcher struct {
	SegmentName string
}

func (m *RuleBasedSegmentMatcher) Match(_ any, input *EvaluationInput) (bool, error) {
	if input.engine == nil {
		return false, nil
	}
	return input.engine.inRuleBasedSegment(m.SegmentName, input)
}

// DependencyMatcher evaluates another flag and checks the resulting treatment.
type DependencyMatcher struct {
	FlagName   string
	Treatments map[string]struct{}
}

func (m *DependencyMatcher) Match(_ any, input *EvaluationInput) (bool, error) {
	if input.engine == nil {
		return false, nil
	}
	treatment, err := input.engine.dependencyTreatment(m.FlagName, input)
	if err != nil {
		return false, fmt.Errorf("dependency %q: %w", m.FlagName, err)
	}
	_, ok := m.Treatments[treatment]
	return ok, nil
}
