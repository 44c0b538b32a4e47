package ruleengine

import "time"

// DataType tells numeric matchers how to interpret operands.
type DataType string

const (
	DataTypeNumber   DataType = "NUMBER"
	DataTypeDateTime DataType = "DATETIME"
)

// NumberMatcher implements EQUAL_TO, GREATER_THAN_OR_EQUAL_TO,
// LESS_THAN_OR_EQUAL_TO and BETWEEN over integers or epoch-millisecond dates.
type NumberMatcher struct {
	Type     MatcherType
	DataType DataType
	Value    int64
	Start    int64
	End      int64
}

func (m *NumberMatcher) Match(value any, _ *EvaluationInput) (bool, error) {
	n, ok := asInt64(value)
	if !ok {
		return false, nil
	}

	switch m.Type {
	case MatcherEqualTo:
		if m.DataType == DataTypeDateTime {
			return truncateToDay(n) == truncateToDay(m.Value), nil
		}
		return n == m.Value, nil
	case MatcherGreaterThanOrEqualTo:
		if m.DataType == DataTypeDateTime {
			return truncateToMinute(n) >= truncateToMinute(m.Value), nil
		}
		return n >= m.Value, nil
	case MatcherLessThanOrEqualTo:
		if m.DataType == DataTypeDateTime {
			return truncateToMinute(n) <= truncateToMinute(m.Value), nil
		}
		return n <= m.Value, nil
	case MatcherBetween:
		if m.DataType == DataTypeDateTime {
			v := truncateToMinute(n)
			return v >= truncateToMinute(m.Start) && v <= truncateToMinute(m.End), nil
		}
		return n >= m.Start && n <= m.End, nil
	default:
		return false, nil
	}
}

func truncateToDay(ms int64) int64 {
	return time.UnixMilli(ms).UTC().Truncate(24 * time.Hour).UnixMilli()
}

func truncateToMinute(ms int64) int64 {
	return time.UnixMilli(ms).UTC().Truncate(time.Minute).UnixMilli()
}
