package ruleengine

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/rafaeljc/bifrost/internal/dtos"
	"github.com/rafaeljc/bifrost/internal/semver"
	"github.com/rafaeljc/bifrost/internal/splitter"
)

var (
	// ErrEmptyMatcherGroup is returned when a condition has no matchers.
	ErrEmptyMatcherGroup = errors.New("matcher group cannot be empty")
	// ErrUnsupportedCombiner is returned for any combiner other than AND.
	ErrUnsupportedCombiner = errors.New("unsupported combiner")
	// ErrMissingMatcherData is returned when a matcher lacks the data its type requires.
	ErrMissingMatcherData = errors.New("missing matcher data")

	// errUnsupportedMatcher marks a matcher type this engine does not implement.
	errUnsupportedMatcher = errors.New("unsupported matcher type")
)

// Parser compiles wire definitions into ParsedSplit and ParsedRuleBasedSegment values.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a Parser. If logger is nil, it defaults to slog.Default().
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// ParseSplit compiles a flag. It returns (nil, nil) when the flag is not ACTIVE.
//
// A matcher type unknown to this engine does not fail the parse: the flag is
// compiled into a single condition serving control to everyone. Structural
// errors (empty matcher groups, unknown combiners, invalid literals) are returned.
func (p *Parser) ParseSplit(dto *dtos.SplitDTO) (*ParsedSplit, error) {
	if dto == nil || dto.Status != dtos.StatusActive {
		return nil, nil
	}

	split := &ParsedSplit{
		Name:                  dto.Name,
		TrafficTypeName:       dto.TrafficTypeName,
		Killed:                dto.Killed,
		DefaultTreatment:      dto.DefaultTreatment,
		Seed:                  dto.Seed,
		Algorithm:             splitter.ParseAlgorithm(dto.Algo),
		TrafficAllocation:     splitter.MaxBucket,
		TrafficAllocationSeed: dto.TrafficAllocationSeed,
		ChangeNumber:          dto.ChangeNumber,
		Configurations:        dto.Configurations,
		FlagSets:              dto.Sets,
		ImpressionsDisabled:   dto.ImpressionsDisabled,
	}
	if dto.TrafficAllocation != nil {
		split.TrafficAllocation = *dto.TrafficAllocation
	}

	for _, pr := range dto.Prerequisites {
		split.Prerequisites = append(split.Prerequisites, Prerequisite{
			FlagName:   pr.FeatureFlagName,
			Treatments: toSet(pr.Treatments),
		})
	}

	refs := newReferences()
	conditions, err := p.compileConditions(dto.Conditions, refs)
	switch {
	case errors.Is(err, errUnsupportedMatcher):
		p.logger.Warn("flag uses a matcher type unsupported by this sdk, serving control",
			slog.String("flag", dto.Name),
			slog.String("error", err.Error()),
		)
		split.Conditions = []Condition{unsupportedMatcherCondition()}
		return split, nil
	case err != nil:
		return nil, fmt.Errorf("flag %q: %w", dto.Name, err)
	}

	split.Conditions = conditions
	split.segmentNames = refs.segments()
	split.ruleBasedSegmentNames = refs.ruleBasedSegments()
	return split, nil
}

// ParseRuleBasedSegment compiles a rule-based segment. It returns (nil, nil) when
// the segment is not ACTIVE. An unsupported matcher makes the segment match nobody.
func (p *Parser) ParseRuleBasedSegment(dto *dtos.RuleBasedSegmentDTO) (*ParsedRuleBasedSegment, error) {
	if dto == nil || dto.Status != dtos.StatusActive {
		return nil, nil
	}

	rbs := &ParsedRuleBasedSegment{
		Name:            dto.Name,
		TrafficTypeName: dto.TrafficTypeName,
		ChangeNumber:    dto.ChangeNumber,
		ExcludedKeys:    toSet(dto.Excluded.Keys),
	}

	refs := newReferences()
	for _, ex := range dto.Excluded.Segments {
		ruleBased := ex.Type == dtos.SegmentTypeRuleBased
		rbs.ExcludedSegments = append(rbs.ExcludedSegments, ExcludedSegment{Name: ex.Name, RuleBased: ruleBased})
		if ruleBased {
			refs.addRuleBasedSegment(ex.Name)
		} else {
			refs.addSegment(ex.Name)
		}
	}

	conditions, err := p.compileConditions(dto.Conditions, refs)
	switch {
	case errors.Is(err, errUnsupportedMatcher):
		p.logger.Warn("rule-based segment uses a matcher type unsupported by this sdk, matching nobody",
			slog.String("segment", dto.Name),
			slog.String("error", err.Error()),
		)
		rbs.Matchers = nil
	case err != nil:
		return nil, fmt.Errorf("rule-based segment %q: %w", dto.Name, err)
	default:
		for _, c := range conditions {
			rbs.Matchers = append(rbs.Matchers, c.Matcher)
		}
	}

	rbs.segmentNames = refs.segments()
	rbs.ruleBasedSegmentNames = refs.ruleBasedSegments()
	return rbs, nil
}

func (p *Parser) compileConditions(dtoConditions []dtos.ConditionDTO, refs *references) ([]Condition, error) {
	conditions := make([]Condition, 0, len(dtoConditions))
	for i, c := range dtoConditions {
		combining, err := compileMatcherGroup(c.MatcherGroup, refs)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}

		partitions := make([]splitter.Partition, 0, len(c.Partitions))
		for _, part := range c.Partitions {
			partitions = append(partitions, splitter.Partition{Treatment: part.Treatment, Size: part.Size})
		}

		condType := ConditionRollout
		if ConditionType(c.ConditionType) == ConditionWhitelist {
			condType = ConditionWhitelist
		}

		conditions = append(conditions, Condition{
			Type:       condType,
			Label:      c.Label,
			Matcher:    combining,
			Partitions: partitions,
		})
	}
	return conditions, nil
}

func compileMatcherGroup(group dtos.MatcherGroupDTO, refs *references) (*CombiningMatcher, error) {
	if len(group.Matchers) == 0 {
		return nil, ErrEmptyMatcherGroup
	}

	combiner := Combiner(group.Combiner)
	if combiner == "" {
		combiner = CombinerAnd
	}
	if combiner != CombinerAnd {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCombiner, group.Combiner)
	}

	matchers := make([]*AttributeMatcher, 0, len(group.Matchers))
	for _, m := range group.Matchers {
		am, err := compileMatcher(m, refs)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, am)
	}
	return &CombiningMatcher{Combiner: combiner, Matchers: matchers}, nil
}

// compileMatcher dispatches on the matcher type and validates its data.
func compileMatcher(dto dtos.MatcherDTO, refs *references) (*AttributeMatcher, error) {
	t := MatcherType(dto.MatcherType)
	am := &AttributeMatcher{Type: t, Negate: dto.Negate}
	if dto.KeySelector != nil && dto.KeySelector.Attribute != nil {
		am.Attribute = *dto.KeySelector.Attribute
	}

	missing := func() error { return fmt.Errorf("%w: %s", ErrMissingMatcherData, t) }

	switch t {
	case MatcherAllKeys:
		am.Matcher = &AllKeysMatcher{}

	case MatcherInSegment:
		if dto.UserDefinedSegmentMatcherData == nil {
			return nil, missing()
		}
		name := dto.UserDefinedSegmentMatcherData.SegmentName
		refs.addSegment(name)
		am.Matcher = &SegmentMatcher{SegmentName: name}

	case MatcherInRuleBasedSegment:
		if dto.UserDefinedSegmentMatcherData == nil {
			return nil, missing()
		}
		name := dto.UserDefinedSegmentMatcherData.SegmentName
		refs.addRuleBasedSegment(name)
		am.Matcher = &RuleBasedSegmentMatcher{SegmentName: name}

	case MatcherWhitelist, MatcherStartsWith, MatcherEndsWith, MatcherContainsString:
		if dto.WhitelistMatcherData == nil {
			return nil, missing()
		}
		am.Matcher = NewStringMatcher(t, dto.WhitelistMatcherData.Whitelist)

	case MatcherMatchesString:
		if dto.StringMatcherData == nil {
			return nil, missing()
		}
		am.Matcher = NewStringMatcher(t, []string{*dto.StringMatcherData})

	case MatcherEqualTo, MatcherGreaterThanOrEqualTo, MatcherLessThanOrEqualTo:
		if dto.UnaryNumericMatcherData == nil {
			return nil, missing()
		}
		am.Matcher = &NumberMatcher{
			Type:     t,
			DataType: DataType(dto.UnaryNumericMatcherData.DataType),
			Value:    dto.UnaryNumericMatcherData.Value,
		}

	case MatcherBetween:
		if dto.BetweenMatcherData == nil {
			return nil, missing()
		}
		am.Matcher = &NumberMatcher{
			Type:     t,
			DataType: DataType(dto.BetweenMatcherData.DataType),
			Start:    dto.BetweenMatcherData.Start,
			End:      dto.BetweenMatcherData.End,
		}

	case MatcherEqualToSet, MatcherContainsAnyOfSet, MatcherContainsAllOfSet, MatcherPartOfSet:
		if dto.WhitelistMatcherData == nil {
			return nil, missing()
		}
		am.Matcher = &SetMatcher{Type: t, Set: toSet(dto.WhitelistMatcherData.Whitelist)}

	case MatcherEqualToBoolean:
		if dto.BooleanMatcherData == nil {
			return nil, missing()
		}
		am.Matcher = &BooleanMatcher{Value: *dto.BooleanMatcherData}

	case MatcherInSplitTreatment:
		if dto.DependencyMatcherData == nil {
			return nil, missing()
		}
		am.Matcher = &DependencyMatcher{
			FlagName:   dto.DependencyMatcherData.Split,
			Treatments: toSet(dto.DependencyMatcherData.Treatments),
		}

	case MatcherEqualToSemver, MatcherGreaterThanOrEqualSemver, MatcherLessThanOrEqualSemver:
		if dto.StringMatcherData == nil {
			return nil, missing()
		}
		v, err := semver.Parse(*dto.StringMatcherData)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		am.Matcher = &SemverMatcher{Type: t, Value: v}

	case MatcherBetweenSemver:
		if dto.BetweenStringMatcherData == nil {
			return nil, missing()
		}
		start, err := semver.Parse(dto.BetweenStringMatcherData.Start)
		if err != nil {
			return nil, fmt.Errorf("%s start: %w", t, err)
		}
		end, err := semver.Parse(dto.BetweenStringMatcherData.End)
		if err != nil {
			return nil, fmt.Errorf("%s end: %w", t, err)
		}
		am.Matcher = &SemverMatcher{Type: t, Start: start, End: end}

	case MatcherInListSemver:
		if dto.WhitelistMatcherData == nil {
			return nil, missing()
		}
		list := make(map[string]struct{}, len(dto.WhitelistMatcherData.Whitelist))
		for _, raw := range dto.WhitelistMatcherData.Whitelist {
			v, err := semver.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", t, err)
			}
			list[v.Version()] = struct{}{}
		}
		am.Matcher = &SemverMatcher{Type: t, List: list}

	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedMatcher, dto.MatcherType)
	}

	return am, nil
}

// unsupportedMatcherCondition routes every key to control.
func unsupportedMatcherCondition() Condition {
	return Condition{
		Type:  ConditionWhitelist,
		Label: LabelUnsupportedMatcher,
		Matcher: &CombiningMatcher{
			Combiner: CombinerAnd,
			Matchers: []*AttributeMatcher{{Type: MatcherAllKeys, Matcher: &AllKeysMatcher{}}},
		},
		Partitions: []splitter.Partition{{Treatment: splitter.Control, Size: splitter.MaxBucket}},
	}
}

// references collects segment names in first-seen order without duplicates.
type references struct {
	segs     []string
	ruleSegs []string
}

func newReferences() *references {
	return &references{}
}

func (r *references) addSegment(name string) {
	if !slices.Contains(r.segs, name) {
		r.segs = append(r.segs, name)
	}
}

func (r *references) addRuleBasedSegment(name string) {
	if !slices.Contains(r.ruleSegs, name) {
		r.ruleSegs = append(r.ruleSegs, name)
	}
}

func (r *references) segments() []string {
	return r.segs
}

func (r *references) ruleBasedSegments() []string {
	return r.ruleSegs
}
