// Package dtos holds the JSON shapes exchanged with the change feed:
// flag definitions, rule-based segments, segment deltas and push notifications.
// These types carry no behavior; ruleengine compiles them into evaluable objects.
package dtos

import "encoding/json"

// Flag status values.
const (
	StatusActive   = "ACTIVE"
	StatusArchived = "ARCHIVED"
)

// SplitChangesDTO is one page of the flag change feed.
// Flags and rule-based segments are versioned independently.
type SplitChangesDTO struct {
	FeatureFlags      FeatureFlagsDTO      `json:"ff"`
	RuleBasedSegments RuleBasedSegmentsDTO `json:"rbs"`
}

// FeatureFlagsDTO is the flag half of a change page.
type FeatureFlagsDTO struct {
	Splits []SplitDTO `json:"d"`
	Since  int64      `json:"s"`
	Till   int64      `json:"t"`
}

// RuleBasedSegmentsDTO is the rule-based segment half of a change page.
type RuleBasedSegmentsDTO struct {
	RuleBasedSegments []RuleBasedSegmentDTO `json:"d"`
	Since             int64                 `json:"s"`
	Till              int64                 `json:"t"`
}

// SplitDTO is a flag definition as served by the change feed.
type SplitDTO struct {
	Name                  string            `json:"name"`
	TrafficTypeName       string            `json:"trafficTypeName"`
	ChangeNumber          int64             `json:"changeNumber"`
	TrafficAllocation     *int              `json:"trafficAllocation,omitempty"`
	TrafficAllocationSeed int64             `json:"trafficAllocationSeed"`
	Seed                  int64             `json:"seed"`
	Status                string            `json:"status"`
	Killed                bool              `json:"killed"`
	DefaultTreatment      string            `json:"defaultTreatment"`
	Algo                  int               `json:"algo"`
	Conditions            []ConditionDTO    `json:"conditions"`
	Configurations        map[string]string `json:"configurations,omitempty"`
	Sets                  []string          `json:"sets,omitempty"`
	ImpressionsDisabled   bool              `json:"impressionsDisabled,omitempty"`
	Prerequisites         []PrerequisiteDTO `json:"prerequisites,omitempty"`
}

// PrerequisiteDTO requires another flag to evaluate to one of Treatments.
type PrerequisiteDTO struct {
	FeatureFlagName string   `json:"n"`
	Treatments      []string `json:"ts"`
}

// ConditionDTO is one targeting rule of a flag.
type ConditionDTO struct {
	ConditionType string          `json:"conditionType"`
	MatcherGroup  MatcherGroupDTO `json:"matcherGroup"`
	Partitions    []PartitionDTO  `json:"partitions"`
	Label         string          `json:"label"`
}

// PartitionDTO assigns a percentage of the condition's traffic to a treatment.
type PartitionDTO struct {
	Treatment string `json:"treatment"`
	Size      int    `json:"size"`
}

// MatcherGroupDTO combines matchers.
type MatcherGroupDTO struct {
	Combiner string       `json:"combiner"`
	Matchers []MatcherDTO `json:"matchers"`
}

// MatcherDTO is a single predicate. Only the data field matching MatcherType is set.
type MatcherDTO struct {
	KeySelector                   *KeySelectorDTO                   `json:"keySelector,omitempty"`
	MatcherType                   string                            `json:"matcherType"`
	Negate                        bool                              `json:"negate"`
	UserDefinedSegmentMatcherData *UserDefinedSegmentMatcherDataDTO `json:"userDefinedSegmentMatcherData,omitempty"`
	WhitelistMatcherData          *WhitelistMatcherDataDTO          `json:"whitelistMatcherData,omitempty"`
	UnaryNumericMatcherData       *UnaryNumericMatcherDataDTO       `json:"unaryNumericMatcherData,omitempty"`
	BetweenMatcherData            *BetweenMatcherDataDTO            `json:"betweenMatcherData,omitempty"`
	BetweenStringMatcherData      *BetweenStringMatcherDataDTO      `json:"betweenStringMatcherData,omitempty"`
	DependencyMatcherData         *DependencyMatcherDataDTO         `json:"dependencyMatcherData,omitempty"`
	BooleanMatcherData            *bool                             `json:"booleanMatcherData,omitempty"`
	StringMatcherData             *string                           `json:"stringMatcherData,omitempty"`
}

// KeySelectorDTO points a matcher at an attribute instead of the key.
type KeySelectorDTO struct {
	TrafficType string  `json:"trafficType"`
	Attribute   *string `json:"attribute,omitempty"`
}

// UserDefinedSegmentMatcherDataDTO names a segment.
type UserDefinedSegmentMatcherDataDTO struct {
	SegmentName string `json:"segmentName"`
}

// WhitelistMatcherDataDTO holds a list of literal values.
type WhitelistMatcherDataDTO struct {
	Whitelist []string `json:"whitelist"`
}

// UnaryNumericMatcherDataDTO holds the operand of EQUAL_TO, GTE and LTE.
type UnaryNumericMatcherDataDTO struct {
	DataType string `json:"dataType"`
	Value    int64  `json:"value"`
}

// BetweenMatcherDataDTO holds the inclusive bounds of BETWEEN.
type BetweenMatcherDataDTO struct {
	DataType string `json:"dataType"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

// BetweenStringMatcherDataDTO holds the inclusive bounds of BETWEEN_SEMVER.
type BetweenStringMatcherDataDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DependencyMatcherDataDTO references another flag and the treatments that satisfy the matcher.
type DependencyMatcherDataDTO struct {
	Split      string   `json:"split"`
	Treatments []string `json:"treatments"`
}

// RuleBasedSegmentDTO is a segment whose membership is defined by matchers.
type RuleBasedSegmentDTO struct {
	Name            string         `json:"name"`
	TrafficTypeName string         `json:"trafficTypeName"`
	ChangeNumber    int64          `json:"changeNumber"`
	Status          string         `json:"status"`
	Conditions      []ConditionDTO `json:"conditions"`
	Excluded        ExcludedDTO    `json:"excluded"`
}

// Excluded segment types.
const (
	SegmentTypeStandard  = "standard"
	SegmentTypeRuleBased = "rule-based"
)

// ExcludedDTO lists keys and segments never considered members.
type ExcludedDTO struct {
	Keys     []string             `json:"keys"`
	Segments []ExcludedSegmentDTO `json:"segments"`
}

// ExcludedSegmentDTO names an excluded segment and its kind.
type ExcludedSegmentDTO struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SegmentChangesDTO is one page of a segment's change feed.
type SegmentChangesDTO struct {
	Name    string   `json:"name"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Since   int64    `json:"since"`
	Till    int64    `json:"till"`
}

// UnmarshalSplit decodes a single flag definition.
func UnmarshalSplit(data []byte) (*SplitDTO, error) {
	var dto SplitDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

// UnmarshalRuleBasedSegment decodes a single rule-based segment definition.
func UnmarshalRuleBasedSegment(data []byte) (*RuleBasedSegmentDTO, error) {
	var dto RuleBasedSegmentDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}
