// Package ruleengine compiles flag definitions into immutable evaluable objects
// and evaluates them against a key to produce a treatment.
//
// Evaluation is synchronous and CPU-only: it reads flags, segments and
// rule-based segments through the storage interfaces below and never performs I/O.
package ruleengine

import (
	"github.com/rafaeljc/bifrost/internal/splitter"
)

// Key identifies the entity being evaluated.
// MatchingKey is used by matchers, BucketingKey by the splitter.
type Key struct {
	MatchingKey  string `json:"matching_key"`
	BucketingKey string `json:"bucketing_key,omitempty"`
}

// NewKey builds a Key, defaulting the bucketing key to the matching key.
func NewKey(matchingKey, bucketingKey string) Key {
	if bucketingKey == "" {
		bucketingKey = matchingKey
	}
	return Key{MatchingKey: matchingKey, BucketingKey: bucketingKey}
}

// bucketing returns the key used for hashing.
func (k Key) bucketing() string {
	if k.BucketingKey == "" {
		return k.MatchingKey
	}
	return k.BucketingKey
}

// Attributes holds arbitrary targeting data supplied by the caller.
type Attributes map[string]any

// ConditionType distinguishes targeting rules subject to traffic allocation.
type ConditionType string

const (
	ConditionRollout   ConditionType = "ROLLOUT"
	ConditionWhitelist ConditionType = "WHITELIST"
)

// Condition pairs a combining matcher with the partition table used when it matches.
type Condition struct {
	Type       ConditionType
	Label      string
	Matcher    *CombiningMatcher
	Partitions []splitter.Partition
}

// Prerequisite requires another flag to evaluate to one of Treatments.
type Prerequisite struct {
	FlagName   string
	Treatments map[string]struct{}
}

// ParsedSplit is a compiled flag definition.
// Published instances are never mutated; updates replace the whole object.
type ParsedSplit struct {
	Name                  string
	TrafficTypeName       string
	Killed                bool
	DefaultTreatment      string
	Seed                  int64
	Algorithm             splitter.Algorithm
	TrafficAllocation     int
	TrafficAllocationSeed int64
	ChangeNumber          int64
	Conditions            []Condition
	Configurations        map[string]string
	FlagSets              []string
	ImpressionsDisabled   bool
	Prerequisites         []Prerequisite

	// Names referenced by IN_SEGMENT and IN_RULE_BASED_SEGMENT matchers.
	segmentNames          []string
	ruleBasedSegmentNames []string
}

// SegmentNames returns the standard segments this flag depends on.
func (s *ParsedSplit) SegmentNames() []string {
	return s.segmentNames
}

// RuleBasedSegmentNames returns the rule-based segments this flag depends on.
func (s *ParsedSplit) RuleBasedSegmentNames() []string {
	return s.ruleBasedSegmentNames
}

// Treatments lists every treatment this flag can serve.
func (s *ParsedSplit) Treatments() []string {
	seen := map[string]struct{}{s.DefaultTreatment: {}}
	out := []string{s.DefaultTreatment}
	for _, c := range s.Conditions {
		for _, p := range c.Partitions {
			if _, ok := seen[p.Treatment]; ok {
				continue
			}
			seen[p.Treatment] = struct{}{}
			out = append(out, p.Treatment)
		}
	}
	return out
}

// WithKill returns a killed copy of the flag. The receiver is left untouched.
func (s *ParsedSplit) WithKill(defaultTreatment string, changeNumber int64) *ParsedSplit {
	cp := *s
	cp.Killed = true
	cp.DefaultTreatment = defaultTreatment
	cp.ChangeNumber = changeNumber
	return &cp
}

// ExcludedSegment names a segment whose members are excluded from a rule-based segment.
type ExcludedSegment struct {
	Name      string
	RuleBased bool
}

// ParsedRuleBasedSegment is a compiled rule-based segment.
// Membership is true when the key is not excluded and any matcher group matches.
type ParsedRuleBasedSegment struct {
	Name             string
	TrafficTypeName  string
	ChangeNumber     int64
	ExcludedKeys     map[string]struct{}
	ExcludedSegments []ExcludedSegment
	Matchers         []*CombiningMatcher

	segmentNames          []string
	ruleBasedSegmentNames []string
}

// SegmentNames returns the standard segments referenced by matchers or exclusions.
func (r *ParsedRuleBasedSegment) SegmentNames() []string {
	return r.segmentNames
}

// RuleBasedSegmentNames returns the rule-based segments referenced by matchers or exclusions.
func (r *ParsedRuleBasedSegment) RuleBasedSegmentNames() []string {
	return r.ruleBasedSegmentNames
}

// SplitStorage is the read side of the flag cache.
type SplitStorage interface {
	Split(name string) *ParsedSplit
	Splits(names []string) map[string]*ParsedSplit
	NamesByFlagSets(sets []string) []string
}

// SegmentStorage is the read side of the segment cache.
type SegmentStorage interface {
	IsInSegment(segmentName, key string) bool
}

// RuleBasedSegmentStorage is the read side of the rule-based segment cache.
type RuleBasedSegmentStorage interface {
	RuleBasedSegment(name string) *ParsedRuleBasedSegment
}
