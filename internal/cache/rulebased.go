package cache

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

type ruleBasedSnapshot struct {
	segments     map[string]*ruleengine.ParsedRuleBasedSegment
	changeNumber int64
}

// RuleBasedSegmentCache stores compiled rule-based segments.
// It follows the same snapshot discipline as SplitCache.
type RuleBasedSegmentCache struct {
	mu      sync.Mutex
	current atomic.Pointer[ruleBasedSnapshot]
}

// NewRuleBasedSegmentCache returns an empty cache with change number -1.
func NewRuleBasedSegmentCache() *RuleBasedSegmentCache {
	c := &RuleBasedSegmentCache{}
	c.current.Store(&ruleBasedSnapshot{
		segments:     map[string]*ruleengine.ParsedRuleBasedSegment{},
		changeNumber: -1,
	})
	return c
}

// Update removes toRemove, adds or replaces toAdd and advances the change number to till.
func (c *RuleBasedSegmentCache) Update(toAdd []*ruleengine.ParsedRuleBasedSegment, toRemove []string, till int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.current.Load()
	next := maps.Clone(old.segments)
	for _, name := range toRemove {
		delete(next, name)
	}
	for _, rbs := range toAdd {
		if rbs != nil {
			next[rbs.Name] = rbs
		}
	}

	c.current.Store(&ruleBasedSnapshot{segments: next, changeNumber: max(old.changeNumber, till)})
}

// SetChangeNumber advances the change number, never below its current value.
func (c *RuleBasedSegmentCache) SetChangeNumber(till int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.current.Load()
	if till <= old.changeNumber {
		return
	}
	c.current.Store(&ruleBasedSnapshot{segments: old.segments, changeNumber: till})
}

// ChangeNumber returns the version of the last applied update, or -1.
func (c *RuleBasedSegmentCache) ChangeNumber() int64 {
	return c.current.Load().changeNumber
}

// RuleBasedSegment returns the named segment, or nil.
func (c *RuleBasedSegmentCache) RuleBasedSegment(name string) *ruleengine.ParsedRuleBasedSegment {
	return c.current.Load().segments[name]
}

// Contains reports whether every name is cached.
func (c *RuleBasedSegmentCache) Contains(names []string) bool {
	snap := c.current.Load()
	for _, name := range names {
		if _, ok := snap.segments[name]; !ok {
			return false
		}
	}
	return true
}

// Names returns the sorted names of cached segments.
func (c *RuleBasedSegmentCache) Names() []string {
	return slices.Sorted(maps.Keys(c.current.Load().segments))
}

// SegmentNames returns every standard segment referenced by a cached rule-based segment.
func (c *RuleBasedSegmentCache) SegmentNames() []string {
	return collectNames(c.current.Load().segments, (*ruleengine.ParsedRuleBasedSegment).SegmentNames)
}

// Len returns the number of cached segments.
func (c *RuleBasedSegmentCache) Len() int {
	return len(c.current.Load().segments)
}
