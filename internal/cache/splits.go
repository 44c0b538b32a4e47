// Package cache holds the in-memory storages read by the rule engine:
// flags, standard segments and rule-based segments.
//
// Every storage publishes an immutable snapshot behind an atomic pointer.
// Readers never lock. Writers serialize on a mutex, copy the current
// snapshot, apply their change and swap the pointer, so a reader observes
// either the whole of an update or none of it.
//
// The package also owns the Redis connection factory shared by the push
// consumer and the impression and event sink.
package cache

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// splitSnapshot is never mutated after being published.
type splitSnapshot struct {
	splits       map[string]*ruleengine.ParsedSplit
	changeNumber int64
	trafficTypes map[string]int
	flagSets     map[string][]string
}

// SplitCache stores compiled flags.
type SplitCache struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[splitSnapshot]
}

// NewSplitCache returns an empty cache with change number -1.
func NewSplitCache() *SplitCache {
	c := &SplitCache{}
	c.current.Store(buildSplitSnapshot(map[string]*ruleengine.ParsedSplit{}, -1))
	return c
}

func buildSplitSnapshot(splits map[string]*ruleengine.ParsedSplit, changeNumber int64) *splitSnapshot {
	snap := &splitSnapshot{
		splits:       splits,
		changeNumber: changeNumber,
		trafficTypes: make(map[string]int),
		flagSets:     make(map[string][]string),
	}
	for name, s := range splits {
		if s.TrafficTypeName != "" {
			snap.trafficTypes[s.TrafficTypeName]++
		}
		for _, set := range s.FlagSets {
			snap.flagSets[set] = append(snap.flagSets[set], name)
		}
	}
	for set := range snap.flagSets {
		slices.Sort(snap.flagSets[set])
	}
	return snap
}

// Update removes toRemove, then adds or replaces toAdd, and advances the
// change number to till. The change number never moves backwards.
// Applying the same update twice leaves the cache unchanged.
func (c *SplitCache) Update(toAdd []*ruleengine.ParsedSplit, toRemove []string, till int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.current.Load()
	next := maps.Clone(old.splits)
	for _, name := range toRemove {
		delete(next, name)
	}
	for _, s := range toAdd {
		if s != nil {
			next[s.Name] = s
		}
	}

	c.current.Store(buildSplitSnapshot(next, max(old.changeNumber, till)))
}

// Kill marks a flag as killed with a new default treatment.
// It reports false when the flag is unknown or already at or past changeNumber.
func (c *SplitCache) Kill(name, defaultTreatment string, changeNumber int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.current.Load()
	split, ok := old.splits[name]
	if !ok || split.ChangeNumber >= changeNumber {
		return false
	}

	next := maps.Clone(old.splits)
	next[name] = split.WithKill(defaultTreatment, changeNumber)

	// The cache change number is left alone so the next fetch still asks for the kill.
	c.current.Store(buildSplitSnapshot(next, old.changeNumber))
	return true
}

// SetChangeNumber advances the change number without touching the flags.
// A till below the current change number is ignored.
func (c *SplitCache) SetChangeNumber(till int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.current.Load()
	if till <= old.changeNumber {
		return
	}
	snap := *old
	snap.changeNumber = till
	c.current.Store(&snap)
}

// ChangeNumber returns the version of the last applied update, or -1.
func (c *SplitCache) ChangeNumber() int64 {
	return c.current.Load().changeNumber
}

// Split returns the named flag, or nil.
func (c *SplitCache) Split(name string) *ruleengine.ParsedSplit {
	return c.current.Load().splits[name]
}

// Splits returns the known flags among names, all read from one snapshot.
func (c *SplitCache) Splits(names []string) map[string]*ruleengine.ParsedSplit {
	snap := c.current.Load()
	out := make(map[string]*ruleengine.ParsedSplit, len(names))
	for _, name := range names {
		if s, ok := snap.splits[name]; ok {
			out[name] = s
		}
	}
	return out
}

// All returns every flag of one snapshot, sorted by name.
func (c *SplitCache) All() []*ruleengine.ParsedSplit {
	snap := c.current.Load()
	out := make([]*ruleengine.ParsedSplit, 0, len(snap.splits))
	for _, s := range snap.splits {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *ruleengine.ParsedSplit) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// SplitNames returns the sorted flag names.
func (c *SplitCache) SplitNames() []string {
	snap := c.current.Load()
	return slices.Sorted(maps.Keys(snap.splits))
}

// SegmentNames returns every standard segment referenced by a cached flag.
func (c *SplitCache) SegmentNames() []string {
	snap := c.current.Load()
	return collectNames(snap.splits, (*ruleengine.ParsedSplit).SegmentNames)
}

// RuleBasedSegmentNames returns every rule-based segment referenced by a cached flag.
func (c *SplitCache) RuleBasedSegmentNames() []string {
	snap := c.current.Load()
	return collectNames(snap.splits, (*ruleengine.ParsedSplit).RuleBasedSegmentNames)
}

// TrafficTypeExists reports whether any cached flag uses trafficType.
func (c *SplitCache) TrafficTypeExists(trafficType string) bool {
	return c.current.Load().trafficTypes[trafficType] > 0
}

// NamesByFlagSets returns the sorted, deduplicated names of flags in any of sets.
func (c *SplitCache) NamesByFlagSets(sets []string) []string {
	snap := c.current.Load()
	seen := make(map[string]struct{})
	var names []string
	for _, set := range sets {
		for _, name := range snap.flagSets[set] {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Len returns the number of cached flags.
func (c *SplitCache) Len() int {
	return len(c.current.Load().splits)
}

// collectNames unions the references returned by refs across items.
func collectNames[T any](items map[string]T, refs func(T) []string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, item := range items {
		for _, name := range refs(item) {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
