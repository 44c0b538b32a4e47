package cache

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

type segment struct {
	keys         map[string]struct{}
	changeNumber int64
}

// SegmentCache stores the key sets of standard segments.
// Each segment is replaced as a whole on update.
type SegmentCache struct {
	mu      sync.Mutex
	current atomic.Pointer[map[string]*segment]
}

// NewSegmentCache returns an empty cache.
func NewSegmentCache() *SegmentCache {
	c := &SegmentCache{}
	empty := map[string]*segment{}
	c.current.Store(&empty)
	return c
}

// Update applies a delta to a segment, creating it if needed.
// A delta older than the stored change number is dropped and Update reports false.
func (c *SegmentCache) Update(name string, added, removed []string, till int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := *c.current.Load()
	prev, exists := old[name]
	if exists && till < prev.changeNumber {
		return false
	}

	keys := make(map[string]struct{})
	if exists {
		keys = maps.Clone(prev.keys)
	}
	for _, k := range added {
		keys[k] = struct{}{}
	}
	for _, k := range removed {
		delete(keys, k)
	}

	next := maps.Clone(old)
	next[name] = &segment{keys: keys, changeNumber: till}
	c.current.Store(&next)
	return true
}

// ChangeNumber returns the segment's version, or -1 when the segment is unknown.
func (c *SegmentCache) ChangeNumber(name string) int64 {
	if s, ok := (*c.current.Load())[name]; ok {
		return s.changeNumber
	}
	return -1
}

// Contains reports whether the segment has been synchronized at least once.
func (c *SegmentCache) Contains(name string) bool {
	_, ok := (*c.current.Load())[name]
	return ok
}

// IsInSegment reports whether key belongs to the segment. Unknown segments contain nobody.
func (c *SegmentCache) IsInSegment(name, key string) bool {
	s, ok := (*c.current.Load())[name]
	if !ok {
		return false
	}
	_, member := s.keys[key]
	return member
}

// Keys returns the sorted members of a segment.
func (c *SegmentCache) Keys(name string) []string {
	s, ok := (*c.current.Load())[name]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(s.keys))
}

// SegmentNames returns the sorted names of known segments.
func (c *SegmentCache) SegmentNames() []string {
	return slices.Sorted(maps.Keys(*c.current.Load()))
}

// Len returns the number of known segments.
func (c *SegmentCache) Len() int {
	return len(*c.current.Load())
}
