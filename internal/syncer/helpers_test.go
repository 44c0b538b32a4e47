package syncer

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/dtos"
)

// fakeFeed serves the flag and segment change feeds from memory.
// Each call returns everything newer than since, like a real feed answering in a single page.
type fakeFeed struct {
	mu sync.Mutex

	splits   []dtos.SplitDTO
	rbs      []dtos.RuleBasedSegmentDTO
	segments map[string][]segmentChange

	splitErrs   []error // consumed one per call before serving
	segmentErrs map[string][]error

	splitCalls   []fetchCall
	segmentCalls []fetchCall

	// onSegmentFetch runs before a segment page is served.
	onSegmentFetch func(name string)
}

type segmentChange struct {
	added, removed []string
	changeNumber   int64
}

type fetchCall struct {
	name  string
	since int64
	till  *int64
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{segments: map[string][]segmentChange{}, segmentErrs: map[string][]error{}}
}

func (f *fakeFeed) publishSplit(s dtos.SplitDTO) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.splits = append(f.splits, s)
}

func (f *fakeFeed) publishRuleBasedSegment(r dtos.RuleBasedSegmentDTO) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rbs = append(f.rbs, r)
}

func (f *fakeFeed) publishSegment(name string, added, removed []string, cn int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments[name] = append(f.segments[name], segmentChange{added: added, removed: removed, changeNumber: cn})
}

func (f *fakeFeed) FetchSplitChanges(_ context.Context, since, rbSince int64, till *int64) (*dtos.SplitChangesDTO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.splitCalls = append(f.splitCalls, fetchCall{since: since, till: till})
	if len(f.splitErrs) > 0 {
		err := f.splitErrs[0]
		f.splitErrs = f.splitErrs[1:]
		return nil, err
	}

	// Latest version of each flag newer than since.
	page := &dtos.SplitChangesDTO{
		FeatureFlags:      dtos.FeatureFlagsDTO{Since: since, Till: since},
		RuleBasedSegments: dtos.RuleBasedSegmentsDTO{Since: rbSince, Till: rbSince},
	}
	latest := map[string]int{}
	for _, s := range f.splits {
		if s.ChangeNumber <= since {
			continue
		}
		if i, ok := latest[s.Name]; ok {
			page.FeatureFlags.Splits[i] = s
		} else {
			latest[s.Name] = len(page.FeatureFlags.Splits)
			page.FeatureFlags.Splits = append(page.FeatureFlags.Splits, s)
		}
		page.FeatureFlags.Till = max(page.FeatureFlags.Till, s.ChangeNumber)
	}
	for _, r := range f.rbs {
		if r.ChangeNumber <= rbSince {
			continue
		}
		page.RuleBasedSegments.RuleBasedSegments = append(page.RuleBasedSegments.RuleBasedSegments, r)
		page.RuleBasedSegments.Till = max(page.RuleBasedSegments.Till, r.ChangeNumber)
	}
	return page, nil
}

func (f *fakeFeed) FetchSegmentChanges(_ context.Context, name string, since int64, till *int64) (*dtos.SegmentChangesDTO, error) {
	f.mu.Lock()
	hook := f.onSegmentFetch
	f.segmentCalls = append(f.segmentCalls, fetchCall{name: name, since: since, till: till})
	if errs := f.segmentErrs[name]; len(errs) > 0 {
		f.segmentErrs[name] = errs[1:]
		f.mu.Unlock()
		return nil, errs[0]
	}

	page := &dtos.SegmentChangesDTO{Name: name, Since: since, Till: since}
	for _, c := range f.segments[name] {
		if c.changeNumber <= since {
			continue
		}
		page.Added = append(page.Added, c.added...)
		page.Removed = append(page.Removed, c.removed...)
		page.Till = max(page.Till, c.changeNumber)
	}
	f.mu.Unlock()

	if hook != nil {
		hook(name)
	}
	return page, nil
}

func (f *fakeFeed) splitCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.splitCalls)
}

func (f *fakeFeed) segmentCallsFor(name string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var calls []fetchCall
	for _, c := range f.segmentCalls {
		if c.name == name {
			calls = append(calls, c)
		}
	}
	return calls
}

// retryableError classifies itself the way fetcher.StatusError does.
type retryableError struct {
	retryable bool
}

func (e *retryableError) Error() string   { return "feed unavailable" }
func (e *retryableError) Retryable() bool { return e.retryable }

var errPermanent = &retryableError{retryable: false}

// fixture wires real caches and updaters around a fake feed.
type fixture struct {
	feed     *fakeFeed
	splits   *cache.SplitCache
	rbs      *cache.RuleBasedSegmentCache
	segments *cache.SegmentCache
	splitUp  *SplitUpdater
	segUp    *SegmentUpdater
	logs     *syncWriter
	logger   *slog.Logger
}

var fastRetry = RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}

func newFixture(t *testing.T, flagSets ...string) *fixture {
	t.Helper()

	logs := &syncWriter{}
	logger := slog.New(slog.NewTextHandler(logs, nil))

	fx := &fixture{
		feed:     newFakeFeed(),
		splits:   cache.NewSplitCache(),
		rbs:      cache.NewRuleBasedSegmentCache(),
		segments: cache.NewSegmentCache(),
		logs:     logs,
		logger:   logger,
	}
	fx.segUp = NewSegmentUpdater(logger, fx.feed, fx.segments, fx.splits, fx.rbs, 4, fastRetry)
	fx.splitUp = NewSplitUpdater(logger, fx.feed, fx.splits, fx.rbs, fx.segUp, flagSets, fastRetry)
	return fx
}

// syncWriter lets background goroutines log into a shared buffer.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncWriter) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func activeFlag(name string, cn int64, conditions ...dtos.ConditionDTO) dtos.SplitDTO {
	if len(conditions) == 0 {
		conditions = []dtos.ConditionDTO{allKeysCondition("on")}
	}
	return dtos.SplitDTO{
		Name:             name,
		TrafficTypeName:  "user",
		ChangeNumber:     cn,
		Status:           dtos.StatusActive,
		DefaultTreatment: "off",
		Algo:             2,
		Seed:             1,
		Conditions:       conditions,
	}
}

func allKeysCondition(treatment string) dtos.ConditionDTO {
	return dtos.ConditionDTO{
		ConditionType: "ROLLOUT",
		MatcherGroup: dtos.MatcherGroupDTO{
			Combiner: "AND",
			Matchers: []dtos.MatcherDTO{{MatcherType: "ALL_KEYS"}},
		},
		Partitions: []dtos.PartitionDTO{{Treatment: treatment, Size: 100}},
		Label:      "default rule",
	}
}

func segmentCondition(segment, treatment string) dtos.ConditionDTO {
	return dtos.ConditionDTO{
		ConditionType: "WHITELIST",
		MatcherGroup: dtos.MatcherGroupDTO{
			Combiner: "AND",
			Matchers: []dtos.MatcherDTO{{
				MatcherType:                   "IN_SEGMENT",
				UserDefinedSegmentMatcherData: &dtos.UserDefinedSegmentMatcherDataDTO{SegmentName: segment},
			}},
		},
		Partitions: []dtos.PartitionDTO{{Treatment: treatment, Size: 100}},
		Label:      "in segment " + segment,
	}
}

func brokenCondition() dtos.ConditionDTO {
	return dtos.ConditionDTO{
		ConditionType: "ROLLOUT",
		MatcherGroup:  dtos.MatcherGroupDTO{Combiner: "AND"},
		Partitions:    []dtos.PartitionDTO{{Treatment: "on", Size: 100}},
	}
}

func int64Ptr(v int64) *int64 { return &v }
