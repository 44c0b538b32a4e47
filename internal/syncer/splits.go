package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/dtos"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// SplitFetcher reads the flag and rule-based segment change feed.
type SplitFetcher interface {
	FetchSplitChanges(ctx context.Context, since, rbSince int64, till *int64) (*dtos.SplitChangesDTO, error)
}

// SplitUpdater keeps the flag and rule-based segment caches in step with the feed.
// Synchronizations are serialized: one page is applied at a time.
type SplitUpdater struct {
	mu sync.Mutex

	fetcher  SplitFetcher
	splits   *cache.SplitCache
	rbs      *cache.RuleBasedSegmentCache
	segments *SegmentUpdater
	parser   *ruleengine.Parser
	flagSets map[string]struct{}
	retry    RetryPolicy
	logger   *slog.Logger
}

// NewSplitUpdater creates an updater. An empty flagSets keeps every flag;
// otherwise flags outside the sets are treated as removed.
func NewSplitUpdater(
	logger *slog.Logger,
	fetcher SplitFetcher,
	splits *cache.SplitCache,
	rbs *cache.RuleBasedSegmentCache,
	segments *SegmentUpdater,
	flagSets []string,
	policy RetryPolicy,
) *SplitUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	if fetcher == nil {
		panic("syncer: split fetcher cannot be nil")
	}
	if splits == nil || rbs == nil {
		panic("syncer: split and rule-based segment caches cannot be nil")
	}
	if segments == nil {
		panic("syncer: segment updater cannot be nil")
	}

	var sets map[string]struct{}
	if len(flagSets) > 0 {
		sets = make(map[string]struct{}, len(flagSets))
		for _, s := range flagSets {
			sets[s] = struct{}{}
		}
	}

	return &SplitUpdater{
		fetcher:  fetcher,
		splits:   splits,
		rbs:      rbs,
		segments: segments,
		parser:   ruleengine.NewParser(logger),
		flagSets: sets,
		retry:    policy.orDefault(),
		logger:   logger,
	}
}

// SynchronizeSplits pages the feed from the cached change numbers until it is caught up.
// A non-nil till is forwarded to the fetcher as the version the caller expects to reach.
func (u *SplitUpdater) SynchronizeSplits(ctx context.Context, till *int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	start := time.Now()
	err := u.synchronize(ctx, till)
	observability.SyncDuration.WithLabelValues("splits").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.SyncTotal.WithLabelValues("splits", "fail").Inc()
		return err
	}
	observability.SyncTotal.WithLabelValues("splits", "success").Inc()
	u.recordSizes()
	return nil
}

func (u *SplitUpdater) synchronize(ctx context.Context, till *int64) error {
	for {
		since, rbSince := u.splits.ChangeNumber(), u.rbs.ChangeNumber()
		if till != nil && since >= *till {
			return nil
		}

		var page *dtos.SplitChangesDTO
		err := u.retry.do(ctx, func(ctx context.Context) error {
			var err error
			page, err = u.fetcher.FetchSplitChanges(ctx, since, rbSince, till)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to fetch split changes since %d: %w", since, err)
		}

		rbAdd, rbRemove := u.parseRuleBasedSegments(page.RuleBasedSegments.RuleBasedSegments)
		toAdd, toRemove := u.parseSplits(page.FeatureFlags.Splits)

		u.fetchMissingSegments(ctx, toAdd, rbAdd)

		// Rule-based segments go first so no flag ever references one that is not cached yet.
		// A side without changes only moves its change number.
		if len(rbAdd)+len(rbRemove) > 0 {
			u.rbs.Update(rbAdd, rbRemove, page.RuleBasedSegments.Till)
		} else {
			u.rbs.SetChangeNumber(page.RuleBasedSegments.Till)
		}
		if len(toAdd)+len(toRemove) > 0 {
			u.splits.Update(toAdd, toRemove, page.FeatureFlags.Till)
		} else {
			u.splits.SetChangeNumber(page.FeatureFlags.Till)
		}

		if len(toAdd)+len(toRemove)+len(rbAdd)+len(rbRemove) > 0 {
			u.logger.Info("split changes applied",
				slog.Int("updated", len(toAdd)),
				slog.Int("removed", len(toRemove)),
				slog.Int("rb_updated", len(rbAdd)),
				slog.Int("rb_removed", len(rbRemove)),
				slog.Int64("change_number", u.splits.ChangeNumber()),
			)
		}

		if page.FeatureFlags.Till <= since && page.RuleBasedSegments.Till <= rbSince {
			return nil
		}
	}
}

// ProcessUpdate applies a SPLIT_UPDATE notification. The inline definition is used
// only when it applies directly on top of the cached version; any other case
// falls back to a full synchronization up to the notified change number.
func (u *SplitUpdater) ProcessUpdate(ctx context.Context, n dtos.Notification) error {
	if u.splits.ChangeNumber() >= n.ChangeNumber {
		observability.NotificationsTotal.WithLabelValues(n.Type, "ignored").Inc()
		return nil
	}
	if u.applyInlineSplit(ctx, n) {
		observability.NotificationsTotal.WithLabelValues(n.Type, "applied").Inc()
		return nil
	}
	observability.NotificationsTotal.WithLabelValues(n.Type, "resync").Inc()
	return u.SynchronizeSplits(ctx, &n.ChangeNumber)
}

// ProcessRuleBasedUpdate applies a RB_SEGMENT_UPDATE notification the same way
// ProcessUpdate handles flags.
func (u *SplitUpdater) ProcessRuleBasedUpdate(ctx context.Context, n dtos.Notification) error {
	if u.rbs.ChangeNumber() >= n.ChangeNumber {
		observability.NotificationsTotal.WithLabelValues(n.Type, "ignored").Inc()
		return nil
	}
	if u.applyInlineRuleBasedSegment(ctx, n) {
		observability.NotificationsTotal.WithLabelValues(n.Type, "applied").Inc()
		return nil
	}
	observability.NotificationsTotal.WithLabelValues(n.Type, "resync").Inc()
	return u.SynchronizeSplits(ctx, nil)
}

// ProcessKill applies a SPLIT_KILL locally, then synchronizes so the cache
// eventually holds the definition that carries the kill.
func (u *SplitUpdater) ProcessKill(ctx context.Context, n dtos.Notification) error {
	if u.splits.Kill(n.SplitName, n.DefaultTreatment, n.ChangeNumber) {
		u.logger.Info("flag killed",
			slog.String("flag", n.SplitName),
			slog.String("default_treatment", n.DefaultTreatment),
			slog.Int64("change_number", n.ChangeNumber),
		)
		observability.NotificationsTotal.WithLabelValues(n.Type, "applied").Inc()
	} else {
		observability.NotificationsTotal.WithLabelValues(n.Type, "ignored").Inc()
	}
	return u.SynchronizeSplits(ctx, &n.ChangeNumber)
}

// applyInlineSplit reports whether the notification payload was applied.
// It refuses payloads that do not sit on top of the cached version, fail to
// compile or reference rule-based segments that are not cached.
func (u *SplitUpdater) applyInlineSplit(ctx context.Context, n dtos.Notification) bool {
	raw, ok := u.payload(n, u.splits.ChangeNumber())
	if !ok {
		return false
	}
	split, err := dtos.UnmarshalSplit(raw)
	if err != nil {
		u.logger.Warn("failed to decode flag from notification", slog.String("error", err.Error()))
		return false
	}

	toAdd, toRemove := u.parseSplits([]dtos.SplitDTO{*split})
	if len(toAdd)+len(toRemove) == 0 {
		return false
	}
	if len(toAdd) > 0 && !u.rbs.Contains(toAdd[0].RuleBasedSegmentNames()) {
		return false
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	// A full synchronization may have moved the cache meanwhile.
	if u.splits.ChangeNumber() != *n.PreviousChangeNumber {
		return false
	}
	u.fetchMissingSegments(ctx, toAdd, nil)
	u.splits.Update(toAdd, toRemove, n.ChangeNumber)
	u.recordSizes()

	u.logger.Debug("flag update applied from notification",
		slog.String("flag", split.Name),
		slog.Int64("change_number", n.ChangeNumber),
	)
	return true
}

func (u *SplitUpdater) applyInlineRuleBasedSegment(ctx context.Context, n dtos.Notification) bool {
	raw, ok := u.payload(n, u.rbs.ChangeNumber())
	if !ok {
		return false
	}
	rbs, err := dtos.UnmarshalRuleBasedSegment(raw)
	if err != nil {
		u.logger.Warn("failed to decode rule-based segment from notification", slog.String("error", err.Error()))
		return false
	}

	rbAdd, rbRemove := u.parseRuleBasedSegments([]dtos.RuleBasedSegmentDTO{*rbs})
	if len(rbAdd)+len(rbRemove) == 0 {
		return false
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.rbs.ChangeNumber() != *n.PreviousChangeNumber {
		return false
	}
	u.fetchMissingSegments(ctx, nil, rbAdd)
	u.rbs.Update(rbAdd, rbRemove, n.ChangeNumber)
	u.recordSizes()
	return true
}

// payload returns the decoded inline definition when it applies on top of local.
func (u *SplitUpdater) payload(n dtos.Notification, local int64) ([]byte, bool) {
	if !n.HasPayload() || *n.PreviousChangeNumber != local {
		return nil, false
	}
	raw, err := n.DecodePayload()
	if err != nil {
		u.logger.Warn("failed to decode notification payload",
			slog.String("type", n.Type),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return raw, true
}

// parseSplits compiles a page of flags. Archived flags and flags outside the
// configured sets are removed. A flag that fails to compile is logged and skipped.
func (u *SplitUpdater) parseSplits(items []dtos.SplitDTO) ([]*ruleengine.ParsedSplit, []string) {
	var toAdd []*ruleengine.ParsedSplit
	var toRemove []string

	for i := range items {
		dto := &items[i]
		if !u.inFlagSets(dto.Sets) {
			toRemove = append(toRemove, dto.Name)
			continue
		}
		parsed, err := u.parser.ParseSplit(dto)
		if err != nil {
			observability.ParseFailures.WithLabelValues("split").Inc()
			u.logger.Error("failed to parse flag, skipping",
				slog.String("flag", dto.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if parsed == nil {
			toRemove = append(toRemove, dto.Name)
			continue
		}
		toAdd = append(toAdd, parsed)
	}
	return toAdd, toRemove
}

func (u *SplitUpdater) parseRuleBasedSegments(items []dtos.RuleBasedSegmentDTO) ([]*ruleengine.ParsedRuleBasedSegment, []string) {
	var toAdd []*ruleengine.ParsedRuleBasedSegment
	var toRemove []string

	for i := range items {
		dto := &items[i]
		parsed, err := u.parser.ParseRuleBasedSegment(dto)
		if err != nil {
			observability.ParseFailures.WithLabelValues("rule_based_segment").Inc()
			u.logger.Error("failed to parse rule-based segment, skipping",
				slog.String("segment", dto.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if parsed == nil {
			toRemove = append(toRemove, dto.Name)
			continue
		}
		toAdd = append(toAdd, parsed)
	}
	return toAdd, toRemove
}

func (u *SplitUpdater) inFlagSets(sets []string) bool {
	if u.flagSets == nil {
		return true
	}
	for _, s := range sets {
		if _, ok := u.flagSets[s]; ok {
			return true
		}
	}
	return false
}

// fetchMissingSegments loads segments referenced by new definitions and not cached yet,
// so a flag is never published referencing a segment the engine would see as empty.
// Failures are logged; the periodic segment synchronization retries them.
func (u *SplitUpdater) fetchMissingSegments(ctx context.Context, splits []*ruleengine.ParsedSplit, rbs []*ruleengine.ParsedRuleBasedSegment) {
	seen := make(map[string]struct{})
	var missing []string
	add := func(names []string) {
		for _, name := range names {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			if !u.segments.Known(name) {
				missing = append(missing, name)
			}
		}
	}
	for _, s := range splits {
		add(s.SegmentNames())
	}
	for _, r := range rbs {
		add(r.SegmentNames())
	}
	if len(missing) == 0 {
		return
	}

	if err := u.segments.synchronizeAll(ctx, missing); err != nil {
		u.logger.Warn("failed to fetch segments referenced by new definitions",
			slog.Any("segments", missing),
			slog.String("error", err.Error()),
		)
	}
}

func (u *SplitUpdater) recordSizes() {
	observability.CacheItems.WithLabelValues("splits").Set(float64(u.splits.Len()))
	observability.CacheItems.WithLabelValues("rule_based_segments").Set(float64(u.rbs.Len()))
}
