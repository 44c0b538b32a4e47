package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/dtos"
	"github.com/rafaeljc/bifrost/internal/observability"
)

// SegmentFetcher reads the change feed of a single segment.
type SegmentFetcher interface {
	FetchSegmentChanges(ctx context.Context, name string, since int64, till *int64) (*dtos.SegmentChangesDTO, error)
}

// SegmentUpdater keeps the segment cache in step with the feed.
// Updates of one segment are serialized; different segments proceed in parallel.
type SegmentUpdater struct {
	fetcher  SegmentFetcher
	segments *cache.SegmentCache
	splits   *cache.SplitCache
	rbs      *cache.RuleBasedSegmentCache
	workers  int
	retry    RetryPolicy
	logger   *slog.Logger

	locks sync.Map // segment name -> *sync.Mutex
}

// NewSegmentUpdater creates an updater that fans out over at most workers segments at once.
func NewSegmentUpdater(
	logger *slog.Logger,
	fetcher SegmentFetcher,
	segments *cache.SegmentCache,
	splits *cache.SplitCache,
	rbs *cache.RuleBasedSegmentCache,
	workers int,
	policy RetryPolicy,
) *SegmentUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	if fetcher == nil {
		panic("syncer: segment fetcher cannot be nil")
	}
	if segments == nil || splits == nil || rbs == nil {
		panic("syncer: caches cannot be nil")
	}
	if workers < 1 {
		workers = 1
	}

	return &SegmentUpdater{
		fetcher:  fetcher,
		segments: segments,
		splits:   splits,
		rbs:      rbs,
		workers:  workers,
		retry:    policy.orDefault(),
		logger:   logger,
	}
}

// Known reports whether the segment has been synchronized at least once.
func (u *SegmentUpdater) Known(name string) bool {
	return u.segments.Contains(name)
}

// SynchronizeSegment pages a segment's feed until it is caught up, or until
// the cached version reaches till when one is given.
func (u *SegmentUpdater) SynchronizeSegment(ctx context.Context, name string, till *int64) error {
	lock, _ := u.locks.LoadOrStore(name, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	err := u.synchronize(ctx, name, till)
	observability.SyncDuration.WithLabelValues("segment").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.SyncTotal.WithLabelValues("segment", "fail").Inc()
		return err
	}
	observability.SyncTotal.WithLabelValues("segment", "success").Inc()
	observability.CacheItems.WithLabelValues("segments").Set(float64(u.segments.Len()))
	return nil
}

func (u *SegmentUpdater) synchronize(ctx context.Context, name string, till *int64) error {
	for {
		since := u.segments.ChangeNumber(name)
		if till != nil && since >= *till {
			return nil
		}

		var page *dtos.SegmentChangesDTO
		err := u.retry.do(ctx, func(ctx context.Context) error {
			var err error
			page, err = u.fetcher.FetchSegmentChanges(ctx, name, since, till)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to fetch segment %q since %d: %w", name, since, err)
		}

		if !u.segments.Update(name, page.Added, page.Removed, page.Till) {
			u.logger.Debug("stale segment page dropped",
				slog.String("segment", name),
				slog.Int64("till", page.Till),
			)
			return nil
		}
		if len(page.Added)+len(page.Removed) > 0 {
			u.logger.Debug("segment changes applied",
				slog.String("segment", name),
				slog.Int("added", len(page.Added)),
				slog.Int("removed", len(page.Removed)),
				slog.Int64("change_number", page.Till),
			)
		}

		if page.Till <= since {
			return nil
		}
	}
}

// SynchronizeSegments refreshes every segment referenced by cached flags and
// rule-based segments. A failing segment does not stop the others.
func (u *SegmentUpdater) SynchronizeSegments(ctx context.Context) error {
	names := u.splits.SegmentNames()
	names = append(names, u.rbs.SegmentNames()...)
	return u.synchronizeAll(ctx, names)
}

func (u *SegmentUpdater) synchronizeAll(ctx context.Context, names []string) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(u.workers)

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		g.Go(func() error {
			if err := u.SynchronizeSegment(ctx, name, nil); err != nil {
				u.logger.Warn("segment synchronization failed",
					slog.String("segment", name),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
