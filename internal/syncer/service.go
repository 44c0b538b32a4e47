// Package syncer keeps the in-memory caches in step with the change feed.
//
// It polls the flag and segment feeds on fixed intervals and, when a push
// source is configured, applies notifications as they arrive. Flag
// notifications are handled by a single worker; segment notifications are
// spread over a fixed pool of workers.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/bifrost/internal/dtos"
	"github.com/rafaeljc/bifrost/internal/observability"
)

// NotificationSource delivers push notifications until ctx is cancelled.
type NotificationSource interface {
	Subscribe(ctx context.Context) (<-chan dtos.Notification, error)
}

// Config holds the configuration for the synchronization service.
type Config struct {
	FeaturesRefreshRate time.Duration
	SegmentsRefreshRate time.Duration
	SegmentWorkers      int
	QueueSize           int
	ShutdownTimeout     time.Duration
}

// segmentRequest asks a segment worker to reach till.
type segmentRequest struct {
	name string
	till int64
}

// Service orchestrates polling, push and the notification workers.
type Service struct {
	logger   *slog.Logger
	config   Config
	splits   *SplitUpdater
	segments *SegmentUpdater
	source   NotificationSource

	splitQueue   chan dtos.Notification
	segmentQueue chan segmentRequest
	refresh      chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a new synchronization service. source may be nil to disable push.
func New(logger *slog.Logger, cfg Config, splits *SplitUpdater, segments *SegmentUpdater, source NotificationSource) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if splits == nil {
		panic("syncer: split updater cannot be nil")
	}
	if segments == nil {
		panic("syncer: segment updater cannot be nil")
	}

	// Safe defaults
	if cfg.FeaturesRefreshRate < time.Second {
		cfg.FeaturesRefreshRate = 60 * time.Second
	}
	if cfg.SegmentsRefreshRate < time.Second {
		cfg.SegmentsRefreshRate = 60 * time.Second
	}
	if cfg.SegmentWorkers < 1 {
		cfg.SegmentWorkers = 10
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 5000
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	return &Service{
		logger:       logger,
		config:       cfg,
		splits:       splits,
		segments:     segments,
		source:       source,
		splitQueue:   make(chan dtos.Notification, cfg.QueueSize),
		segmentQueue: make(chan segmentRequest, cfg.QueueSize),
		refresh:      make(chan struct{}, 1),
		ready:        make(chan struct{}),
	}
}

// Ready is closed once the caches hold a complete first synchronization.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Refresh requests an immediate synchronization of flags and segments.
// Requests made while one is pending are coalesced.
func (s *Service) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Enqueue routes a notification to its worker. It blocks while the queue is
// full and gives up when ctx is cancelled.
func (s *Service) Enqueue(ctx context.Context, n dtos.Notification) bool {
	switch n.Type {
	case dtos.NotificationSplitUpdate, dtos.NotificationSplitKill, dtos.NotificationRuleBasedSegmentUpdate:
		select {
		case s.splitQueue <- n:
			return true
		case <-ctx.Done():
		}
	case dtos.NotificationSegmentUpdate:
		select {
		case s.segmentQueue <- segmentRequest{name: n.SegmentName, till: n.ChangeNumber}:
			observability.SegmentQueueDepth.Set(float64(len(s.segmentQueue)))
			return true
		case <-ctx.Done():
		}
	default:
		s.logger.Warn("unknown notification type", slog.String("type", n.Type))
		observability.NotificationsTotal.WithLabelValues(n.Type, "ignored").Inc()
		return false
	}
	observability.NotificationsTotal.WithLabelValues(n.Type, "dropped").Inc()
	return false
}

// Run performs the initial synchronization and then keeps the caches fresh.
// It blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting syncer service",
		slog.String("features_refresh_rate", s.config.FeaturesRefreshRate.String()),
		slog.String("segments_refresh_rate", s.config.SegmentsRefreshRate.String()),
		slog.Int("segment_workers", s.config.SegmentWorkers),
		slog.Bool("push", s.source != nil),
	)

	// Run once immediately on startup
	s.syncAll(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { s.pollSplits(gctx); return nil })
	g.Go(func() error { s.pollSegments(gctx); return nil })
	g.Go(func() error { s.splitWorker(gctx); return nil })
	for i := 0; i < s.config.SegmentWorkers; i++ {
		g.Go(func() error { s.segmentWorker(gctx); return nil })
	}
	if s.source != nil {
		g.Go(func() error { s.consume(gctx); return nil })
	}

	err := g.Wait()
	s.logger.Info("syncer service stopped")
	return err
}

// syncAll synchronizes flags, then every referenced segment. The service becomes
// ready the first time both complete.
func (s *Service) syncAll(ctx context.Context) {
	if err := s.splits.SynchronizeSplits(ctx, nil); err != nil {
		s.logger.Error("split synchronization failed", slog.String("error", err.Error()))
		return
	}
	if err := s.segments.SynchronizeSegments(ctx); err != nil {
		s.logger.Error("segment synchronization failed", slog.String("error", err.Error()))
		return
	}
	s.markReady()
}

func (s *Service) markReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
		observability.SDKReady.Set(1)
		s.logger.Info("sdk ready")
	})
}

func (s *Service) pollSplits(ctx context.Context) {
	ticker := time.NewTicker(s.config.FeaturesRefreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.refresh:
			s.syncAll(ctx)
		case <-ticker.C:
			if err := s.splits.SynchronizeSplits(ctx, nil); err != nil {
				// Retry on next tick.
				s.logger.Error("split synchronization failed", slog.String("error", err.Error()))
				continue
			}
			select {
			case <-s.ready:
			default:
				// The first synchronization did not complete. Finish it here.
				s.syncAll(ctx)
			}
		}
	}
}

func (s *Service) pollSegments(ctx context.Context) {
	ticker := time.NewTicker(s.config.SegmentsRefreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.segments.SynchronizeSegments(ctx); err != nil {
				s.logger.Error("segment synchronization failed", slog.String("error", err.Error()))
			}
		}
	}
}

// splitWorker applies flag notifications one at a time, in arrival order.
func (s *Service) splitWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drainSplits()
			return
		case n := <-s.splitQueue:
			if ctx.Err() != nil {
				s.drainSplits(n)
				return
			}
			s.handleSplitNotification(ctx, n)
		}
	}
}

func (s *Service) handleSplitNotification(ctx context.Context, n dtos.Notification) {
	var err error
	switch n.Type {
	case dtos.NotificationSplitUpdate:
		err = s.splits.ProcessUpdate(ctx, n)
	case dtos.NotificationSplitKill:
		err = s.splits.ProcessKill(ctx, n)
	case dtos.NotificationRuleBasedSegmentUpdate:
		err = s.splits.ProcessRuleBasedUpdate(ctx, n)
	}
	if err != nil {
		s.logger.Error("failed to process notification",
			slog.String("type", n.Type),
			slog.Int64("change_number", n.ChangeNumber),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) segmentWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drainSegments()
			return
		case req := <-s.segmentQueue:
			observability.SegmentQueueDepth.Set(float64(len(s.segmentQueue)))
			if ctx.Err() != nil {
				s.drainSegments(req)
				return
			}
			s.handleSegmentRequest(ctx, req)
		}
	}
}

func (s *Service) handleSegmentRequest(ctx context.Context, req segmentRequest) {
	if err := s.segments.SynchronizeSegment(ctx, req.name, &req.till); err != nil {
		s.logger.Error("failed to process segment notification",
			slog.String("segment", req.name),
			slog.Int64("change_number", req.till),
			slog.String("error", err.Error()),
		)
		return
	}
	observability.NotificationsTotal.WithLabelValues(dtos.NotificationSegmentUpdate, "applied").Inc()
}

// drainSplits processes pending and then what is left in the queue, bounded by
// the shutdown timeout.
func (s *Service) drainSplits(pending ...dtos.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	for _, n := range pending {
		s.handleSplitNotification(ctx, n)
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Warn("shutdown timeout reached, dropping flag notifications", slog.Int("pending", len(s.splitQueue)))
			return
		case n := <-s.splitQueue:
			s.handleSplitNotification(ctx, n)
		default:
			return
		}
	}
}

func (s *Service) drainSegments(pending ...segmentRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	for _, req := range pending {
		s.handleSegmentRequest(ctx, req)
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Warn("shutdown timeout reached, dropping segment notifications", slog.Int("pending", len(s.segmentQueue)))
			return
		case req := <-s.segmentQueue:
			s.handleSegmentRequest(ctx, req)
		default:
			return
		}
	}
}

// consume forwards push notifications to the workers. When the subscription
// ends early the service keeps running on polling alone.
func (s *Service) consume(ctx context.Context) {
	notifications, err := s.source.Subscribe(ctx)
	if err != nil {
		s.logger.Error("push subscription failed, falling back to polling", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				s.logger.Warn("push subscription closed, falling back to polling")
				return
			}
			s.Enqueue(ctx, n)
		}
	}
}
