// Package sdk assembles caches, fetchers, the synchronizer, impressions and
// events into a ready-to-use client from configuration.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/client"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/events"
	"github.com/rafaeljc/bifrost/internal/fetcher"
	"github.com/rafaeljc/bifrost/internal/impressions"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/push"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/sink"
	"github.com/rafaeljc/bifrost/internal/syncer"
)

// Deps are connections opened by the caller. Which ones are required depends
// on the configured mode, push and sink.
type Deps struct {
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Listener impressions.Listener
}

// feed is implemented by every fetcher.
type feed interface {
	syncer.SplitFetcher
	syncer.SegmentFetcher
}

// SDK owns every background component behind a Client.
type SDK struct {
	Client           *client.Client
	Splits           *cache.SplitCache
	Segments         *cache.SegmentCache
	RuleBasedSegment *cache.RuleBasedSegmentCache

	// InstanceID identifies this SDK in logs.
	InstanceID string

	service         *syncer.Service
	impressionQueue *sink.Buffer[impressions.Impression]
	eventQueue      *sink.Buffer[events.Event]
	observer        *impressions.Observer
	watcher         *fetcher.LocalhostFetcher

	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	stopped bool
}

// New builds an SDK from cfg. Background work starts with Start.
func New(logger *slog.Logger, cfg *config.SDKConfig, deps Deps) (*SDK, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		return nil, errors.New("sdk config cannot be nil")
	}

	instanceID := uuid.NewString()
	logger = logger.With(slog.String("sdk_instance", instanceID))

	s := &SDK{
		Splits:           cache.NewSplitCache(),
		Segments:         cache.NewSegmentCache(),
		RuleBasedSegment: cache.NewRuleBasedSegmentCache(),
		InstanceID:       instanceID,
		shutdownTimeout:  5 * time.Second,
		logger:           logger,
	}

	source, err := s.feed(cfg, deps)
	if err != nil {
		return nil, err
	}

	var notifications syncer.NotificationSource
	if cfg.PushEnabled {
		if deps.Redis == nil {
			return nil, errors.New("push notifications require a redis client")
		}
		notifications = push.NewRedisSource(logger, deps.Redis, cfg.PushChannel)
	}

	policy := syncer.RetryPolicy{MaxRetries: uint64(cfg.FetchMaxRetries), BaseDelay: cfg.FetchBaseDelay}
	segUpdater := syncer.NewSegmentUpdater(logger, source, s.Segments, s.Splits, s.RuleBasedSegment, cfg.SegmentWorkers, policy)
	splitUpdater := syncer.NewSplitUpdater(logger, source, s.Splits, s.RuleBasedSegment, segUpdater, cfg.FlagSets, policy)
	s.service = syncer.New(logger, syncer.Config{
		FeaturesRefreshRate: cfg.FeaturesRefreshRate,
		SegmentsRefreshRate: cfg.SegmentsRefreshRate,
		SegmentWorkers:      cfg.SegmentWorkers,
		ShutdownTimeout:     s.shutdownTimeout,
	}, splitUpdater, segUpdater, notifications)

	writer, err := sinkWriter(cfg, deps)
	if err != nil {
		return nil, err
	}
	s.impressionQueue = sink.NewBuffer[impressions.Impression](logger, sink.BufferConfig{
		Queue:         sink.ImpressionsQueue,
		Capacity:      cfg.ImpressionsQueueSize,
		BatchSize:     cfg.SinkBatchSize,
		FlushInterval: cfg.SinkFlushInterval,
	}, writer)
	s.eventQueue = sink.NewBuffer[events.Event](logger, sink.BufferConfig{
		Queue:         sink.EventsQueue,
		Capacity:      cfg.EventsQueueSize,
		BatchSize:     cfg.SinkBatchSize,
		FlushInterval: cfg.SinkFlushInterval,
	}, writer)

	if cfg.ImpressionsMode != config.ImpressionsNone {
		s.observer, err = impressions.NewObserver(cfg.ImpressionsObserverSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create impressions observer: %w", err)
		}
	}
	manager, err := impressions.NewManager(logger, cfg.ImpressionsMode, cfg.LabelsEnabled, s.observer, deps.Listener, s.impressionQueue)
	if err != nil {
		s.closeObserver()
		return nil, err
	}

	s.Client = client.New(logger, client.Deps{
		Evaluator:    ruleengine.New(logger, s.Splits, s.Segments, s.RuleBasedSegment),
		Ready:        s.service.Ready(),
		Impressions:  manager,
		Events:       events.NewRecorder(logger, s.eventQueue),
		Telemetry:    observability.Telemetry{},
		TrafficTypes: s.Splits,
		OnDestroy:    s.stop,
	})

	return s, nil
}

func (s *SDK) feed(cfg *config.SDKConfig, deps Deps) (feed, error) {
	switch cfg.Mode {
	case config.ModeAPI:
		return fetcher.NewHTTPFetcher(s.logger, cfg), nil
	case config.ModeLocalhost:
		s.watcher = fetcher.NewLocalhostFetcher(s.logger, cfg.LocalhostFile)
		return s.watcher, nil
	case config.ModePostgres:
		if deps.DB == nil {
			return nil, errors.New("postgres mode requires a database pool")
		}
		return fetcher.NewPostgresFetcher(deps.DB), nil
	default:
		return nil, fmt.Errorf("unknown sdk mode %q", cfg.Mode)
	}
}

func sinkWriter(cfg *config.SDKConfig, deps Deps) (sink.Writer, error) {
	if cfg.Sink != config.SinkRedis {
		return sink.Discard{}, nil
	}
	if deps.Redis == nil {
		return nil, errors.New("redis sink requires a redis client")
	}
	return sink.NewRedisWriter(deps.Redis), nil
}

// Start launches synchronization, the sink flushers and, in localhost mode,
// the definitions file watcher. It does not block.
func (s *SDK) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.stopped {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.service.Run(ctx) })
	g.Go(func() error { return s.impressionQueue.Run(ctx) })
	g.Go(func() error { return s.eventQueue.Run(ctx) })
	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Watch(ctx, s.service.Refresh) })
	}

	s.logger.Info("sdk started")
	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		close(s.done)
	}()
}

// Ready is closed once the first synchronization finished.
func (s *SDK) Ready() <-chan struct{} {
	return s.service.Ready()
}

// Err returns the error that ended background work, if any.
func (s *SDK) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// stop cancels background work and waits for queues to drain, bounded by the
// shutdown timeout. It runs through Client.Destroy.
func (s *SDK) stop() {
	s.mu.Lock()
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * s.shutdownTimeout):
			s.logger.Warn("sdk background work did not stop in time")
		}
	}
	s.closeObserver()
}

func (s *SDK) closeObserver() {
	if s.observer != nil {
		s.observer.Close()
	}
}
