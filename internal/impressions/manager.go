package impressions

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/observability"
)

// Listener receives every impression together with the evaluation attributes.
// It runs on the caller's goroutine and must not block.
type Listener interface {
	LogImpression(imp Impression, attributes map[string]any)
}

// Queue accepts impressions for shipping without blocking.
type Queue interface {
	Push(imp Impression) bool
}

// Manager applies the impression mode and fans impressions out.
type Manager struct {
	mode          string
	labelsEnabled bool
	observer      *Observer
	listener      Listener
	queue         Queue
	logger        *slog.Logger
}

// NewManager creates a manager for mode (optimized, debug or none).
// listener and queue are optional.
func NewManager(logger *slog.Logger, mode string, labelsEnabled bool, observer *Observer, listener Listener, queue Queue) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch mode {
	case config.ImpressionsOptimized, config.ImpressionsDebug, config.ImpressionsNone:
	default:
		return nil, fmt.Errorf("unknown impressions mode %q", mode)
	}
	if observer == nil && mode != config.ImpressionsNone {
		return nil, fmt.Errorf("impressions mode %q requires an observer", mode)
	}

	return &Manager{
		mode:          mode,
		labelsEnabled: labelsEnabled,
		observer:      observer,
		listener:      listener,
		queue:         queue,
		logger:        logger,
	}, nil
}

// Process records a batch of impressions produced by one client call.
func (m *Manager) Process(imps []Impression, attributes map[string]any) {
	for i := range imps {
		imp := &imps[i]
		if !m.labelsEnabled {
			imp.Label = ""
		}
		if m.observer != nil {
			m.observer.TestAndSet(imp)
		}

		m.notify(*imp, attributes)

		if !m.shouldQueue(imp) {
			observability.ImpressionsTotal.WithLabelValues("deduped").Inc()
			continue
		}
		if m.queue == nil || !m.queue.Push(*imp) {
			observability.ImpressionsTotal.WithLabelValues("dropped").Inc()
			continue
		}
		observability.ImpressionsTotal.WithLabelValues("queued").Inc()
	}
}

// shouldQueue keeps every impression in debug mode and, in optimized mode,
// only the first of each decision per hour.
func (m *Manager) shouldQueue(imp *Impression) bool {
	if imp.Disabled {
		return false
	}
	switch m.mode {
	case config.ImpressionsDebug:
		return true
	case config.ImpressionsOptimized:
		return imp.PreviousTime == 0 || truncateToHour(imp.PreviousTime) != truncateToHour(imp.Time)
	default:
		return false
	}
}

// notify calls the listener, recovering from its panics.
func (m *Manager) notify(imp Impression, attributes map[string]any) {
	if m.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("impression listener panicked",
				slog.String("flag", imp.FeatureName),
				slog.Any("panic", r),
			)
		}
	}()
	m.listener.LogImpression(imp, attributes)
}

func truncateToHour(ms int64) int64 {
	return time.UnixMilli(ms).Truncate(time.Hour).UnixMilli()
}
