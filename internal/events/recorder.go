package events

import (
	"fmt"
	"log/slog"

	"github.com/rafaeljc/bifrost/internal/observability"
)

// Queue accepts events for shipping without blocking.
type Queue interface {
	Push(e Event) bool
}

// Recorder validates events and hands them to a queue.
type Recorder struct {
	validator *Validator
	queue     Queue
	logger    *slog.Logger
}

// NewRecorder creates a Recorder. A nil queue validates and discards.
func NewRecorder(logger *slog.Logger, queue Queue) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		validator: NewValidator(logger),
		queue:     queue,
		logger:    logger,
	}
}

// Record validates e and queues it. It returns ErrInvalidEvent for rejected
// events and a plain error when the queue is full.
func (r *Recorder) Record(e Event) error {
	if err := r.validator.Validate(&e); err != nil {
		observability.EventsTotal.WithLabelValues("invalid").Inc()
		r.logger.Warn("event rejected", slog.String("event_type", e.EventTypeID), slog.String("error", err.Error()))
		return err
	}

	if r.queue == nil {
		return nil
	}
	if !r.queue.Push(e) {
		observability.EventsTotal.WithLabelValues("dropped").Inc()
		return fmt.Errorf("events queue is full")
	}

	observability.EventsTotal.WithLabelValues("queued").Inc()
	return nil
}
