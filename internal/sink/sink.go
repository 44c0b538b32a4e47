// Package sink buffers impressions and events and ships them in batches.
//
// Producers never block: when the buffer is full the record is dropped and
// counted. A single flusher drains the buffer on a fixed interval or as soon
// as a batch fills up.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rafaeljc/bifrost/internal/observability"
)

// Queue names, also used as Redis list keys.
const (
	ImpressionsQueue = "bifrost.impressions"
	EventsQueue      = "bifrost.events"
)

// Writer ships a batch of encoded records to a destination.
type Writer interface {
	Write(ctx context.Context, queue string, records [][]byte) error
}

// Discard is a Writer that drops every batch.
type Discard struct{}

func (Discard) Write(context.Context, string, [][]byte) error { return nil }

// BufferConfig sizes a Buffer.
type BufferConfig struct {
	Queue           string
	Capacity        int
	BatchSize       int
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration
}

// Buffer is a bounded, non-blocking queue of records of type T.
type Buffer[T any] struct {
	cfg    BufferConfig
	items  chan T
	full   chan struct{}
	writer Writer
	logger *slog.Logger
}

// NewBuffer creates a buffer shipping to writer. Run must be started for records to leave it.
func NewBuffer[T any](logger *slog.Logger, cfg BufferConfig, writer Writer) *Buffer[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if writer == nil {
		panic("sink: writer cannot be nil")
	}
	if cfg.Queue == "" {
		panic("sink: queue name cannot be empty")
	}

	// Safe defaults
	if cfg.Capacity < 1 {
		cfg.Capacity = 10000
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	return &Buffer[T]{
		cfg:    cfg,
		items:  make(chan T, cfg.Capacity),
		full:   make(chan struct{}, 1),
		writer: writer,
		logger: logger,
	}
}

// Push enqueues item and reports whether it was accepted.
func (b *Buffer[T]) Push(item T) bool {
	select {
	case b.items <- item:
	default:
		return false
	}

	n := len(b.items)
	observability.SinkQueueDepth.WithLabelValues(b.cfg.Queue).Set(float64(n))
	if n >= b.cfg.BatchSize {
		select {
		case b.full <- struct{}{}:
		default:
		}
	}
	return true
}

// Len returns the number of buffered records.
func (b *Buffer[T]) Len() int {
	return len(b.items)
}

// Run flushes until ctx is cancelled, then makes a last flush bounded by the shutdown timeout.
func (b *Buffer[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
			defer cancel()
			for b.Len() > 0 && flushCtx.Err() == nil {
				b.Flush(flushCtx)
			}
			return nil
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.full:
			b.Flush(ctx)
		}
	}
}

// Flush ships at most one batch. Records of a failed batch are lost.
func (b *Buffer[T]) Flush(ctx context.Context) {
	batch := make([][]byte, 0, min(b.Len(), b.cfg.BatchSize))
drain:
	for len(batch) < b.cfg.BatchSize {
		select {
		case item := <-b.items:
			raw, err := json.Marshal(item)
			if err != nil {
				b.logger.Error("failed to encode record", slog.String("queue", b.cfg.Queue), slog.String("error", err.Error()))
				continue
			}
			batch = append(batch, raw)
		default:
			break drain
		}
	}

	observability.SinkQueueDepth.WithLabelValues(b.cfg.Queue).Set(float64(b.Len()))
	if len(batch) == 0 {
		return
	}

	if err := b.writer.Write(ctx, b.cfg.Queue, batch); err != nil {
		observability.SinkFlushTotal.WithLabelValues(b.cfg.Queue, "fail").Inc()
		b.logger.Error("failed to flush records",
			slog.String("queue", b.cfg.Queue),
			slog.Int("records", len(batch)),
			slog.String("error", err.Error()),
		)
		return
	}
	observability.SinkFlushTotal.WithLabelValues(b.cfg.Queue, "success").Inc()
	b.logger.Debug("records flushed", slog.String("queue", b.cfg.Queue), slog.Int("records", len(batch)))
}
