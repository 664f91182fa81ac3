// Package analytics provides the search-event pipeline with buffered
// COPY-based writes.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// flushBatchSize triggers an early flush once this many events are pending,
// independent of the flush interval.
const flushBatchSize = 64

// Buffer accumulates search events in memory and flushes them to Postgres
// using COPY when either the batch size or the flush interval is reached.
//
// Recording is O(1) and never blocks the request path: when the buffer is
// at capacity the oldest pending event is dropped and a counter increments.
// Answering the user always wins over observing the answer.
type Buffer struct {
	db       *storage.DB
	logger   *slog.Logger
	capacity int
	interval time.Duration

	mu     sync.Mutex
	events []model.SearchEvent

	dropped   atomic.Int64
	dropCount metric.Int64Counter

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates a search-event buffer. capacity bounds pending events;
// interval is the periodic flush cadence.
func NewBuffer(db *storage.DB, logger *slog.Logger, capacity int, interval time.Duration) *Buffer {
	if capacity <= 0 {
		capacity = 4096
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Buffer{
		db:       db,
		logger:   logger,
		capacity: capacity,
		interval: interval,
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics.
// Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Record appends one event to the buffer. At capacity the oldest pending
// event is evicted so the newest is always kept.
func (b *Buffer) Record(event model.SearchEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	if len(b.events) >= b.capacity {
		evicted := len(b.events) - b.capacity + 1
		b.events = b.events[evicted:]
		b.recordDrops(int64(evicted))
	}
	b.events = append(b.events, event)
	full := len(b.events) >= flushBatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			// ctx is already done, so it cannot carry the final write.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.db.InsertSearchEvents(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("analytics: flush failed", "error", err, "batch_size", len(batch))
		// Requeue for retry. If newer events already filled the buffer,
		// evict from the front of the requeued batch instead of blocking.
		b.mu.Lock()
		room := b.capacity - len(b.events)
		if room <= 0 {
			b.recordDrops(int64(len(batch)))
		} else {
			if len(batch) > room {
				b.recordDrops(int64(len(batch) - room))
				batch = batch[len(batch)-room:]
			}
			b.events = append(batch, b.events...)
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("analytics: batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. ctx bounds the wait and is passed to the final flush.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("analytics: drain timed out waiting for flush loop",
			"remaining_events", b.Len())
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kotae/analytics")

	_, _ = meter.Int64ObservableGauge("kotae.analytics.buffer_depth",
		metric.WithDescription("Current number of search events waiting to be flushed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	b.dropCount, _ = meter.Int64Counter("kotae.analytics.dropped_total",
		metric.WithDescription("Total search events dropped because the buffer was full"),
	)
}

// recordDrops bumps both the exported counter and the atomic total backing
// Dropped(). The counter is nil until Start registers metrics.
func (b *Buffer) recordDrops(n int64) {
	b.dropped.Add(n)
	if b.dropCount != nil {
		b.dropCount.Add(context.Background(), n)
	}
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Capacity returns the configured buffer capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Dropped returns the total number of events evicted since startup.
// A non-zero value means the flush path could not keep up.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}
