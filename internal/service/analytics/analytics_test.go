package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ashita-ai/kotae/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testEvent(query string) model.SearchEvent {
	return model.SearchEvent{
		ID:        uuid.New(),
		RequestID: uuid.NewString(),
		Query:     query,
		Category:  model.CategoryTechnical,
		Strategy:  model.StrategyRAGFirst,
		Method:    model.MethodRAG,
	}
}

func TestRecordAssignsCreatedAt(t *testing.T) {
	buf := NewBuffer(nil, testLogger(), 10, time.Second)

	buf.Record(testEvent("how do I configure TLS"))

	require.Equal(t, 1, buf.Len())
	buf.mu.Lock()
	defer buf.mu.Unlock()
	assert.False(t, buf.events[0].CreatedAt.IsZero())
}

func TestRecordEvictsOldestAtCapacity(t *testing.T) {
	buf := NewBuffer(nil, testLogger(), 3, time.Second)

	for i := 0; i < 5; i++ {
		buf.Record(testEvent(fmt.Sprintf("query %d", i)))
	}

	assert.Equal(t, 3, buf.Len())
	assert.Equal(t, int64(2), buf.Dropped())

	// The newest events survive; the oldest were evicted.
	buf.mu.Lock()
	defer buf.mu.Unlock()
	assert.Equal(t, "query 2", buf.events[0].Query)
	assert.Equal(t, "query 4", buf.events[2].Query)
}

func TestDefaultsAppliedForZeroConfig(t *testing.T) {
	buf := NewBuffer(nil, testLogger(), 0, 0)
	assert.Equal(t, 4096, buf.Capacity())
	assert.Equal(t, 2*time.Second, buf.interval)
}

func TestDroppedTotalExportedAsCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	defer otel.SetMeterProvider(prev)

	buf := NewBuffer(nil, testLogger(), 2, time.Hour)
	buf.registerMetrics()

	for i := 0; i < 5; i++ {
		buf.Record(testEvent(fmt.Sprintf("query %d", i)))
	}
	require.Equal(t, int64(3), buf.Dropped())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sum := findInt64Sum(t, rm, "kotae.analytics.dropped_total")
	assert.True(t, sum.IsMonotonic, "dropped_total must be a monotonic counter")
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)
}

func findInt64Sum(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Sum[int64] {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s should be a sum, got %T", name, m.Data)
			return sum
		}
	}
	t.Fatalf("metric %s was not collected", name)
	return metricdata.Sum[int64]{}
}

func TestDrainStopsFlushLoop(t *testing.T) {
	buf := NewBuffer(nil, testLogger(), 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	// No events recorded, so the final flush is a no-op even without a DB.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)

	select {
	case <-buf.done:
	default:
		t.Fatal("expected flush loop to have exited after Drain")
	}
}
