// Package websearch augments document retrieval with live web results.
//
// Results come from an instant-answer style endpoint and are cached in
// Postgres keyed by the normalized query hash. Lookups are cache-first; a
// circuit breaker around the live fetch keeps a flaky provider from stalling
// every question that needs web context.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/fingerprint"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// Fetcher retrieves live results for a query from an external provider.
type Fetcher interface {
	Fetch(ctx context.Context, query string, maxResults int) ([]model.WebResult, error)
}

const (
	// breakerConsecutiveFailures opens the breaker after this many failed
	// fetches in a row. Half-open probes resume after breakerOpenTimeout.
	breakerConsecutiveFailures = 3
	breakerOpenTimeout         = 30 * time.Second

	defaultMaxResults = 5
)

// Service answers web queries cache-first: a fresh cached row is served
// straight from Postgres, a miss goes to the provider through the breaker
// and the result is written back for the next asker.
type Service struct {
	db           *storage.DB
	fetcher      Fetcher
	breaker      *gobreaker.CircuitBreaker
	cacheEnabled bool
	ttl          time.Duration
	maxRows      int
	logger       *slog.Logger
	meter        metric.Meter

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a web search service from the runtime configuration.
func New(db *storage.DB, fetcher Fetcher, cfg config.Config, logger *slog.Logger) *Service {
	s := &Service{
		db:           db,
		fetcher:      fetcher,
		cacheEnabled: cfg.WebCacheEnabled,
		ttl:          cfg.WebCacheTTL,
		maxRows:      cfg.WebCacheMaxRows,
		logger:       logger,
		meter:        telemetry.Meter("kotae/websearch"),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "websearch",
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("websearch: breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return s
}

// Search returns ranked web results for rawQuery. Cache errors degrade to a
// live fetch; fetch errors are returned so the caller can fall back to
// retrieval-only answers.
func (s *Service) Search(ctx context.Context, rawQuery string, maxResults int) ([]model.WebResult, error) {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	key := fingerprint.QueryKey(rawQuery)

	if s.cacheEnabled {
		cached, err := s.db.WebCacheLookup(ctx, key)
		switch {
		case err == nil:
			s.hits.Add(1)
			s.count(ctx, "kotae.webcache.hits_total")
			return clip(cached, maxResults), nil
		case errors.Is(err, storage.ErrNotFound):
			s.misses.Add(1)
			s.count(ctx, "kotae.webcache.misses_total")
		default:
			// A broken cache must not take web search down with it.
			s.logger.Warn("websearch: cache lookup failed", "error", err)
			s.misses.Add(1)
			s.count(ctx, "kotae.webcache.misses_total")
		}
	}

	fetched, err := s.breaker.Execute(func() (any, error) {
		return s.fetcher.Fetch(ctx, rawQuery, maxResults)
	})
	if err != nil {
		return nil, fmt.Errorf("websearch: live fetch: %w", err)
	}
	results := fetched.([]model.WebResult)

	if s.cacheEnabled && len(results) > 0 {
		if err := s.db.WebCacheStore(ctx, key, fingerprint.Normalize(rawQuery), results, s.ttl, s.maxRows); err != nil {
			s.logger.Warn("websearch: cache store failed", "error", err)
		}
	}
	return results, nil
}

// count records a cache counter (best-effort, instruments lazily created).
func (s *Service) count(ctx context.Context, name string) {
	if counter, err := s.meter.Int64Counter(name); err == nil {
		counter.Add(ctx, 1)
	}
}

// HitRate returns the cache hit fraction since process start, for the
// analytics summary. Zero before any lookup has happened.
func (s *Service) HitRate() float64 {
	h, m := s.hits.Load(), s.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// CacheEnabled reports whether the shared cache is switched on.
func (s *Service) CacheEnabled() bool { return s.cacheEnabled }

func clip(results []model.WebResult, max int) []model.WebResult {
	if len(results) <= max {
		return results
	}
	return results[:max]
}
