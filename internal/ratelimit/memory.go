package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window holds the timestamps of counted requests for one (rule, key) pair,
// oldest first. Entries older than the rule's window are pruned on access.
type window struct {
	hits       []time.Time
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-memory sliding-window log.
//
// Each (rule, key) pair tracks its recent request timestamps. A request is
// allowed while fewer than Limit requests landed inside the trailing Window;
// the request that would make it Limit+1 is rejected. Exact, not an
// approximation: the Nth request in a window passes, the N+1th does not.
//
// A background goroutine evicts idle entries every minute to bound memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a sliding-window limiter.
// Call Close to stop the eviction goroutine.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow records one request against rule's window for key.
func (m *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) (Result, error) {
	now := time.Now()
	cutoff := now.Add(-rule.Window)

	m.mu.Lock()
	defer m.mu.Unlock()

	mapKey := rule.Name + ":" + key
	w, ok := m.windows[mapKey]
	if !ok {
		w = &window{}
		m.windows[mapKey] = w
	}
	w.lastAccess = now

	// Prune timestamps that slid out of the window.
	keep := 0
	for _, ts := range w.hits {
		if ts.After(cutoff) {
			break
		}
		keep++
	}
	if keep > 0 {
		w.hits = w.hits[keep:]
	}

	if len(w.hits) >= rule.Limit {
		return Result{
			Allowed:   false,
			Limit:     rule.Limit,
			Remaining: 0,
			ResetAt:   w.hits[0].Add(rule.Window),
		}, nil
	}

	w.hits = append(w.hits, now)
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - len(w.hits),
		ResetAt:   w.hits[0].Add(rule.Window),
	}, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts windows that haven't been touched recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, w := range m.windows {
		if w.lastAccess.Before(cutoff) {
			delete(m.windows, key)
		}
	}
}
