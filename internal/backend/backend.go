// Package backend maintains the pool of Ollama instances that serve
// generation, reranking, and embedding requests.
//
// Each instance carries a specialization tag; selection prefers a healthy
// instance matching the requested specialization and falls back to any
// healthy one. A background probe loop re-checks every instance on an
// interval, and callers report request outcomes so health reacts faster
// than the probe cadence.
package backend

import (
	"errors"
	"sync"
	"time"

	"github.com/ashita-ai/kotae/internal/model"
)

// ErrUnavailable is returned when no healthy backend exists for a request.
// Surfaces to clients as HTTP 503.
var ErrUnavailable = errors.New("backend: no healthy instance available")

// ErrBusy is returned when every eligible backend stays at its in-flight
// ceiling for the whole bounded acquire wait. Surfaces as HTTP 503.
var ErrBusy = errors.New("backend: all instances busy")

// Backend is one pooled instance plus its observed runtime state.
type Backend struct {
	name string
	url  string
	spec model.Specialization

	mu          sync.Mutex
	healthy     bool
	inFlight    int
	lastRTT     time.Duration
	lastProbeAt time.Time
}

// Name returns the instance's stable name ("ollama-0", ...).
func (b *Backend) Name() string { return b.name }

// URL returns the instance's base URL.
func (b *Backend) URL() string { return b.url }

// Specialization returns the instance's declared specialization tag.
func (b *Backend) Specialization() model.Specialization { return b.spec }

// Healthy reports the instance's last known health.
func (b *Backend) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

// InFlight returns the number of requests currently running on the instance.
func (b *Backend) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

// status returns a point-in-time copy for the health snapshot.
func (b *Backend) status() model.BackendStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.BackendStatus{
		Name:           b.name,
		URL:            b.url,
		Specialization: string(b.spec),
		Healthy:        b.healthy,
		InFlight:       b.inFlight,
		LastRTTMillis:  b.lastRTT.Milliseconds(),
		LastProbeAt:    b.lastProbeAt,
	}
}

// markProbe records a probe outcome.
func (b *Backend) markProbe(healthy bool, rtt time.Duration, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = healthy
	b.lastProbeAt = at
	if healthy {
		b.lastRTT = rtt
	}
}

// markOutcome records the result of a real request. A success revives a
// demoted instance immediately; a failure demotes it until the next
// successful probe.
func (b *Backend) markOutcome(ok bool, rtt time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = ok
	if ok && rtt > 0 {
		b.lastRTT = rtt
	}
}

// tryAcquire increments in-flight if the instance is healthy and under the
// ceiling. Returns false otherwise.
func (b *Backend) tryAcquire(ceiling int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.healthy || b.inFlight >= ceiling {
		return false
	}
	b.inFlight++
	return true
}

// release decrements in-flight, never below zero.
func (b *Backend) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight > 0 {
		b.inFlight--
	}
}

// loadForPick returns the (healthy, inFlight, lastRTT) tuple used by Pick.
func (b *Backend) loadForPick() (bool, int, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy, b.inFlight, b.lastRTT
}
