package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// acquirePollInterval is how often Acquire re-checks for capacity while
// waiting out its bounded window.
const acquirePollInterval = 50 * time.Millisecond

// Pool tracks the configured backend instances and selects one per request.
type Pool struct {
	backends []*Backend
	client   *http.Client
	logger   *slog.Logger

	probeInterval time.Duration
	probeTimeout  time.Duration
	acquireWait   time.Duration
	maxConcurrent int
}

// NewPool builds a pool from the parsed OLLAMA_INSTANCES entries. Instances
// start unhealthy; the first probe pass (or the first successful request)
// promotes them. Call Run to start the probe loop.
func NewPool(cfg config.Config, logger *slog.Logger) *Pool {
	backends := make([]*Backend, 0, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		backends = append(backends, &Backend{
			name: inst.Name,
			url:  inst.URL,
			spec: model.Specialization(inst.Tag),
		})
	}

	p := &Pool{
		backends:      backends,
		client:        &http.Client{Timeout: cfg.ProbeTimeout},
		logger:        logger,
		probeInterval: cfg.ProbeInterval,
		probeTimeout:  cfg.ProbeTimeout,
		acquireWait:   cfg.AcquireWait,
		maxConcurrent: cfg.MaxConcurrentRequests,
	}
	p.registerMetrics()
	return p
}

// registerMetrics registers the healthy-instance observable gauge.
func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("kotae/backend")

	_, _ = meter.Int64ObservableGauge("kotae.backend.healthy_instances",
		metric.WithDescription("Number of backend instances currently passing health checks"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.HealthyCount()))
			return nil
		}),
	)
}

// Run probes every instance once immediately, then on the configured
// interval until ctx is cancelled. Blocks; run it in a goroutine.
func (p *Pool) Run(ctx context.Context) {
	p.ProbeOnce(ctx)

	ticker := time.NewTicker(p.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce checks all instances concurrently and returns when every probe
// has finished. Called at boot so the first request sees fresh health.
func (p *Pool) ProbeOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range p.backends {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			p.probe(ctx, b)
		}(b)
	}
	wg.Wait()
}

// probe issues the cheap model-list request and records the outcome.
func (p *Pool) probe(ctx context.Context, b *Backend) {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.url+"/api/tags", nil)
	if err != nil {
		b.markProbe(false, 0, time.Now())
		return
	}

	resp, err := p.client.Do(req)
	rtt := time.Since(start)
	now := time.Now()

	if err != nil {
		wasHealthy := b.Healthy()
		b.markProbe(false, 0, now)
		if wasHealthy {
			p.logger.Warn("backend: instance went unhealthy", "backend", b.name, "url", b.url, "error", err)
		}
		return
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	wasHealthy := b.Healthy()
	b.markProbe(healthy, rtt, now)

	switch {
	case healthy && !wasHealthy:
		p.logger.Info("backend: instance healthy", "backend", b.name, "url", b.url, "rtt_ms", rtt.Milliseconds())
	case !healthy && wasHealthy:
		p.logger.Warn("backend: instance went unhealthy", "backend", b.name, "url", b.url, "status", resp.StatusCode)
	}
}

// Pick selects a backend for the given specialization without reserving
// capacity. Healthy instances with a matching tag win; otherwise any healthy
// instance; otherwise ErrUnavailable. Among candidates the lowest
// (in_flight, last_rtt) tuple is chosen. Never blocks.
func (p *Pool) Pick(spec model.Specialization) (*Backend, error) {
	if b := p.pickFrom(spec, true); b != nil {
		return b, nil
	}
	if b := p.pickFrom(spec, false); b != nil {
		return b, nil
	}
	return nil, ErrUnavailable
}

func (p *Pool) pickFrom(spec model.Specialization, matchSpec bool) *Backend {
	var (
		best         *Backend
		bestInFlight int
		bestRTT      time.Duration
	)
	for _, b := range p.backends {
		if matchSpec && b.spec != spec {
			continue
		}
		healthy, inFlight, rtt := b.loadForPick()
		if !healthy {
			continue
		}
		if best == nil || inFlight < bestInFlight || (inFlight == bestInFlight && rtt < bestRTT) {
			best, bestInFlight, bestRTT = b, inFlight, rtt
		}
	}
	return best
}

// Acquire picks a backend and reserves an in-flight slot, waiting up to the
// configured bound when every eligible instance sits at its ceiling.
// Returns ErrUnavailable when nothing is healthy and ErrBusy when the wait
// expires. Callers must Release the returned backend in all paths.
func (p *Pool) Acquire(ctx context.Context, spec model.Specialization) (*Backend, error) {
	deadline := time.Now().Add(p.acquireWait)

	for {
		b, err := p.Pick(spec)
		if err != nil {
			return nil, err
		}
		if b.tryAcquire(p.ceiling()) {
			return b, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("backend: acquire: %w", ctx.Err())
		case <-time.After(acquirePollInterval):
		}
	}
}

// Release returns an acquired slot. Safe to call exactly once per Acquire.
func (p *Pool) Release(b *Backend) {
	if b != nil {
		b.release()
	}
}

// ReportSuccess records a completed request, reviving a demoted instance.
func (p *Pool) ReportSuccess(b *Backend, rtt time.Duration) {
	if b != nil {
		b.markOutcome(true, rtt)
	}
}

// ReportFailure demotes an instance until the next successful probe.
func (p *Pool) ReportFailure(b *Backend) {
	if b == nil {
		return
	}
	b.markOutcome(false, 0)
	p.logger.Warn("backend: request failure demoted instance", "backend", b.name)
}

// ceiling is the per-instance in-flight cap: the configured global
// concurrency spread across healthy instances, floored at 4.
func (p *Pool) ceiling() int {
	healthy := p.HealthyCount()
	if healthy == 0 {
		return 4
	}
	c := p.maxConcurrent / healthy
	if c < 4 {
		c = 4
	}
	return c
}

// HealthyCount returns the number of instances currently healthy.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, b := range p.backends {
		if b.Healthy() {
			n++
		}
	}
	return n
}

// Size returns the configured number of instances.
func (p *Pool) Size() int { return len(p.backends) }

// Snapshot returns the point-in-time status of every instance, sorted by
// name, plus the aggregate status string for the health endpoint.
func (p *Pool) Snapshot() model.BackendHealthResponse {
	statuses := make([]model.BackendStatus, 0, len(p.backends))
	healthy := 0
	for _, b := range p.backends {
		st := b.status()
		if st.Healthy {
			healthy++
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	status := "unhealthy"
	switch {
	case healthy == len(statuses) && healthy > 0:
		status = "healthy"
	case healthy > 0:
		status = "degraded"
	}

	return model.BackendHealthResponse{
		Status:           status,
		HealthyInstances: healthy,
		TotalInstances:   len(statuses),
		Instances:        statuses,
	}
}
