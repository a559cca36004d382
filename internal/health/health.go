// Package health aggregates per-component checks into the composite
// health_check report.
//
// Components register a check function with a freshness TTL. A report
// returns each component's last fresh result and re-runs stale checks
// under a bounded probe timeout, so one stuck dependency cannot hang the
// report. The overall status is the worst component status under the
// lattice healthy > degraded > unhealthy.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Status is a component or overall health classification.
type Status string

// Statuses, ordered healthy > degraded > unhealthy.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// rank orders statuses; higher is healthier.
func rank(s Status) int {
	switch s {
	case StatusHealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// worse returns the lower-ranked of two statuses.
func worse(a, b Status) Status {
	if rank(b) < rank(a) {
		return b
	}

	return a
}

// ReasonProbeTimeout marks a component whose check did not answer within
// the probe timeout.
const ReasonProbeTimeout = "probe_timeout"

// ComponentHealth is one component's check result.
type ComponentHealth struct {
	Status    Status         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Report is the health_check answer shape.
type Report struct {
	Overall      Status                     `json:"overall"`
	Components   map[string]ComponentHealth `json:"components"`
	Timestamp    time.Time                  `json:"timestamp"`
	ServerUptime string                     `json:"server_uptime"`
}

// CheckFunc probes one component. The context carries the probe timeout;
// checks should return promptly once it expires.
type CheckFunc func(ctx context.Context) ComponentHealth

// DefaultProbeTimeout bounds one stale-component probe.
const DefaultProbeTimeout = 5 * time.Second

// Config wires a Monitor.
type Config struct {
	// ProbeTimeout bounds each stale-component check.
	ProbeTimeout time.Duration

	// Now is the clock; nil selects time.Now.
	Now func() time.Time

	// Logger receives probe-timeout warnings; nil selects slog.Default.
	Logger *slog.Logger
}

type component struct {
	name  string
	ttl   time.Duration
	check CheckFunc

	mu       sync.Mutex
	cached   ComponentHealth
	cachedAt time.Time
	fresh    bool
}

// Monitor runs registered component checks with per-component TTL caches.
type Monitor struct {
	probeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	start        time.Time

	mu         sync.Mutex
	components []*component

	group singleflight.Group
}

// NewMonitor creates a monitor. The server uptime clock starts here.
func NewMonitor(cfg Config) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Monitor{
		probeTimeout: cfg.ProbeTimeout,
		now:          cfg.Now,
		logger:       cfg.Logger,
		start:        cfg.Now(),
	}
}

// Register adds a named component check. The check runs at most once per
// ttl; in between, reports serve the cached result.
func (m *Monitor) Register(name string, ttl time.Duration, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.components = append(m.components, &component{name: name, ttl: ttl, check: check})
}

// Report evaluates every component and folds the overall status. It never
// returns an error: a check that fails or does not answer degrades its
// component instead.
func (m *Monitor) Report(ctx context.Context) Report {
	m.mu.Lock()
	components := make([]*component, len(m.components))
	copy(components, m.components)
	m.mu.Unlock()

	now := m.now().UTC()

	report := Report{
		Overall:      StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(components)),
		Timestamp:    now,
		ServerUptime: now.Sub(m.start.UTC()).Truncate(time.Second).String(),
	}

	for _, comp := range components {
		result := m.componentHealth(ctx, comp)
		report.Components[comp.name] = result
		report.Overall = worse(report.Overall, result.Status)
	}

	return report
}

// componentHealth returns the cached result while fresh, otherwise runs
// the check once, collapsing concurrent refreshes of the same component.
func (m *Monitor) componentHealth(ctx context.Context, comp *component) ComponentHealth {
	if cached, ok := m.freshResult(comp); ok {
		return cached
	}

	result, _, _ := m.group.Do(comp.name, func() (any, error) {
		if cached, ok := m.freshResult(comp); ok {
			return cached, nil
		}

		return m.probe(ctx, comp), nil
	})

	return result.(ComponentHealth)
}

func (m *Monitor) freshResult(comp *component) (ComponentHealth, bool) {
	comp.mu.Lock()
	defer comp.mu.Unlock()

	if comp.fresh && m.now().Sub(comp.cachedAt) < comp.ttl {
		return comp.cached, true
	}

	return ComponentHealth{}, false
}

// probe runs the check under the probe timeout. A check that does not
// answer in time is reported and cached as degraded with reason
// probe_timeout; the report after the TTL expires retries it.
func (m *Monitor) probe(ctx context.Context, comp *component) ComponentHealth {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	done := make(chan ComponentHealth, 1)

	go func() {
		done <- comp.check(probeCtx)
	}()

	var result ComponentHealth

	select {
	case result = <-done:
	case <-probeCtx.Done():
		m.logger.Warn("Health check timed out",
			slog.String("component", comp.name),
			slog.Duration("probe_timeout", m.probeTimeout),
		)

		result = ComponentHealth{Status: StatusDegraded, Reason: ReasonProbeTimeout}
	}

	result.CheckedAt = m.now().UTC()

	comp.mu.Lock()
	comp.cached = result
	comp.cachedAt = m.now()
	comp.fresh = true
	comp.mu.Unlock()

	return result
}
