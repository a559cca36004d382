// Package breaker guards Snowflake calls with a three-state circuit breaker.
//
// Each logical backend (profile) gets its own breaker. In the closed state
// calls pass through and consecutive expected failures are counted; at the
// failure threshold the breaker opens and calls fail fast without touching
// the backend. After the recovery timeout a single probe call is admitted;
// its outcome decides between closing the circuit and re-opening it.
//
// Only errors matched by the expected-error predicate count toward the
// threshold. Everything else propagates to the caller and clears the
// failure streak the same way a success does, so a backend that answers
// with application-level errors is still considered reachable.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// State is the wire spelling of a breaker state.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot is a point-in-time view of one breaker, exposed through
// health_check and attached to fast-fail errors.
type Snapshot struct {
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	NextProbeAt   time.Time `json:"next_probe_at,omitzero"`
}

// ExpectedError reports whether an error indicates backend unavailability
// and should count toward the failure threshold.
type ExpectedError func(error) bool

// DefaultExpected counts connection-category errors. Authentication,
// permission and statement-level errors mean the backend answered, so they
// never trip the circuit.
func DefaultExpected(err error) bool {
	return taxonomy.CategoryOf(err) == taxonomy.CategoryConnection
}

// Default breaker tuning, overridden through configuration.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
)

// Config tunes a breaker.
type Config struct {
	// Name identifies the logical backend, usually the profile name.
	Name string

	// FailureThreshold is the consecutive expected-failure count that
	// opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a probe
	// is admitted.
	RecoveryTimeout time.Duration

	// Expected classifies errors; nil selects DefaultExpected.
	Expected ExpectedError

	// Logger receives state-transition events; nil selects slog.Default.
	Logger *slog.Logger
}

// Breaker wraps calls to one logical backend.
type Breaker struct {
	name     string
	expected ExpectedError
	cb       *gobreaker.CircuitBreaker

	mu            sync.Mutex
	failureCount  int
	lastFailureAt time.Time
	nextProbeAt   time.Time
	recovery      time.Duration
}

// New creates a breaker. Zero config fields fall back to defaults.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}

	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}

	if cfg.Expected == nil {
		cfg.Expected = DefaultExpected
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Breaker{
		name:     cfg.Name,
		expected: cfg.Expected,
		recovery: cfg.RecoveryTimeout,
	}

	threshold := uint32(cfg.FailureThreshold)
	logger := cfg.Logger

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !cfg.Expected(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onTransition(to)
			logger.Warn("Circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", string(stateOf(from))),
				slog.String("to", string(stateOf(to))),
			)
		},
	})

	return b
}

// Do runs fn through the breaker. When the circuit is open, or a second
// caller races the half-open probe, fn is not invoked and a connection
// error carrying the circuit state is returned instead.
func (b *Breaker) Do(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err == nil {
		b.recordSuccess()

		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, b.openError(err)
	}

	b.recordOutcome(err)

	return nil, err
}

// State reports the current breaker state.
func (b *Breaker) State() State {
	return stateOf(b.cb.State())
}

// Snapshot reports the current state with failure diagnostics.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		State:         state,
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
	}

	if state != StateClosed {
		snap.NextProbeAt = b.nextProbeAt
	}

	return snap
}

func (b *Breaker) openError(cause error) *taxonomy.Error {
	snap := b.Snapshot()

	err := taxonomy.Newf(taxonomy.CategoryConnection, "circuit breaker is open for backend %q", b.name).
		WithCause(cause).
		WithData("circuit_state", string(snap.State)).
		WithData("failure_count", snap.FailureCount).
		WithSuggestions(
			"wait for the recovery timeout before retrying",
			"run test_connection to verify the backend is reachable again",
		)

	if !snap.NextProbeAt.IsZero() {
		err = err.WithData("next_probe_at", snap.NextProbeAt.Format(time.RFC3339))
	}

	return err
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
}

func (b *Breaker) recordOutcome(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.expected(err) {
		b.failureCount++
		b.lastFailureAt = time.Now()

		return
	}

	b.failureCount = 0
}

// onTransition runs inside gobreaker's state lock, so it only touches the
// breaker's own mutex-guarded fields.
func (b *Breaker) onTransition(to gobreaker.State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch to {
	case gobreaker.StateOpen:
		b.nextProbeAt = time.Now().Add(b.recovery)
	case gobreaker.StateClosed:
		b.failureCount = 0
		b.nextProbeAt = time.Time{}
	case gobreaker.StateHalfOpen:
	}
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
