package health

import (
	"context"
	"strings"
	"time"

	"github.com/snowlens-io/snowlens/internal/breaker"
	"github.com/snowlens-io/snowlens/internal/profile"
	"github.com/snowlens-io/snowlens/internal/resource"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// Component names used by the standard wiring.
const (
	ComponentProfile    = "profile"
	ComponentConnection = "connection"
	ComponentResources  = "resources"
)

// ProfileCheck reports whether the active profile validates.
func ProfileCheck(validator *profile.Validator, name string) CheckFunc {
	return func(context.Context) ComponentHealth {
		diags := validator.Validate(name)
		if diags.Valid {
			return ComponentHealth{
				Status: StatusHealthy,
				Details: map[string]any{
					"profile":   diags.Profile,
					"auth_kind": string(diags.AuthKind),
				},
			}
		}

		reason := "profile is invalid"
		if len(diags.Errors) > 0 {
			reason = diags.Errors[0]
		}

		return ComponentHealth{
			Status:  StatusUnhealthy,
			Reason:  reason,
			Details: map[string]any{"errors": diags.Errors},
		}
	}
}

// Pinger verifies backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionCheck reports backend reachability. An open circuit is
// unhealthy without touching the backend; otherwise the ping runs through
// the circuit so its outcome feeds the breaker.
func ConnectionCheck(circuit *breaker.Breaker, pinger Pinger) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if circuit != nil && circuit.State() == breaker.StateOpen {
			snap := circuit.Snapshot()

			details := map[string]any{
				"circuit_state": string(snap.State),
				"failure_count": snap.FailureCount,
			}
			if !snap.NextProbeAt.IsZero() {
				details["next_probe_at"] = snap.NextProbeAt.Format(time.RFC3339)
			}

			return ComponentHealth{
				Status:  StatusUnhealthy,
				Reason:  "circuit_open",
				Details: details,
			}
		}

		if err := ping(ctx, circuit, pinger); err != nil {
			return ComponentHealth{
				Status: StatusUnhealthy,
				Reason: err.Error(),
				Details: map[string]any{
					"category": string(taxonomy.CategoryOf(err)),
				},
			}
		}

		state := breaker.StateClosed
		if circuit != nil {
			state = circuit.State()
		}

		return ComponentHealth{
			Status:  StatusHealthy,
			Details: map[string]any{"circuit_state": string(state)},
		}
	}
}

func ping(ctx context.Context, circuit *breaker.Breaker, pinger Pinger) error {
	if circuit == nil {
		return pinger.Ping(ctx)
	}

	_, err := circuit.Do(func() (any, error) {
		return nil, pinger.Ping(ctx)
	})

	return err
}

// ResourcesCheck folds the resource supervisor's listing. Every watched
// resource available means healthy; anything blocked degrades the
// component and names it in the reason. Passing names restricts the watch
// set; none means every known resource.
func ResourcesCheck(supervisor *resource.Supervisor, names ...string) CheckFunc {
	watched := make(map[string]bool, len(names))
	for _, name := range names {
		watched[name] = true
	}

	return func(ctx context.Context) ComponentHealth {
		statuses := supervisor.Statuses(ctx)

		details := make(map[string]any, len(statuses))

		var blocked []string

		for _, status := range statuses {
			if len(watched) > 0 && !watched[status.Name] {
				continue
			}

			details[status.Name] = string(status.Status)

			if !status.Available {
				blocked = append(blocked, status.Name)
			}
		}

		if len(blocked) == 0 {
			return ComponentHealth{Status: StatusHealthy, Details: details}
		}

		return ComponentHealth{
			Status:  StatusDegraded,
			Reason:  "unavailable: " + strings.Join(blocked, ", "),
			Details: details,
		}
	}
}
