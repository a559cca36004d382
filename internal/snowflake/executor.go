// Package snowflake provides the SQL executor abstraction and its two
// implementations: the live gosnowflake-backed client and a scriptable
// fake for tests and offline development.
//
// The executor is the only component that talks to the backend. Callers
// pass a context for cancellation and deadlines; per-call session
// overrides (warehouse, database, schema, role) are applied before the
// statement runs and released when the call returns. Errors come back
// already classified (see the taxonomy package).
package snowflake

import (
	"context"
	"time"
)

// Overrides are per-call session settings. Empty fields keep the session
// baseline.
type Overrides struct {
	Warehouse string
	Database  string
	Schema    string
	Role      string
}

// IsZero reports whether no override is set.
func (o Overrides) IsZero() bool {
	return o == Overrides{}
}

// merged returns o with empty fields filled from base.
func (o Overrides) merged(base Overrides) Overrides {
	if o.Warehouse == "" {
		o.Warehouse = base.Warehouse
	}

	if o.Database == "" {
		o.Database = base.Database
	}

	if o.Schema == "" {
		o.Schema = base.Schema
	}

	if o.Role == "" {
		o.Role = base.Role
	}

	return o
}

// Result is a fully drained query result.
type Result struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"row_count"`

	// Truncated is set when the row cap cut the result short.
	Truncated bool `json:"truncated,omitempty"`

	// Elapsed is the wall-clock duration of the call.
	Elapsed time.Duration `json:"-"`
}

// runConfig collects per-call options.
type runConfig struct {
	overrides Overrides
	maxRows   int
}

// RunOption customizes a single Run call.
type RunOption func(*runConfig)

// WithOverrides applies session overrides for the duration of the call.
func WithOverrides(o Overrides) RunOption {
	return func(cfg *runConfig) {
		cfg.overrides = o
	}
}

// WithMaxRows caps how many rows are drained into the result. Zero or
// negative means unbounded.
func WithMaxRows(n int) RunOption {
	return func(cfg *runConfig) {
		cfg.maxRows = n
	}
}

// Executor runs statements against a Snowflake backend.
//
// Run blocks until the statement completes, the row cap is reached, or the
// context is done; on context expiry the in-flight statement is canceled
// server-side. Ping verifies reachability without running a statement.
type Executor interface {
	Run(ctx context.Context, statement string, opts ...RunOption) (*Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// normalizeValue converts driver-specific values into JSON-friendly ones.
// Byte slices become strings; everything else passes through.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}

	return v
}
