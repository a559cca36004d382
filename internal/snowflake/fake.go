package snowflake

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// Fake is a scriptable Executor used in tests and offline development.
//
// Scripts are matched in registration order by case-insensitive substring
// against the statement. Unmatched statements fail loudly unless a default
// result is set, so tests notice statements they did not expect.
type Fake struct {
	mu            sync.Mutex
	scripts       []fakeScript
	defaultResult *Result
	pingErr       error
	pingDelay     time.Duration
	calls         []Call
	closed        bool
}

type fakeScript struct {
	match  string
	result *Result
	err    error
	delay  time.Duration
}

// Call records one Run invocation against the fake.
type Call struct {
	Statement string
	Overrides Overrides
	MaxRows   int
}

var _ Executor = (*Fake)(nil)

// NewFake creates an empty fake. Script results before use.
func NewFake() *Fake {
	return &Fake{}
}

// FakeResult builds a Result from literal rows, for scripting.
func FakeResult(columns []string, rows ...[]any) *Result {
	if rows == nil {
		rows = [][]any{}
	}

	return &Result{
		Columns:  columns,
		Rows:     rows,
		RowCount: len(rows),
	}
}

// Script registers a response for statements containing match. Returns the
// fake for chaining.
func (f *Fake) Script(match string, result *Result, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.scripts = append(f.scripts, fakeScript{match: strings.ToUpper(match), result: result, err: err})

	return f
}

// ScriptSlow registers a response that takes delay to produce, for
// exercising timeouts and cancellation.
func (f *Fake) ScriptSlow(match string, delay time.Duration, result *Result, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.scripts = append(f.scripts, fakeScript{
		match:  strings.ToUpper(match),
		result: result,
		err:    err,
		delay:  delay,
	})

	return f
}

// SetDefault sets the result returned for unmatched statements.
func (f *Fake) SetDefault(result *Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.defaultResult = result

	return f
}

// SetPingError makes Ping fail with err.
func (f *Fake) SetPingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pingErr = err
}

// SetPingDelay makes Ping take at least d, for probe timeout tests.
func (f *Fake) SetPingDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pingDelay = d
}

// Calls returns a copy of the recorded Run invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Call, len(f.calls))
	copy(out, f.calls)

	return out
}

// CallsMatching counts recorded statements containing match.
func (f *Fake) CallsMatching(match string) int {
	match = strings.ToUpper(match)

	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, c := range f.calls {
		if strings.Contains(strings.ToUpper(c.Statement), match) {
			n++
		}
	}

	return n
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// Run matches the statement against the scripts and returns the scripted
// outcome, honoring delays, row caps and context cancellation.
func (f *Fake) Run(ctx context.Context, statement string, opts ...RunOption) (*Result, error) {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{
		Statement: statement,
		Overrides: cfg.overrides,
		MaxRows:   cfg.maxRows,
	})

	script, ok := f.lookupLocked(statement)
	fallback := f.defaultResult
	f.mu.Unlock()

	if !ok {
		if fallback != nil {
			return capResult(fallback, cfg.maxRows), nil
		}

		return nil, taxonomy.Newf(taxonomy.CategoryUnknown, "no scripted result for statement %q", statement)
	}

	if script.delay > 0 {
		if err := wait(ctx, script.delay); err != nil {
			return nil, taxonomy.Classify(err).WithSQLPreview(statement)
		}
	}

	if script.err != nil {
		return nil, taxonomy.Classify(script.err).WithSQLPreview(statement)
	}

	result := script.result
	if result == nil {
		result = FakeResult([]string{})
	}

	return capResult(result, cfg.maxRows), nil
}

// Ping honors the scripted delay and error.
func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	delay := f.pingDelay
	pingErr := f.pingErr
	f.mu.Unlock()

	if delay > 0 {
		if err := wait(ctx, delay); err != nil {
			return taxonomy.Classify(err)
		}
	}

	if pingErr != nil {
		return taxonomy.Classify(pingErr)
	}

	return nil
}

// Close marks the fake closed.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *Fake) lookupLocked(statement string) (fakeScript, bool) {
	upper := strings.ToUpper(statement)

	for _, s := range f.scripts {
		if strings.Contains(upper, s.match) {
			return s, true
		}
	}

	return fakeScript{}, false
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// capResult copies the result, applying the row cap so callers can mutate
// their copy safely.
func capResult(r *Result, maxRows int) *Result {
	rows := r.Rows
	truncated := r.Truncated

	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
		truncated = true
	}

	out := &Result{
		Columns:   append([]string(nil), r.Columns...),
		Rows:      make([][]any, len(rows)),
		RowCount:  len(rows),
		Truncated: truncated,
	}

	for i, row := range rows {
		out.Rows[i] = append([]any(nil), row...)
	}

	return out
}
