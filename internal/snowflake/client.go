package snowflake

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"time"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/snowlens-io/snowlens/internal/object"
	"github.com/snowlens-io/snowlens/internal/profile"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// applicationName identifies this client in Snowflake's session metadata.
const applicationName = "snowlens"

// Connection pool sizing. Catalog builds fan out, so the pool allows a few
// more connections than the default build concurrency.
const (
	maxOpenConns    = 8
	maxIdleConns    = 2
	connMaxIdleTime = 5 * time.Minute
)

// errPoisonConn forces the pool to discard a connection whose session
// could not be restored to the baseline.
var errPoisonConn = driver.ErrBadConn

// Client is the live Executor backed by gosnowflake.
type Client struct {
	db       *sql.DB
	profile  string
	baseline Overrides
	logger   *slog.Logger
}

var _ Executor = (*Client)(nil)

// Connect opens a pooled connection for the profile. The baseline carries
// the session defaults every call starts from; profile defaults fill any
// empty baseline field.
func Connect(p profile.Profile, baseline Overrides, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	baseline = baseline.merged(Overrides{
		Warehouse: p.Warehouse,
		Database:  p.Database,
		Schema:    p.Schema,
		Role:      p.Role,
	})

	cfg, err := driverConfig(p, baseline)
	if err != nil {
		return nil, taxonomy.Classify(err).WithProfile(p.Name).WithOperation("connect")
	}

	dsn, err := sf.DSN(cfg)
	if err != nil {
		return nil, taxonomy.New(taxonomy.CategoryConfiguration, "build connection string: "+err.Error()).
			WithCause(err).
			WithProfile(p.Name)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, taxonomy.Classify(err).WithProfile(p.Name).WithOperation("connect")
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	return &Client{
		db:       db,
		profile:  p.Name,
		baseline: baseline,
		logger:   logger,
	}, nil
}

// driverConfig maps a validated profile onto the gosnowflake config.
func driverConfig(p profile.Profile, baseline Overrides) (*sf.Config, error) {
	kind, err := p.EffectiveAuthKind()
	if err != nil {
		return nil, err
	}

	cfg := &sf.Config{
		Account:     p.Account,
		User:        p.User,
		Warehouse:   baseline.Warehouse,
		Database:    baseline.Database,
		Schema:      baseline.Schema,
		Role:        baseline.Role,
		Application: applicationName,
	}

	switch kind {
	case profile.AuthKeypair:
		key, err := p.LoadPrivateKey()
		if err != nil {
			return nil, err
		}

		cfg.Authenticator = sf.AuthTypeJwt
		cfg.PrivateKey = key
	case profile.AuthOAuth:
		token, err := p.EffectiveToken()
		if err != nil {
			return nil, err
		}

		cfg.Authenticator = sf.AuthTypeOAuth
		cfg.Token = token
	case profile.AuthPassword:
		cfg.Authenticator = sf.AuthTypeSnowflake
		cfg.Password = p.EffectivePassword()
	case profile.AuthSSO:
		cfg.Authenticator = sf.AuthTypeExternalBrowser
	}

	return cfg, nil
}

// Run executes one statement, drains the rows, and returns them with the
// ordered column list. Session overrides are applied before the statement
// and restored before the connection goes back to the pool.
func (c *Client) Run(ctx context.Context, statement string, opts ...RunOption) (*Result, error) {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	start := time.Now()

	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, c.classify(err, statement)
	}
	defer conn.Close()

	if !cfg.overrides.IsZero() {
		if err := c.applySession(ctx, conn, cfg.overrides); err != nil {
			// A partially switched session must not go back to the pool.
			_ = conn.Raw(func(any) error { return errPoisonConn })

			return nil, err
		}
		defer c.restoreSession(conn)
	}

	rows, err := conn.QueryContext(ctx, statement)
	if err != nil {
		return nil, c.classify(err, statement)
	}
	defer rows.Close()

	result, err := drain(rows, cfg.maxRows)
	if err != nil {
		return nil, c.classify(err, statement)
	}

	result.Elapsed = time.Since(start)

	return result, nil
}

// Ping verifies the backend answers on this profile.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return c.classify(err, "")
	}

	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) classify(err error, statement string) error {
	classified := taxonomy.Classify(err).WithProfile(c.profile)
	if statement != "" {
		classified = classified.WithSQLPreview(statement)
	}

	return classified
}

// applySession switches the session to the override settings. Role goes
// first because it can gate access to the warehouse and database.
func (c *Client) applySession(ctx context.Context, conn *sql.Conn, o Overrides) error {
	for _, stmt := range sessionStatements(o) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return c.classify(err, stmt)
		}
	}

	return nil
}

// restoreSession puts the connection back on the baseline settings. A
// connection that cannot be restored is poisoned so the pool discards it
// instead of leaking the overridden session to the next caller.
func (c *Client) restoreSession(conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, stmt := range sessionStatements(c.baseline) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			c.logger.Warn("Failed to restore session baseline, discarding connection",
				slog.String("profile", c.profile),
				slog.String("statement", stmt),
				slog.String("error", err.Error()),
			)

			_ = conn.Raw(func(any) error { return errPoisonConn })

			return
		}
	}
}

// sessionStatements renders the USE statements for the non-empty fields.
func sessionStatements(o Overrides) []string {
	stmts := make([]string, 0, 4)

	if o.Role != "" {
		stmts = append(stmts, "USE ROLE "+object.Quote(o.Role))
	}

	if o.Warehouse != "" {
		stmts = append(stmts, "USE WAREHOUSE "+object.Quote(o.Warehouse))
	}

	if o.Database != "" {
		stmts = append(stmts, "USE DATABASE "+object.Quote(o.Database))
	}

	if o.Schema != "" {
		schema := object.Quote(o.Schema)
		if o.Database != "" {
			schema = object.Quote(o.Database) + "." + schema
		}

		stmts = append(stmts, "USE SCHEMA "+schema)
	}

	return stmts
}

// drain reads up to maxRows rows (unbounded when maxRows <= 0) and always
// exhausts or abandons the iterator before returning.
func drain(rows *sql.Rows, maxRows int) (*Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read result columns: %w", err)
	}

	result := &Result{
		Columns: columns,
		Rows:    [][]any{},
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))

	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true

			break
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}

		row := make([]any, len(columns))
		for i, v := range values {
			row[i] = normalizeValue(v)
		}

		result.Rows = append(result.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = len(result.Rows)

	return result, nil
}
