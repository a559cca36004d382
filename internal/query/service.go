// Package query implements the execute_query and preview_table operations:
// safety gate, then circuit breaker, then executor, with per-call timeouts
// and a bounded in-memory result.
package query

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/snowlens-io/snowlens/internal/breaker"
	"github.com/snowlens-io/snowlens/internal/config"
	"github.com/snowlens-io/snowlens/internal/object"
	"github.com/snowlens-io/snowlens/internal/safety"
	"github.com/snowlens-io/snowlens/internal/snowflake"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// Preview limits per the tool contract.
const (
	DefaultPreviewLimit = 100
	MaxPreviewLimit     = 1000
)

// DefaultTimeout applies when a request does not carry its own.
const DefaultTimeout = 120 * time.Second

// defaultMaxRows is the materialization cap used when none is configured.
const defaultMaxRows = 10000

// Service runs statements through the gate, breaker and executor.
type Service struct {
	gate           *safety.Gate
	circuit        *breaker.Breaker
	exec           snowflake.Executor
	profile        string
	maxRows        int
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// Config wires a Service.
type Config struct {
	Gate     *safety.Gate
	Breaker  *breaker.Breaker
	Executor snowflake.Executor

	// Profile names the active credential bundle, for error context.
	Profile string

	// MaxResultRows caps how many rows a single call materializes.
	MaxResultRows int

	// DefaultTimeout bounds calls that carry no explicit timeout.
	DefaultTimeout time.Duration

	Logger *slog.Logger
}

// NewService creates the query service. Zero config fields fall back to
// defaults; a nil gate gets the default parser.
func NewService(cfg Config) *Service {
	if cfg.Gate == nil {
		cfg.Gate = safety.NewGate(nil)
	}

	if cfg.MaxResultRows <= 0 {
		cfg.MaxResultRows = defaultMaxRows
	}

	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		gate:           cfg.Gate,
		circuit:        cfg.Breaker,
		exec:           cfg.Executor,
		profile:        cfg.Profile,
		maxRows:        cfg.MaxResultRows,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger,
	}
}

// Request is one execute_query invocation.
type Request struct {
	Statement string
	Overrides snowflake.Overrides

	// Timeout bounds the call; zero selects the service default.
	Timeout time.Duration
}

// Response is the execute_query result shape.
type Response struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	ElapsedMS int64    `json:"elapsed_ms"`

	// Truncated appears only when the row cap cut the result short.
	Truncated bool `json:"truncated,omitempty"`
}

// Execute validates, gates and runs one statement.
func (s *Service) Execute(ctx context.Context, req Request) (*Response, error) {
	statement := strings.TrimSpace(req.Statement)
	if statement == "" {
		return nil, taxonomy.New(taxonomy.CategoryInvalidArguments, "statement must not be empty").
			WithOperation("execute_query").
			WithData("path", "statement")
	}

	if verdict := s.gate.Check(statement); !verdict.Allowed {
		return nil, safety.DenyError(verdict, statement).
			WithOperation("execute_query").
			WithProfile(s.profile)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	if timeout > config.MaxQueryTimeout {
		return nil, taxonomy.Newf(taxonomy.CategoryInvalidArguments,
			"timeout %s exceeds the maximum of %s", timeout, config.MaxQueryTimeout).
			WithOperation("execute_query").
			WithData("path", "timeout_seconds")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.run(ctx, statement,
		snowflake.WithOverrides(req.Overrides),
		snowflake.WithMaxRows(s.maxRows),
	)
	if err != nil {
		return nil, taxonomy.Classify(err).
			WithOperation("execute_query").
			WithProfile(s.profile).
			WithSQLPreview(statement)
	}

	s.logger.Debug("Statement executed",
		slog.Int("row_count", result.RowCount),
		slog.Int64("elapsed_ms", result.Elapsed.Milliseconds()),
		slog.Bool("truncated", result.Truncated),
	)

	return &Response{
		Columns:   result.Columns,
		Rows:      result.Rows,
		RowCount:  result.RowCount,
		ElapsedMS: result.Elapsed.Milliseconds(),
		Truncated: result.Truncated,
	}, nil
}

// Preview builds a bound-checked SELECT over the named table and delegates
// to Execute.
func (s *Service) Preview(ctx context.Context, tableName string, limit int, overrides snowflake.Overrides) (*Response, error) {
	if limit == 0 {
		limit = DefaultPreviewLimit
	}

	if limit < 1 || limit > MaxPreviewLimit {
		return nil, taxonomy.Newf(taxonomy.CategoryInvalidArguments,
			"limit must be between 1 and %d, got %d", MaxPreviewLimit, limit).
			WithOperation("preview_table").
			WithData("path", "limit")
	}

	ref, err := object.ParseFQN(tableName)
	if err != nil {
		return nil, taxonomy.New(taxonomy.CategoryInvalidArguments, err.Error()).
			WithOperation("preview_table").
			WithData("path", "table_name")
	}

	statement := "SELECT * FROM " + ref.QuotedFQN() + " LIMIT " + strconv.Itoa(limit)

	resp, err := s.Execute(ctx, Request{Statement: statement, Overrides: overrides})
	if err != nil {
		var classified *taxonomy.Error
		if errors.As(err, &classified) {
			classified.WithOperation("preview_table").WithObject(ref.FQN())
		}

		return nil, err
	}

	return resp, nil
}

// run sends the statement through the breaker when one is configured.
func (s *Service) run(ctx context.Context, statement string, opts ...snowflake.RunOption) (*snowflake.Result, error) {
	if s.circuit == nil {
		return s.exec.Run(ctx, statement, opts...)
	}

	out, err := s.circuit.Do(func() (any, error) {
		return s.exec.Run(ctx, statement, opts...)
	})
	if err != nil {
		return nil, err
	}

	return out.(*snowflake.Result), nil
}
