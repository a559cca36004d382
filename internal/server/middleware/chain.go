// Package middleware provides dispatch interceptors for MCP tool calls.
//
// Interceptors wrap the registry dispatch the way HTTP middleware wraps a
// handler: each concern (panic recovery, call logging, rate limiting) is an
// Option, and Apply composes them so the first option runs outermost.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
)

type (
	// Handler is one tool dispatch: raw arguments in, result or error out.
	Handler func(ctx context.Context, tool string, args json.RawMessage) (any, error)

	// Option is a function that applies an interceptor to a handler.
	Option func(Handler) Handler
)

// Apply applies a chain of interceptor options to a base handler.
// Options are applied in the order provided (first option wraps handler first).
//
// Example:
//
//	dispatch := middleware.Apply(registry.dispatch,
//	    middleware.WithRecovery(logger),
//	    middleware.WithCallLogger(logger),
//	    middleware.WithRateLimit(limiter, logger),
//	)
func Apply(handler Handler, options ...Option) Handler {
	// Apply interceptors in reverse order so that the first option
	// becomes the outermost interceptor in the chain
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// WithRecovery returns an option that adds panic recovery.
func WithRecovery(logger *slog.Logger) Option {
	return func(next Handler) Handler {
		return Recovery(logger)(next)
	}
}

// WithCallLogger returns an option that adds call ID assignment and logging.
func WithCallLogger(logger *slog.Logger) Option {
	return func(next Handler) Handler {
		return CallLogger(logger)(next)
	}
}

// WithRateLimit returns an option that adds dispatch rate limiting.
// If limiter is nil, this option is skipped (no interceptor applied).
func WithRateLimit(limiter Limiter, logger *slog.Logger) Option {
	if limiter == nil {
		return func(next Handler) Handler {
			return next // No-op if limiter not configured
		}
	}

	return func(next Handler) Handler {
		return RateLimit(limiter, logger)(next)
	}
}
