package middleware

import (
	"context"
	"encoding/json"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// burstCapacityMultiplier sizes the token bucket burst relative to the
// sustained rate.
const burstCapacityMultiplier = 2

type (
	// Limiter admits or rejects one tool dispatch.
	//
	// The stdio transport serves a single client, so one process-wide token
	// bucket is enough; the interface leaves room for per-tool buckets later.
	Limiter interface {
		// Allow reports whether the dispatch may proceed.
		Allow() bool
	}

	// toolLimiter implements Limiter using golang.org/x/time/rate.
	toolLimiter struct {
		bucket *rate.Limiter
	}
)

// NewToolLimiter creates a process-wide token bucket admitting perSecond
// sustained dispatches with a burst capacity of twice that.
func NewToolLimiter(perSecond int) Limiter {
	return &toolLimiter{
		bucket: rate.NewLimiter(rate.Limit(perSecond), perSecond*burstCapacityMultiplier),
	}
}

// Allow implements the Limiter interface.
func (l *toolLimiter) Allow() bool {
	return l.bucket.Allow()
}

// RateLimit creates an interceptor that rejects dispatches above the
// configured rate. Rejected calls fail with a resource-category error so the
// wire reports resource_unavailable with a retry hint; nothing reaches the
// tool handler.
func RateLimit(limiter Limiter, logger *slog.Logger) func(Handler) Handler {
	return func(next Handler) Handler {
		return func(ctx context.Context, tool string, args json.RawMessage) (any, error) {
			if !limiter.Allow() {
				logger.Warn("Tool call rate limited",
					slog.String("tool", tool),
					slog.String("call_id", GetCallID(ctx)),
				)

				return nil, taxonomy.New(taxonomy.CategoryResource,
					"tool call rate limit exceeded").
					WithOperation(tool).
					WithData("reason", "rate_limited").
					WithSuggestions("Retry after a short pause, or raise SNOWLENS_TOOL_RATE_LIMIT")
			}

			return next(ctx, tool, args)
		}
	}
}
