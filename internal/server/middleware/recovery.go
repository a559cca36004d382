package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"

	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// Recovery creates an interceptor that recovers from handler panics and logs
// them. The caller receives an unknown-category error instead of a dead
// server; the stack trace stays in the log.
func Recovery(logger *slog.Logger) func(Handler) Handler {
	return func(next Handler) Handler {
		return func(ctx context.Context, tool string, args json.RawMessage) (result any, err error) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Tool call panic recovered",
						slog.String("tool", tool),
						slog.String("call_id", GetCallID(ctx)),
						slog.Any("panic", rec),
						slog.String("stack_trace", string(debug.Stack())),
					)

					result = nil
					err = taxonomy.Newf(taxonomy.CategoryUnknown,
						"internal error in %s", tool).
						WithOperation(tool)
				}
			}()

			return next(ctx, tool, args)
		}
	}
}
