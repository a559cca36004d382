package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// CallLogger creates an interceptor that assigns each dispatch a call ID and
// logs its start, outcome and duration with structured logging.
func CallLogger(logger *slog.Logger) func(Handler) Handler {
	return func(next Handler) Handler {
		return func(ctx context.Context, tool string, args json.RawMessage) (any, error) {
			callID := GetCallID(ctx)
			if callID == unknownCallID {
				callID = newCallID()
				ctx = ContextWithCallID(ctx, callID)
			}

			start := time.Now()

			logger.Info("Tool call started",
				slog.String("tool", tool),
				slog.String("call_id", callID),
			)

			result, err := next(ctx, tool, args)

			duration := time.Since(start)

			if err != nil {
				logger.Warn("Tool call failed",
					slog.String("tool", tool),
					slog.String("call_id", callID),
					slog.String("category", string(taxonomy.CategoryOf(err))),
					slog.Duration("duration", duration),
					slog.String("error", err.Error()),
				)

				return nil, err
			}

			logger.Info("Tool call completed",
				slog.String("tool", tool),
				slog.String("call_id", callID),
				slog.Duration("duration", duration),
			)

			return result, nil
		}
	}
}
