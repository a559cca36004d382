package server

import (
	"context"
	"encoding/json"
)

func newHealthCheckTool(deps Deps) Tool {
	return Tool{
		Name: "health_check",
		Description: "Report overall server health: profile validity, backend reachability and " +
			"resource availability, each cached with its own TTL.",
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			if _, err := decodeArgs[struct{}](raw); err != nil {
				return nil, err
			}

			return deps.Monitor.Report(ctx), nil
		},
	}
}
