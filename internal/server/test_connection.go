package server

import (
	"context"
	"encoding/json"
)

func newTestConnectionTool(deps Deps) Tool {
	return Tool{
		Name: "test_connection",
		Description: "Verify the Snowflake session end to end and report the account, warehouse, " +
			"database, role and server version it is connected as.",
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			if _, err := decodeArgs[struct{}](raw); err != nil {
				return nil, err
			}

			return deps.Query.TestConnection(ctx)
		},
	}
}
