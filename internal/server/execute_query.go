package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/snowlens-io/snowlens/internal/query"
	"github.com/snowlens-io/snowlens/internal/snowflake"
)

type executeQueryArgs struct {
	Statement      string `json:"statement"       validate:"required"`
	Warehouse      string `json:"warehouse"`
	Database       string `json:"database"`
	Schema         string `json:"schema"`
	Role           string `json:"role"`
	TimeoutSeconds *int   `json:"timeout_seconds" validate:"omitnil,min=1,max=3600"`
	VerboseErrors  bool   `json:"verbose_errors"`
}

func newExecuteQueryTool(deps Deps) Tool {
	return Tool{
		Name: "execute_query",
		Description: "Execute a read-only SQL statement against Snowflake. " +
			"Context overrides (warehouse, database, schema, role) apply to this call only.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"statement": map[string]any{
					"type":        "string",
					"description": "SQL statement; only SELECT, SHOW, DESCRIBE, EXPLAIN and WITH over SELECT pass the safety gate",
				},
				"warehouse": map[string]any{
					"type":        "string",
					"description": "Warehouse override for this call",
				},
				"database": map[string]any{
					"type":        "string",
					"description": "Database override for this call",
				},
				"schema": map[string]any{
					"type":        "string",
					"description": "Schema override for this call",
				},
				"role": map[string]any{
					"type":        "string",
					"description": "Role override for this call",
				},
				"timeout_seconds": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     3600,
					"description": "Per-call timeout in seconds (default 120)",
				},
				"verbose_errors": map[string]any{
					"type":        "boolean",
					"description": "Include operation, profile, SQL preview and root cause in error data",
				},
			},
			"required":             []string{"statement"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[executeQueryArgs](raw)
			if err != nil {
				return nil, err
			}

			req := query.Request{
				Statement: args.Statement,
				Overrides: snowflake.Overrides{
					Warehouse: args.Warehouse,
					Database:  args.Database,
					Schema:    args.Schema,
					Role:      args.Role,
				},
			}

			if args.TimeoutSeconds != nil {
				req.Timeout = time.Duration(*args.TimeoutSeconds) * time.Second
			}

			return deps.Query.Execute(ctx, req)
		},
	}
}
