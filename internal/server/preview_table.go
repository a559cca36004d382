package server

import (
	"context"
	"encoding/json"

	"github.com/snowlens-io/snowlens/internal/snowflake"
)

type previewTableArgs struct {
	TableName     string `json:"table_name" validate:"required"`
	Limit         *int   `json:"limit"      validate:"omitnil,min=1,max=1000"`
	Warehouse     string `json:"warehouse"`
	Database      string `json:"database"`
	Schema        string `json:"schema"`
	Role          string `json:"role"`
	VerboseErrors bool   `json:"verbose_errors"`
}

func newPreviewTableTool(deps Deps) Tool {
	return Tool{
		Name: "preview_table",
		Description: "Fetch the first rows of a table or view. " +
			"Equivalent to SELECT * FROM <table> LIMIT <limit> with identifier quoting.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"table_name": map[string]any{
					"type":        "string",
					"description": "Table or view name, optionally qualified as db.schema.name",
				},
				"limit": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     1000,
					"description": "Row count to fetch (default 100)",
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
				"verbose_errors": map[string]any{
					"type":        "boolean",
					"description": "Include operation, profile, SQL preview and root cause in error data",
				},
			},
			"required":             []string{"table_name"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[previewTableArgs](raw)
			if err != nil {
				return nil, err
			}

			limit := 0
			if args.Limit != nil {
				limit = *args.Limit
			}

			overrides := snowflake.Overrides{
				Warehouse: args.Warehouse,
				Database:  args.Database,
				Schema:    args.Schema,
				Role:      args.Role,
			}

			return deps.Query.Preview(ctx, args.TableName, limit, overrides)
		},
	}
}
