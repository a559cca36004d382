package server

import (
	"context"
	"encoding/json"

	"github.com/snowlens-io/snowlens/internal/catalog"
	"github.com/snowlens-io/snowlens/internal/resource"
)

type buildCatalogArgs struct {
	OutputDir      string `json:"output_dir"`
	Database       string `json:"database"`
	AccountScope   bool   `json:"account_scope"`
	IncludeDDL     bool   `json:"include_ddl"`
	Format         string `json:"format"          validate:"omitempty,oneof=json jsonl"`
	MaxConcurrency *int   `json:"max_concurrency" validate:"omitnil,min=1"`
	ForceFull      bool   `json:"force_full"`
}

func newBuildCatalogTool(deps Deps) Tool {
	return Tool{
		Name: "build_catalog",
		Description: "Build or incrementally refresh the metadata catalog on disk. " +
			"Detects changed objects since the last build and rewrites only the affected files.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"output_dir": map[string]any{
					"type":        "string",
					"description": "Catalog output directory (default CATALOG_DIR)",
				},
				"database": map[string]any{
					"type":        "string",
					"description": "Restrict the build to one database",
				},
				"account_scope": map[string]any{
					"type":        "boolean",
					"description": "Harvest every database visible to the role",
				},
				"include_ddl": map[string]any{
					"type":        "boolean",
					"description": "Fetch and store object DDL alongside the metadata",
				},
				"format": map[string]any{
					"type":        "string",
					"enum":        []string{"json", "jsonl"},
					"description": "Catalog file format (default jsonl)",
				},
				"max_concurrency": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"description": "Simultaneous Snowflake calls during harvest (default 4)",
				},
				"force_full": map[string]any{
					"type":        "boolean",
					"description": "Skip change detection and rebuild everything",
				},
			},
			"additionalProperties": false,
		},
		Gate: resource.Catalog,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[buildCatalogArgs](raw)
			if err != nil {
				return nil, err
			}

			req := catalog.Request{
				OutputDir:    args.OutputDir,
				Database:     args.Database,
				AccountScope: args.AccountScope,
				IncludeDDL:   args.IncludeDDL,
				Format:       catalog.Format(args.Format),
				ForceFull:    args.ForceFull,
			}

			if args.MaxConcurrency != nil {
				req.MaxConcurrency = *args.MaxConcurrency
			}

			result, err := deps.Builder.Build(ctx, req)
			if err != nil {
				return nil, err
			}

			// A fresh catalog changes what the lineage tools may rely on.
			if deps.Supervisor != nil {
				deps.Supervisor.Invalidate()
			}

			return result, nil
		},
	}
}
