package server

import (
	"context"
	"encoding/json"

	"github.com/snowlens-io/snowlens/internal/lineage"
	"github.com/snowlens-io/snowlens/internal/resource"
)

type queryLineageArgs struct {
	ObjectName string `json:"object_name" validate:"required"`
	Direction  string `json:"direction"   validate:"omitempty,oneof=upstream downstream both"`
	Depth      *int   `json:"depth"       validate:"omitnil,min=1,max=10"`
	Format     string `json:"format"      validate:"omitempty,oneof=text json"`
	CatalogDir string `json:"catalog_dir"`
}

func newQueryLineageTool(deps Deps) Tool {
	return Tool{
		Name: "query_lineage",
		Description: "Walk the lineage of a catalog object. Object names may be partial as long " +
			"as they match exactly one object; depth bounds the traversal (default 3).",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"object_name": map[string]any{
					"type":        "string",
					"description": "Object to start from, optionally qualified as db.schema.name",
				},
				"direction": map[string]any{
					"type":        "string",
					"enum":        []string{"upstream", "downstream", "both"},
					"description": "Traversal direction (default both)",
				},
				"depth": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     10,
					"description": "Traversal depth (default 3)",
				},
				"format": map[string]any{
					"type":        "string",
					"enum":        []string{"text", "json"},
					"description": "Result rendering (default text)",
				},
				"catalog_dir": map[string]any{
					"type":        "string",
					"description": "Catalog directory to read (default CATALOG_DIR)",
				},
			},
			"required":             []string{"object_name"},
			"additionalProperties": false,
		},
		Gate: resource.Lineage,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[queryLineageArgs](raw)
			if err != nil {
				return nil, err
			}

			req := lineage.QueryRequest{
				ObjectName: args.ObjectName,
				Direction:  lineage.Direction(args.Direction),
				CatalogDir: args.CatalogDir,
			}

			if args.Depth != nil {
				req.Depth = *args.Depth
			}

			result, err := deps.Lineage.Query(ctx, req)
			if err != nil {
				return nil, err
			}

			if args.Format == "json" {
				return result, nil
			}

			return lineage.RenderText(result), nil
		},
	}
}
