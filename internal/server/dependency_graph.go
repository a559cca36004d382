package server

import (
	"context"
	"encoding/json"

	"github.com/snowlens-io/snowlens/internal/lineage"
	"github.com/snowlens-io/snowlens/internal/resource"
)

type dependencyGraphArgs struct {
	Database   string `json:"database"`
	Schema     string `json:"schema"`
	Format     string `json:"format" validate:"omitempty,oneof=json dot"`
	CatalogDir string `json:"catalog_dir"`
}

func newDependencyGraphTool(deps Deps) Tool {
	return Tool{
		Name: "build_dependency_graph",
		Description: "Produce the object dependency graph from the catalog, optionally narrowed " +
			"to one database or schema. The dot format renders Graphviz source.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"database": map[string]any{
					"type":        "string",
					"description": "Restrict the graph to one database",
				},
				"schema": map[string]any{
					"type":        "string",
					"description": "Restrict the graph to one schema",
				},
				"format": map[string]any{
					"type":        "string",
					"enum":        []string{"json", "dot"},
					"description": "Result rendering (default json)",
				},
				"catalog_dir": map[string]any{
					"type":        "string",
					"description": "Catalog directory to read (default CATALOG_DIR)",
				},
			},
			"additionalProperties": false,
		},
		Gate: resource.DependencyGraph,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[dependencyGraphArgs](raw)
			if err != nil {
				return nil, err
			}

			graph, err := deps.Lineage.DependencyGraph(ctx, lineage.GraphRequest{
				Database:   args.Database,
				Schema:     args.Schema,
				CatalogDir: args.CatalogDir,
			})
			if err != nil {
				return nil, err
			}

			if args.Format == "dot" {
				return lineage.RenderDOT(graph), nil
			}

			return graph, nil
		},
	}
}
