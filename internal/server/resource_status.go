package server

import (
	"context"
	"encoding/json"
)

func newResourceStatusTool(deps Deps) Tool {
	return Tool{
		Name: "get_resource_status",
		Description: "List every gated resource with its availability, status, dependency health " +
			"and blocking issues.",
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			if _, err := decodeArgs[struct{}](raw); err != nil {
				return nil, err
			}

			return map[string]any{
				"resources": deps.Supervisor.Statuses(ctx),
			}, nil
		},
	}
}

type resourceDependenciesArgs struct {
	ResourceName string `json:"resource_name"`
}

func newResourceDependenciesTool(deps Deps) Tool {
	return Tool{
		Name: "check_resource_dependencies",
		Description: "Inspect the dependency chain of one resource, or of all resources when no " +
			"name is given.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"resource_name": map[string]any{
					"type":        "string",
					"description": "Resource to inspect: catalog, lineage, dependency_graph or cortex_search",
				},
			},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[resourceDependenciesArgs](raw)
			if err != nil {
				return nil, err
			}

			if args.ResourceName == "" {
				return map[string]any{
					"resources": deps.Supervisor.Statuses(ctx),
				}, nil
			}

			status, err := deps.Supervisor.Status(ctx, args.ResourceName)
			if err != nil {
				return nil, err
			}

			return status, nil
		},
	}
}
