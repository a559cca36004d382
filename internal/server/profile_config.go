package server

import (
	"context"
	"encoding/json"
)

func newProfileConfigTool(deps Deps) Tool {
	return Tool{
		Name: "check_profile_config",
		Description: "Diagnose the active credential profile: which profile is selected, whether " +
			"it is complete, and what to fix when it is not. Never contacts Snowflake.",
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		},
		Handler: func(_ context.Context, raw json.RawMessage) (any, error) {
			if _, err := decodeArgs[struct{}](raw); err != nil {
				return nil, err
			}

			diagnostics := deps.Validator.Validate(deps.Profile)

			return diagnostics, nil
		},
	}
}
