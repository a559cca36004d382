package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/snowlens-io/snowlens/internal/catalog"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

type catalogSummaryArgs struct {
	CatalogDir string `json:"catalog_dir"`
}

func newCatalogSummaryTool(deps Deps) Tool {
	return Tool{
		Name: "get_catalog_summary",
		Description: "Summarize the on-disk catalog: database, schema, table, view and column " +
			"counts plus the build timestamps. Reads local files only.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"catalog_dir": map[string]any{
					"type":        "string",
					"description": "Catalog directory to summarize (default CATALOG_DIR)",
				},
			},
			"additionalProperties": false,
		},
		Handler: func(_ context.Context, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[catalogSummaryArgs](raw)
			if err != nil {
				return nil, err
			}

			dir := args.CatalogDir
			if dir == "" {
				dir = deps.CatalogDir
			}

			summary, err := catalog.NewStore(dir).Summarize()
			if err != nil {
				return nil, summaryError(dir, err)
			}

			return summary, nil
		},
	}
}

// summaryError maps catalog read failures onto the error taxonomy. A missing
// catalog is not_found here rather than the resource error the gated lineage
// tools report: the summary asks what is on disk, and the answer is nothing.
func summaryError(dir string, err error) error {
	switch {
	case errors.Is(err, catalog.ErrNoCatalog):
		return taxonomy.Newf(taxonomy.CategoryNotFound,
			"no catalog found in %s", dir).
			WithCause(err).
			WithData("catalog_dir", dir).
			WithSuggestions(
				"run build_catalog first",
				"check that catalog_dir points at the build output",
			)
	case errors.Is(err, catalog.ErrMalformedMetadata):
		return taxonomy.New(taxonomy.CategoryConfiguration,
			"catalog metadata is malformed").
			WithCause(err).
			WithData("catalog_dir", dir).
			WithSuggestions("run build_catalog with force_full to rebuild")
	default:
		return taxonomy.New(taxonomy.CategoryConfiguration,
			"read catalog").
			WithCause(err).
			WithData("catalog_dir", dir)
	}
}
