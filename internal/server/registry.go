package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/snowlens-io/snowlens/internal/catalog"
	"github.com/snowlens-io/snowlens/internal/health"
	"github.com/snowlens-io/snowlens/internal/lineage"
	"github.com/snowlens-io/snowlens/internal/profile"
	"github.com/snowlens-io/snowlens/internal/query"
	"github.com/snowlens-io/snowlens/internal/resource"
	"github.com/snowlens-io/snowlens/internal/server/middleware"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// Tool is one registered tool: the public schema, the resource it is gated
// on, and the handler.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any

	// Gate names the resource the tool depends on; empty means ungated.
	// Dispatch consults the supervisor before the handler runs, so blocked
	// tools never reach their handler.
	Gate string

	Handler func(ctx context.Context, args json.RawMessage) (any, error)
}

// Deps carries the wired components the tool handlers close over.
type Deps struct {
	Query      *query.Service
	Builder    *catalog.Builder
	Lineage    *lineage.Engine
	Supervisor *resource.Supervisor
	Monitor    *health.Monitor
	Validator  *profile.Validator

	// Profile names the active credential bundle.
	Profile string

	// CatalogDir is the default catalog directory for read-side tools.
	CatalogDir string

	Logger *slog.Logger
}

// Registry holds the static tool table and runs dispatch: argument
// validation, resource gating, then the handler, with the interceptor chain
// wrapped around the whole sequence.
type Registry struct {
	deps     Deps
	tools    []Tool
	byName   map[string]Tool
	dispatch middleware.Handler
}

// NewRegistry builds the static tool table and wraps dispatch with the given
// interceptor options (first option runs outermost).
func NewRegistry(deps Deps, options ...middleware.Option) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := &Registry{deps: deps}

	r.tools = []Tool{
		newExecuteQueryTool(deps),
		newPreviewTableTool(deps),
		newBuildCatalogTool(deps),
		newCatalogSummaryTool(deps),
		newQueryLineageTool(deps),
		newDependencyGraphTool(deps),
		newTestConnectionTool(deps),
		newHealthCheckTool(deps),
		newProfileConfigTool(deps),
		newResourceStatusTool(deps),
		newResourceDependenciesTool(deps),
	}

	r.byName = make(map[string]Tool, len(r.tools))
	for _, tool := range r.tools {
		r.byName[tool.Name] = tool
	}

	r.dispatch = middleware.Apply(r.run, options...)

	return r
}

// Has reports whether a tool is registered under the name.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]

	return ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for _, tool := range r.tools {
		names = append(names, tool.Name)
	}

	return names
}

// Tools returns the tools/list entries in registration order.
func (r *Registry) Tools() []map[string]any {
	entries := make([]map[string]any, 0, len(r.tools))
	for _, tool := range r.tools {
		entries = append(entries, map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": tool.InputSchema,
		})
	}

	return entries
}

// Call dispatches one tool invocation through the interceptor chain.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	return r.dispatch(ctx, name, args)
}

// run is the innermost dispatch step: resolve the tool, consult its resource
// gate, invoke the handler, and make sure every error leaves classified with
// the operation recorded.
func (r *Registry) run(ctx context.Context, name string, args json.RawMessage) (any, error) {
	tool, ok := r.byName[name]
	if !ok {
		return nil, taxonomy.Newf(taxonomy.CategoryInvalidArguments,
			"unknown tool %q", name).
			WithData("tool", name).
			WithData("available", r.Names())
	}

	if tool.Gate != "" && r.deps.Supervisor != nil {
		if err := r.deps.Supervisor.Gate(ctx, tool.Gate); err != nil {
			return nil, err
		}
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		taxErr := taxonomy.Classify(err)
		if taxErr.Context.Operation == "" {
			taxErr.WithOperation(name)
		}

		return nil, taxErr
	}

	return result, nil
}

// argsValidator checks decoded argument structs against their validate tags.
// Field names in messages come from the json tag so the reported path matches
// what the caller sent.
var argsValidator = newArgsValidator()

func newArgsValidator() *validator.Validate {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}

// decodeArgs parses raw tool arguments into T strictly (unknown fields are
// rejected) and validates the result. Failures carry the first offending
// path in the error data.
func decodeArgs[T any](raw json.RawMessage) (*T, error) {
	args := new(T)

	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()

		if err := dec.Decode(args); err != nil {
			return nil, taxonomy.Newf(taxonomy.CategoryInvalidArguments,
				"malformed arguments: %v", err)
		}
	}

	if err := argsValidator.Struct(args); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]

			return nil, taxonomy.Newf(taxonomy.CategoryInvalidArguments,
				"%s %s", first.Field(), constraintMessage(first)).
				WithData("path", first.Field())
		}

		return nil, taxonomy.New(taxonomy.CategoryInvalidArguments, err.Error())
	}

	return args, nil
}

// constraintMessage renders one validation failure for humans.
func constraintMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fieldErr.Param()
	case "max":
		return "must be at most " + fieldErr.Param()
	case "oneof":
		return "must be one of: " + fieldErr.Param()
	default:
		return "failed the " + fieldErr.Tag() + " constraint"
	}
}
