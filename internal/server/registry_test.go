package server

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowlens-io/snowlens/internal/breaker"
	"github.com/snowlens-io/snowlens/internal/catalog"
	"github.com/snowlens-io/snowlens/internal/health"
	"github.com/snowlens-io/snowlens/internal/lineage"
	"github.com/snowlens-io/snowlens/internal/object"
	"github.com/snowlens-io/snowlens/internal/profile"
	"github.com/snowlens-io/snowlens/internal/query"
	"github.com/snowlens-io/snowlens/internal/resource"
	"github.com/snowlens-io/snowlens/internal/server/middleware"
	"github.com/snowlens-io/snowlens/internal/snowflake"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

const serverProfilesYAML = `default_profile: dev
profiles:
  dev:
    account: acme-dev
    user: SVC_ANALYTICS
    authenticator: password
    password: hunter2
    warehouse: WH_SMALL
`

var chainBuild = time.Date(2026, time.August, 25, 9, 0, 0, 0, time.UTC)

func writeProfiles(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(serverProfilesYAML), 0o600))

	return path
}

// writeChainCatalog persists a three-object catalog whose lineage forms the
// chain RAW_ORDERS <- ORDERS <- REV_REPORT.
func writeChainCatalog(t *testing.T) string {
	t.Helper()

	ref := func(name string, kind object.Kind) object.Ref {
		return object.Ref{Database: "ANALYTICS", Schema: "PUBLIC", Name: name, Kind: kind}
	}

	snap := &catalog.Snapshot{
		Databases: []catalog.DatabaseRecord{{Name: "ANALYTICS"}},
		Schemas:   []catalog.SchemaRecord{{Database: "ANALYTICS", Name: "PUBLIC"}},
		Entries: []catalog.Entry{
			{
				Ref: ref("RAW_ORDERS", object.KindTable),
				Columns: []catalog.Column{
					{Name: "ID", Type: "NUMBER"},
					{Name: "AMOUNT", Type: "NUMBER"},
				},
			},
			{
				Ref: ref("ORDERS", object.KindView),
				DDL: "CREATE VIEW orders AS SELECT id, amount FROM raw_orders",
			},
			{
				Ref: ref("REV_REPORT", object.KindView),
				DDL: "CREATE VIEW rev_report AS SELECT SUM(amount) AS total FROM orders",
			},
		},
	}

	dir := t.TempDir()
	store := catalog.NewStore(dir)
	require.NoError(t, store.WriteSnapshot(snap, catalog.FormatJSONL))

	total, tables := catalog.CountObjects(snap)
	require.NoError(t, store.WriteMetadata(catalog.Metadata{
		LastBuild:       chainBuild,
		LastFullRefresh: chainBuild,
		Databases:       []string{"ANALYTICS"},
		TotalObjects:    total,
		Version:         catalog.Version,
		SchemaCount:     len(snap.Schemas),
		TableCount:      tables,
	}))

	return dir
}

// newTestDeps wires every component the way main does, over a scripted
// executor and a throwaway profiles file.
func newTestDeps(t *testing.T, fake *snowflake.Fake, catalogDir string, failureThreshold int) Deps {
	t.Helper()

	validator := profile.NewValidator(profile.NewStore(writeProfiles(t)), time.Minute)

	circuit := breaker.New(breaker.Config{
		Name:             "dev",
		FailureThreshold: failureThreshold,
		RecoveryTimeout:  time.Minute,
	})

	supervisor := resource.NewSupervisor(resource.Config{
		Validator:  validator,
		Profile:    "dev",
		Circuit:    circuit,
		CatalogDir: catalogDir,
	})

	monitor := health.NewMonitor(health.Config{})
	monitor.Register(health.ComponentProfile, time.Minute, health.ProfileCheck(validator, "dev"))
	monitor.Register(health.ComponentConnection, time.Minute, health.ConnectionCheck(circuit, fake))
	monitor.Register(health.ComponentResources, time.Minute,
		health.ResourcesCheck(supervisor, resource.Catalog, resource.Lineage, resource.DependencyGraph))

	return Deps{
		Query: query.NewService(query.Config{
			Breaker:  circuit,
			Executor: fake,
			Profile:  "dev",
		}),
		Builder: catalog.NewBuilder(catalog.Config{
			Executor:   fake,
			Circuit:    circuit,
			DefaultDir: catalogDir,
		}),
		Lineage:    lineage.NewEngine(lineage.Config{DefaultDir: catalogDir}),
		Supervisor: supervisor,
		Monitor:    monitor,
		Validator:  validator,
		Profile:    "dev",
		CatalogDir: catalogDir,
	}
}

func newTestRegistry(t *testing.T, fake *snowflake.Fake, catalogDir string) *Registry {
	t.Helper()

	return NewRegistry(newTestDeps(t, fake, catalogDir, 2))
}

func classifiedError(t *testing.T, err error) *taxonomy.Error {
	t.Helper()

	var classified *taxonomy.Error
	require.ErrorAs(t, err, &classified)

	return classified
}

func callTool(t *testing.T, r *Registry, name, args string) (any, error) {
	t.Helper()

	return r.Call(context.Background(), name, json.RawMessage(args))
}

func TestRegistry_Names_RegistrationOrder(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	assert.Equal(t, []string{
		"execute_query",
		"preview_table",
		"build_catalog",
		"get_catalog_summary",
		"query_lineage",
		"build_dependency_graph",
		"test_connection",
		"health_check",
		"check_profile_config",
		"get_resource_status",
		"check_resource_dependencies",
	}, r.Names())
}

func TestRegistry_Tools_ListEntries(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	entries := r.Tools()
	require.Len(t, entries, 11)

	for _, entry := range entries {
		assert.NotEmpty(t, entry["name"])
		assert.NotEmpty(t, entry["description"])

		schema, ok := entry["inputSchema"].(map[string]any)
		require.True(t, ok, "tool %v carries no schema", entry["name"])
		assert.Equal(t, "object", schema["type"])
	}
}

func TestRegistry_Call_UnknownTool(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	_, err := callTool(t, r, "drop_everything", `{}`)

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategoryInvalidArguments, classified.Category)
	assert.Equal(t, "drop_everything", classified.Data["tool"])

	available, ok := classified.Data["available"].([]string)
	require.True(t, ok)
	assert.Len(t, available, 11)
}

func TestRegistry_ExecuteQuery_ReturnsRows(t *testing.T) {
	fake := snowflake.NewFake().Script("FROM ORDERS",
		snowflake.FakeResult([]string{"ID", "AMOUNT"},
			[]any{int64(1), 10.5},
			[]any{int64(2), 20.0},
		), nil)

	r := newTestRegistry(t, fake, t.TempDir())

	result, err := callTool(t, r, "execute_query", `{"statement": "SELECT id, amount FROM orders"}`)
	require.NoError(t, err)

	resp, ok := result.(*query.Response)
	require.True(t, ok)
	assert.Equal(t, []string{"ID", "AMOUNT"}, resp.Columns)
	assert.Equal(t, 2, resp.RowCount)
}

func TestRegistry_ExecuteQuery_MissingStatement(t *testing.T) {
	fake := snowflake.NewFake()
	r := newTestRegistry(t, fake, t.TempDir())

	_, err := callTool(t, r, "execute_query", `{}`)

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategoryInvalidArguments, classified.Category)
	assert.Equal(t, "statement", classified.Data["path"])
	assert.Empty(t, fake.Calls())
}

func TestRegistry_ExecuteQuery_TimeoutBounds(t *testing.T) {
	fake := snowflake.NewFake()
	r := newTestRegistry(t, fake, t.TempDir())

	tests := []struct {
		name string
		args string
	}{
		{"zero", `{"statement": "SELECT 1", "timeout_seconds": 0}`},
		{"above maximum", `{"statement": "SELECT 1", "timeout_seconds": 3601}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := callTool(t, r, "execute_query", tt.args)

			classified := classifiedError(t, err)
			assert.Equal(t, taxonomy.CategoryInvalidArguments, classified.Category)
			assert.Equal(t, "timeout_seconds", classified.Data["path"])
		})
	}

	assert.Empty(t, fake.Calls(), "rejected calls must not reach the backend")
}

func TestRegistry_ExecuteQuery_UnknownFieldRejected(t *testing.T) {
	fake := snowflake.NewFake()
	r := newTestRegistry(t, fake, t.TempDir())

	_, err := callTool(t, r, "execute_query", `{"statement": "SELECT 1", "warehose": "WH_BIG"}`)

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategoryInvalidArguments, classified.Category)
	assert.Contains(t, classified.Message, "unknown field")
	assert.Empty(t, fake.Calls())
}

func TestRegistry_ExecuteQuery_DropDenied(t *testing.T) {
	fake := snowflake.NewFake()
	r := newTestRegistry(t, fake, t.TempDir())

	_, err := callTool(t, r, "execute_query", `{"statement": "DROP TABLE analytics.public.orders"}`)

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategorySQLSafety, classified.Category)
	assert.Equal(t, "ddl", classified.Data["reason"])

	alternatives, ok := classified.Data["alternatives"].([]string)
	require.True(t, ok)
	assert.Contains(t, alternatives, "CREATE OR REPLACE")

	assert.Empty(t, fake.Calls(), "denied statements never reach the backend")
}

func TestRegistry_ExecuteQuery_StackedStatementsDenied(t *testing.T) {
	fake := snowflake.NewFake()
	r := newTestRegistry(t, fake, t.TempDir())

	_, err := callTool(t, r, "execute_query", `{"statement": "SELECT 1; DROP TABLE x"}`)

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategorySQLSafety, classified.Category)
	assert.Equal(t, "multi", classified.Data["reason"])
	assert.Empty(t, fake.Calls())
}

func TestRegistry_ExecuteQuery_CircuitOpensAfterThreshold(t *testing.T) {
	fake := snowflake.NewFake().Script("FLAKY", nil,
		taxonomy.New(taxonomy.CategoryConnection, "connection refused by backend"))

	r := NewRegistry(newTestDeps(t, fake, t.TempDir(), 2))

	for i := 0; i < 2; i++ {
		_, err := callTool(t, r, "execute_query", `{"statement": "SELECT * FROM flaky"}`)

		classified := classifiedError(t, err)
		assert.Equal(t, taxonomy.CategoryConnection, classified.Category)
	}

	// The circuit is open now; the third call fails fast.
	_, err := callTool(t, r, "execute_query", `{"statement": "SELECT * FROM flaky"}`)

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategoryConnection, classified.Category)
	assert.Equal(t, "open", classified.Data["circuit_state"])
	assert.Equal(t, 2, fake.CallsMatching("FLAKY"))
}

func TestRegistry_PreviewTable_DefaultLimit(t *testing.T) {
	fake := snowflake.NewFake().Script("LIMIT 100",
		snowflake.FakeResult([]string{"ID"}, []any{int64(1)}), nil)

	r := newTestRegistry(t, fake, t.TempDir())

	result, err := callTool(t, r, "preview_table", `{"table_name": "analytics.public.orders"}`)
	require.NoError(t, err)

	resp, ok := result.(*query.Response)
	require.True(t, ok)
	assert.Equal(t, 1, resp.RowCount)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Statement, "LIMIT 100")
	assert.Contains(t, calls[0].Statement, "ORDERS")
}

func TestRegistry_PreviewTable_LimitBounds(t *testing.T) {
	fake := snowflake.NewFake()
	r := newTestRegistry(t, fake, t.TempDir())

	tests := []struct {
		name string
		args string
	}{
		{"zero", `{"table_name": "orders", "limit": 0}`},
		{"above maximum", `{"table_name": "orders", "limit": 1001}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := callTool(t, r, "preview_table", tt.args)

			classified := classifiedError(t, err)
			assert.Equal(t, taxonomy.CategoryInvalidArguments, classified.Category)
			assert.Equal(t, "limit", classified.Data["path"])
		})
	}

	assert.Empty(t, fake.Calls())
}

func TestRegistry_QueryLineage_TextByDefault(t *testing.T) {
	fake := snowflake.NewFake()
	r := newTestRegistry(t, fake, writeChainCatalog(t))

	result, err := callTool(t, r, "query_lineage", `{"object_name": "REV_REPORT"}`)
	require.NoError(t, err)

	text, ok := result.(string)
	require.True(t, ok, "the default rendering is text")
	assert.Contains(t, text, "ANALYTICS.PUBLIC.REV_REPORT")
	assert.Contains(t, text, "ANALYTICS.PUBLIC.RAW_ORDERS")

	assert.Empty(t, fake.Calls(), "lineage reads the catalog, not Snowflake")
}

func TestRegistry_QueryLineage_JSONFormat(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), writeChainCatalog(t))

	result, err := callTool(t, r, "query_lineage",
		`{"object_name": "RAW_ORDERS", "direction": "downstream", "depth": 2, "format": "json"}`)
	require.NoError(t, err)

	lr, ok := result.(*lineage.QueryResult)
	require.True(t, ok)
	assert.Equal(t, "ANALYTICS.PUBLIC.RAW_ORDERS", lr.Object)
	assert.Equal(t, lineage.DirectionDownstream, lr.Direction)

	require.Len(t, lr.Nodes, 3)
	assert.Equal(t, "ANALYTICS.PUBLIC.ORDERS", lr.Nodes[1].FQN)
	assert.Equal(t, "ANALYTICS.PUBLIC.REV_REPORT", lr.Nodes[2].FQN)
}

func TestRegistry_QueryLineage_DepthBounds(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), writeChainCatalog(t))

	tests := []struct {
		name string
		args string
	}{
		{"zero", `{"object_name": "ORDERS", "depth": 0}`},
		{"above maximum", `{"object_name": "ORDERS", "depth": 11}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := callTool(t, r, "query_lineage", tt.args)

			classified := classifiedError(t, err)
			assert.Equal(t, taxonomy.CategoryInvalidArguments, classified.Category)
			assert.Equal(t, "depth", classified.Data["path"])
		})
	}
}

func TestRegistry_QueryLineage_BlockedWithoutCatalog(t *testing.T) {
	fake := snowflake.NewFake()
	r := newTestRegistry(t, fake, t.TempDir())

	_, err := callTool(t, r, "query_lineage", `{"object_name": "ORDERS"}`)

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategoryResource, classified.Category)

	missing, ok := classified.Data["missing_dependencies"].([]string)
	require.True(t, ok)
	assert.Contains(t, missing, "catalog")

	assert.Empty(t, fake.Calls(), "blocked tools must not contact the backend")
}

func TestRegistry_DependencyGraph_JSONByDefault(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), writeChainCatalog(t))

	result, err := callTool(t, r, "build_dependency_graph", `{}`)
	require.NoError(t, err)

	graph, ok := result.(*lineage.DependencyGraph)
	require.True(t, ok)
	assert.Len(t, graph.Nodes, 3)
	assert.Len(t, graph.Edges, 2)
}

func TestRegistry_DependencyGraph_DOTFormat(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), writeChainCatalog(t))

	result, err := callTool(t, r, "build_dependency_graph", `{"format": "dot"}`)
	require.NoError(t, err)

	dot, ok := result.(string)
	require.True(t, ok)
	assert.Contains(t, dot, "digraph dependencies {")
	assert.Contains(t, dot, "RAW_ORDERS")
}

func TestRegistry_BuildCatalog_InvalidFormat(t *testing.T) {
	fake := snowflake.NewFake()
	r := newTestRegistry(t, fake, writeChainCatalog(t))

	_, err := callTool(t, r, "build_catalog", `{"format": "xml"}`)

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategoryInvalidArguments, classified.Category)
	assert.Equal(t, "format", classified.Data["path"])
	assert.Empty(t, fake.Calls())
}

func TestRegistry_CatalogSummary_Counts(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), writeChainCatalog(t))

	result, err := callTool(t, r, "get_catalog_summary", `{}`)
	require.NoError(t, err)

	summary, ok := result.(*catalog.Summary)
	require.True(t, ok)
	assert.Equal(t, 1, summary.Databases)
	assert.Equal(t, 1, summary.Schemas)
	assert.Equal(t, 1, summary.Tables)
	assert.Equal(t, 2, summary.Views)
	assert.Equal(t, chainBuild, summary.LastBuild)
}

func TestRegistry_CatalogSummary_NoCatalog(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	_, err := callTool(t, r, "get_catalog_summary", `{}`)

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategoryNotFound, classified.Category)
	assert.Contains(t, classified.Context.Suggestions, "run build_catalog first")
}

func TestRegistry_TestConnection_ReportsSession(t *testing.T) {
	fake := snowflake.NewFake().Script("CURRENT_ACCOUNT()",
		snowflake.FakeResult(
			[]string{"CURRENT_ACCOUNT()", "CURRENT_WAREHOUSE()", "CURRENT_DATABASE()", "CURRENT_ROLE()", "CURRENT_VERSION()"},
			[]any{"ACME-DEV", "WH_SMALL", "ANALYTICS", "ANALYST", "9.3.1"},
		), nil)

	r := newTestRegistry(t, fake, t.TempDir())

	result, err := callTool(t, r, "test_connection", `{}`)
	require.NoError(t, err)

	info, ok := result.(*query.ConnectionInfo)
	require.True(t, ok)
	assert.Equal(t, "connected", info.Status)
	assert.Equal(t, "dev", info.Profile)
	assert.Equal(t, "ACME-DEV", info.Account)
	assert.Equal(t, "WH_SMALL", info.Warehouse)
	assert.Equal(t, "9.3.1", info.SnowflakeVersion)
}

func TestRegistry_HealthCheck_AllComponentsHealthy(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), writeChainCatalog(t))

	result, err := callTool(t, r, "health_check", `{}`)
	require.NoError(t, err)

	report, ok := result.(health.Report)
	require.True(t, ok)
	assert.Equal(t, health.StatusHealthy, report.Overall)
	assert.Len(t, report.Components, 3)
	assert.Equal(t, health.StatusHealthy, report.Components[health.ComponentProfile].Status)
	assert.Equal(t, health.StatusHealthy, report.Components[health.ComponentConnection].Status)
	assert.Equal(t, health.StatusHealthy, report.Components[health.ComponentResources].Status)
	assert.NotEmpty(t, report.ServerUptime)
}

func TestRegistry_ProfileConfig_ValidProfile(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	result, err := callTool(t, r, "check_profile_config", `{}`)
	require.NoError(t, err)

	diags, ok := result.(profile.Diagnostics)
	require.True(t, ok)
	assert.True(t, diags.Valid)
	assert.Equal(t, "dev", diags.Profile)
	assert.Equal(t, profile.AuthPassword, diags.AuthKind)
	assert.Empty(t, diags.Errors)
}

func TestRegistry_ResourceStatus_ListsEveryResource(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), writeChainCatalog(t))

	result, err := callTool(t, r, "get_resource_status", `{}`)
	require.NoError(t, err)

	payload, ok := result.(map[string]any)
	require.True(t, ok)

	statuses, ok := payload["resources"].([]resource.ResourceStatus)
	require.True(t, ok)
	require.Len(t, statuses, 4)

	byName := make(map[string]resource.ResourceStatus, len(statuses))
	for _, status := range statuses {
		byName[status.Name] = status
	}

	assert.True(t, byName[resource.Lineage].Available)
	assert.False(t, byName[resource.CortexSearch].Available, "cortex is disabled in this wiring")
}

func TestRegistry_ResourceDependencies_NamedResource(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), writeChainCatalog(t))

	result, err := callTool(t, r, "check_resource_dependencies", `{"resource_name": "lineage"}`)
	require.NoError(t, err)

	status, ok := result.(*resource.ResourceStatus)
	require.True(t, ok)
	assert.Equal(t, resource.Lineage, status.Name)
	assert.True(t, status.Available)

	names := make([]string, 0, len(status.Dependencies))
	for _, dep := range status.Dependencies {
		names = append(names, dep.Name)
	}

	assert.Equal(t, []string{"profile", "connection", "catalog"}, names)
}

func TestRegistry_ResourceDependencies_UnknownResource(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	_, err := callTool(t, r, "check_resource_dependencies", `{"resource_name": "warp_drive"}`)

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategoryNotFound, classified.Category)

	candidates, ok := classified.Data["candidates"].([]string)
	require.True(t, ok)
	assert.Contains(t, candidates, "lineage")
}

func TestRegistry_Call_InterceptorsWrapDispatch(t *testing.T) {
	var seen []string

	recordCalls := middleware.Option(func(next middleware.Handler) middleware.Handler {
		return func(ctx context.Context, tool string, args json.RawMessage) (any, error) {
			seen = append(seen, tool)

			return next(ctx, tool, args)
		}
	})

	r := NewRegistry(newTestDeps(t, snowflake.NewFake(), t.TempDir(), 2), recordCalls)

	_, err := callTool(t, r, "check_profile_config", `{}`)
	require.NoError(t, err)

	assert.Equal(t, []string{"check_profile_config"}, seen)
}
