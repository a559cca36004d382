package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/snowlens-io/snowlens/internal/object"
	"github.com/snowlens-io/snowlens/internal/snowflake"
)

// System databases excluded from account-scope builds. The shared SNOWFLAKE
// database alone holds thousands of objects nobody wants in a workspace
// catalog.
var systemDatabases = map[string]bool{
	"SNOWFLAKE":             true,
	"SNOWFLAKE_SAMPLE_DATA": true,
}

// runFunc executes one generated statement, routed through the circuit
// breaker by the builder.
type runFunc func(ctx context.Context, statement string) (*snowflake.Result, error)

// harvester issues the metadata queries for one build and maps rows into
// catalog records. All statements are generated from canonical identifiers;
// user input never reaches them unquoted.
type harvester struct {
	run      runFunc
	excluded map[string]bool
	logger   *slog.Logger
}

// relationKey identifies a relation within one database.
type relationKey struct {
	schema string
	name   string
}

// fetchDatabases lists databases for an account-scope build, excluding
// system databases and any configured exclusions.
func (h *harvester) fetchDatabases(ctx context.Context) ([]DatabaseRecord, error) {
	result, err := h.run(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, err
	}

	idx := columnIndex(result)

	records := make([]DatabaseRecord, 0, result.RowCount)

	for _, row := range result.Rows {
		name := stringAt(row, idx, "NAME")
		if name == "" || systemDatabases[name] || h.excluded[name] {
			continue
		}

		records = append(records, DatabaseRecord{
			Name:    name,
			Owner:   stringAt(row, idx, "OWNER"),
			Comment: stringAt(row, idx, "COMMENT"),
		})
	}

	return records, nil
}

// fetchSchemas lists the schemas of one database.
func (h *harvester) fetchSchemas(ctx context.Context, db string, only map[string]bool) ([]SchemaRecord, error) {
	stmt := fmt.Sprintf(
		"SELECT SCHEMA_NAME, SCHEMA_OWNER, COMMENT, LAST_ALTERED FROM %s.INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME <> 'INFORMATION_SCHEMA'%s ORDER BY SCHEMA_NAME",
		object.Quote(db), schemaFilter("SCHEMA_NAME", only))

	result, err := h.run(ctx, stmt)
	if err != nil {
		return nil, err
	}

	idx := columnIndex(result)

	records := make([]SchemaRecord, 0, result.RowCount)

	for _, row := range result.Rows {
		records = append(records, SchemaRecord{
			Database:    db,
			Name:        stringAt(row, idx, "SCHEMA_NAME"),
			Owner:       stringAt(row, idx, "SCHEMA_OWNER"),
			Comment:     stringAt(row, idx, "COMMENT"),
			LastAltered: timeAt(row, idx, "LAST_ALTERED"),
		})
	}

	return records, nil
}

// fetchRelations lists tables, views, materialized views, external tables
// and dynamic tables of one database from INFORMATION_SCHEMA.TABLES.
func (h *harvester) fetchRelations(ctx context.Context, db string, only map[string]bool) ([]Entry, error) {
	stmt := fmt.Sprintf(
		"SELECT TABLE_SCHEMA, TABLE_NAME, TABLE_TYPE, IS_DYNAMIC, TABLE_OWNER, COMMENT, LAST_DDL FROM %s.INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA <> 'INFORMATION_SCHEMA'%s ORDER BY TABLE_SCHEMA, TABLE_NAME",
		object.Quote(db), schemaFilter("TABLE_SCHEMA", only))

	result, err := h.run(ctx, stmt)
	if err != nil {
		return nil, err
	}

	idx := columnIndex(result)

	entries := make([]Entry, 0, result.RowCount)

	for _, row := range result.Rows {
		kind := relationKind(stringAt(row, idx, "TABLE_TYPE"), boolAt(row, idx, "IS_DYNAMIC"))
		if kind == "" {
			continue
		}

		entries = append(entries, Entry{
			Ref: object.Ref{
				Database: db,
				Schema:   stringAt(row, idx, "TABLE_SCHEMA"),
				Name:     stringAt(row, idx, "TABLE_NAME"),
				Kind:     kind,
			},
			Owner:   stringAt(row, idx, "TABLE_OWNER"),
			Comment: stringAt(row, idx, "COMMENT"),
			LastDDL: timeAt(row, idx, "LAST_DDL"),
		})
	}

	return entries, nil
}

// fetchColumns returns the ordered column lists of one database keyed by
// relation.
func (h *harvester) fetchColumns(ctx context.Context, db string, only map[string]bool) (map[relationKey][]Column, error) {
	stmt := fmt.Sprintf(
		"SELECT TABLE_SCHEMA, TABLE_NAME, COLUMN_NAME, DATA_TYPE, IS_NULLABLE, COMMENT FROM %s.INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA <> 'INFORMATION_SCHEMA'%s ORDER BY TABLE_SCHEMA, TABLE_NAME, ORDINAL_POSITION",
		object.Quote(db), schemaFilter("TABLE_SCHEMA", only))

	result, err := h.run(ctx, stmt)
	if err != nil {
		return nil, err
	}

	idx := columnIndex(result)
	columns := make(map[relationKey][]Column)

	for _, row := range result.Rows {
		key := relationKey{
			schema: stringAt(row, idx, "TABLE_SCHEMA"),
			name:   stringAt(row, idx, "TABLE_NAME"),
		}

		columns[key] = append(columns[key], Column{
			Name:     stringAt(row, idx, "COLUMN_NAME"),
			Type:     stringAt(row, idx, "DATA_TYPE"),
			Nullable: boolAt(row, idx, "IS_NULLABLE"),
			Comment:  stringAt(row, idx, "COMMENT"),
		})
	}

	return columns, nil
}

// fetchViewDefinitions returns view SQL text keyed by relation. Snowflake
// serves definitions from INFORMATION_SCHEMA.VIEWS without a DDL call.
func (h *harvester) fetchViewDefinitions(ctx context.Context, db string, only map[string]bool) (map[relationKey]string, error) {
	stmt := fmt.Sprintf(
		"SELECT TABLE_SCHEMA, TABLE_NAME, VIEW_DEFINITION FROM %s.INFORMATION_SCHEMA.VIEWS WHERE TABLE_SCHEMA <> 'INFORMATION_SCHEMA'%s",
		object.Quote(db), schemaFilter("TABLE_SCHEMA", only))

	result, err := h.run(ctx, stmt)
	if err != nil {
		return nil, err
	}

	idx := columnIndex(result)
	definitions := make(map[relationKey]string, result.RowCount)

	for _, row := range result.Rows {
		key := relationKey{
			schema: stringAt(row, idx, "TABLE_SCHEMA"),
			name:   stringAt(row, idx, "TABLE_NAME"),
		}

		definitions[key] = stringAt(row, idx, "VIEW_DEFINITION")
	}

	return definitions, nil
}

// fetchFunctions lists user-defined functions. The definition text rides
// along for lineage.
func (h *harvester) fetchFunctions(ctx context.Context, db string, only map[string]bool) ([]Entry, error) {
	stmt := fmt.Sprintf(
		"SELECT FUNCTION_SCHEMA, FUNCTION_NAME, FUNCTION_OWNER, COMMENT, FUNCTION_DEFINITION, LAST_ALTERED FROM %s.INFORMATION_SCHEMA.FUNCTIONS WHERE 1=1%s ORDER BY FUNCTION_SCHEMA, FUNCTION_NAME",
		object.Quote(db), schemaFilter("FUNCTION_SCHEMA", only))

	result, err := h.run(ctx, stmt)
	if err != nil {
		return nil, err
	}

	return h.routineEntries(result, db, "FUNCTION", object.KindFunction), nil
}

// fetchProcedures lists stored procedures.
func (h *harvester) fetchProcedures(ctx context.Context, db string, only map[string]bool) ([]Entry, error) {
	stmt := fmt.Sprintf(
		"SELECT PROCEDURE_SCHEMA, PROCEDURE_NAME, PROCEDURE_OWNER, COMMENT, PROCEDURE_DEFINITION, LAST_ALTERED FROM %s.INFORMATION_SCHEMA.PROCEDURES WHERE 1=1%s ORDER BY PROCEDURE_SCHEMA, PROCEDURE_NAME",
		object.Quote(db), schemaFilter("PROCEDURE_SCHEMA", only))

	result, err := h.run(ctx, stmt)
	if err != nil {
		return nil, err
	}

	return h.routineEntries(result, db, "PROCEDURE", object.KindProcedure), nil
}

func (h *harvester) routineEntries(result *snowflake.Result, db, prefix string, kind object.Kind) []Entry {
	idx := columnIndex(result)

	entries := make([]Entry, 0, result.RowCount)

	for _, row := range result.Rows {
		entries = append(entries, Entry{
			Ref: object.Ref{
				Database: db,
				Schema:   stringAt(row, idx, prefix+"_SCHEMA"),
				Name:     stringAt(row, idx, prefix+"_NAME"),
				Kind:     kind,
			},
			Owner:   stringAt(row, idx, prefix+"_OWNER"),
			Comment: stringAt(row, idx, "COMMENT"),
			DDL:     stringAt(row, idx, prefix+"_DEFINITION"),
			LastDDL: timeAt(row, idx, "LAST_ALTERED"),
		})
	}

	return entries
}

// fetchTasks lists tasks via SHOW, the only surface that exposes task
// definitions without ACCOUNT_USAGE.
func (h *harvester) fetchTasks(ctx context.Context, db string, only map[string]bool) ([]Entry, error) {
	result, err := h.run(ctx, "SHOW TASKS IN DATABASE "+object.Quote(db))
	if err != nil {
		return nil, err
	}

	idx := columnIndex(result)

	entries := make([]Entry, 0, result.RowCount)

	for _, row := range result.Rows {
		schema := stringAt(row, idx, "SCHEMA_NAME")
		if only != nil && !only[schema] {
			continue
		}

		entries = append(entries, Entry{
			Ref: object.Ref{
				Database: db,
				Schema:   schema,
				Name:     stringAt(row, idx, "NAME"),
				Kind:     object.KindTask,
			},
			Owner:   stringAt(row, idx, "OWNER"),
			Comment: stringAt(row, idx, "COMMENT"),
			DDL:     stringAt(row, idx, "DEFINITION"),
			LastDDL: timeAt(row, idx, "CREATED_ON"),
		})
	}

	return entries, nil
}

// fetchDynamicTableText returns the defining query of each dynamic table,
// which INFORMATION_SCHEMA does not expose.
func (h *harvester) fetchDynamicTableText(ctx context.Context, db string, only map[string]bool) (map[relationKey]string, error) {
	result, err := h.run(ctx, "SHOW DYNAMIC TABLES IN DATABASE "+object.Quote(db))
	if err != nil {
		return nil, err
	}

	idx := columnIndex(result)
	text := make(map[relationKey]string, result.RowCount)

	for _, row := range result.Rows {
		schema := stringAt(row, idx, "SCHEMA_NAME")
		if only != nil && !only[schema] {
			continue
		}

		key := relationKey{schema: schema, name: stringAt(row, idx, "NAME")}
		text[key] = stringAt(row, idx, "TEXT")
	}

	return text, nil
}

// fetchDDL retrieves the full DDL of one object.
func (h *harvester) fetchDDL(ctx context.Context, ref object.Ref) (string, error) {
	ddlKind := getDDLKind(ref.Kind)
	if ddlKind == "" {
		return "", fmt.Errorf("no DDL surface for kind %q", ref.Kind)
	}

	stmt := fmt.Sprintf("SELECT GET_DDL('%s', %s, TRUE)", ddlKind, sqlString(ref.QuotedFQN()))

	result, err := h.run(ctx, stmt)
	if err != nil {
		return "", err
	}

	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		return "", fmt.Errorf("GET_DDL returned no rows for %s", ref.FQN())
	}

	ddl, _ := result.Rows[0][0].(string)

	return ddl, nil
}

// harvestDatabase collects schemas and object entries for one database.
// only restricts the harvest to the named schemas; nil means all. Failures
// of secondary surfaces (functions, tasks, dynamic text) degrade to
// warnings; a failure listing relations skips the database.
func (h *harvester) harvestDatabase(ctx context.Context, db string, only map[string]bool) ([]SchemaRecord, []Entry, []string) {
	var warnings []string

	schemas, err := h.fetchSchemas(ctx, db, only)
	if err != nil {
		return nil, nil, []string{fmt.Sprintf("database %s: list schemas: %v", db, err)}
	}

	entries, err := h.fetchRelations(ctx, db, only)
	if err != nil {
		return schemas, nil, []string{fmt.Sprintf("database %s: list relations: %v", db, err)}
	}

	columns, err := h.fetchColumns(ctx, db, only)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("database %s: list columns: %v", db, err))
	}

	views, err := h.fetchViewDefinitions(ctx, db, only)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("database %s: view definitions: %v", db, err))
	}

	var dynamicText map[relationKey]string

	if hasKind(entries, object.KindDynamicTable) {
		dynamicText, err = h.fetchDynamicTableText(ctx, db, only)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("database %s: dynamic table text: %v", db, err))
		}
	}

	for i := range entries {
		key := relationKey{schema: entries[i].Schema, name: entries[i].Name}
		entries[i].Columns = columns[key]

		switch entries[i].Kind {
		case object.KindView, object.KindMaterializedView:
			entries[i].DDL = views[key]
		case object.KindDynamicTable:
			entries[i].DDL = dynamicText[key]
		}
	}

	functions, err := h.fetchFunctions(ctx, db, only)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("database %s: list functions: %v", db, err))
	}

	procedures, err := h.fetchProcedures(ctx, db, only)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("database %s: list procedures: %v", db, err))
	}

	tasks, err := h.fetchTasks(ctx, db, only)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("database %s: list tasks: %v", db, err))
	}

	entries = append(entries, functions...)
	entries = append(entries, procedures...)
	entries = append(entries, tasks...)

	for _, warning := range warnings {
		h.logger.Warn("Partial harvest", slog.String("database", db), slog.String("detail", warning))
	}

	return schemas, entries, warnings
}

func hasKind(entries []Entry, kind object.Kind) bool {
	for i := range entries {
		if entries[i].Kind == kind {
			return true
		}
	}

	return false
}

// relationKind maps INFORMATION_SCHEMA.TABLES rows to an object kind.
// Temporary tables are session-scoped and skipped.
func relationKind(tableType string, isDynamic bool) object.Kind {
	switch strings.ToUpper(tableType) {
	case "BASE TABLE", "EVENT TABLE":
		if isDynamic {
			return object.KindDynamicTable
		}

		return object.KindTable
	case "EXTERNAL TABLE":
		return object.KindExternalTable
	case "VIEW":
		return object.KindView
	case "MATERIALIZED VIEW":
		return object.KindMaterializedView
	default:
		return ""
	}
}

// getDDLKind maps an object kind to the GET_DDL object type argument.
func getDDLKind(kind object.Kind) string {
	switch kind {
	case object.KindTable, object.KindExternalTable, object.KindDynamicTable:
		return "TABLE"
	case object.KindView, object.KindMaterializedView:
		return "VIEW"
	case object.KindTask:
		return "TASK"
	default:
		return ""
	}
}

// schemaFilter renders an optional AND ... IN (...) clause restricting a
// query to the named schemas.
func schemaFilter(column string, only map[string]bool) string {
	if only == nil {
		return ""
	}

	names := make([]string, 0, len(only))
	for name := range only {
		names = append(names, name)
	}

	sort.Strings(names)

	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = sqlString(name)
	}

	return fmt.Sprintf(" AND %s IN (%s)", column, strings.Join(quoted, ", "))
}

// sqlString renders a single-quoted SQL string literal.
func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// sqlTimestamp renders a UTC timestamp literal.
func sqlTimestamp(t time.Time) string {
	return "'" + t.UTC().Format("2006-01-02 15:04:05.000") + " +0000'::TIMESTAMP_TZ"
}

// columnIndex maps uppercase column names to their positions. SHOW commands
// return lowercase names, SELECTs uppercase; uppercasing unifies them.
func columnIndex(result *snowflake.Result) map[string]int {
	idx := make(map[string]int, len(result.Columns))
	for i, name := range result.Columns {
		idx[strings.ToUpper(name)] = i
	}

	return idx
}

func stringAt(row []any, idx map[string]int, column string) string {
	i, ok := idx[column]
	if !ok || i >= len(row) || row[i] == nil {
		return ""
	}

	switch v := row[i].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func boolAt(row []any, idx map[string]int, column string) bool {
	i, ok := idx[column]
	if !ok || i >= len(row) || row[i] == nil {
		return false
	}

	switch v := row[i].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "YES") || strings.EqualFold(v, "TRUE") || v == "Y"
	default:
		return false
	}
}

func timeAt(row []any, idx map[string]int, column string) time.Time {
	i, ok := idx[column]
	if !ok || i >= len(row) || row[i] == nil {
		return time.Time{}
	}

	switch v := row[i].(type) {
	case time.Time:
		return v.UTC()
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999 -0700", "2006-01-02 15:04:05.999"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}

		return time.Time{}
	default:
		return time.Time{}
	}
}
