// Package catalog builds and persists the filesystem-resident metadata
// catalog: object records harvested from Snowflake, optional DDL text, and
// the _catalog_metadata.json sidecar that marks a consistent snapshot.
//
// Builds are incremental by default. Change detection anchors on the
// previous build timestamp using INFORMATION_SCHEMA as the primary probe
// and ACCOUNT_USAGE as a safety margin for delayed visibility; a missing,
// malformed or aged-out catalog falls back to a full refresh. The catalog
// directory is single-writer, guarded by a lock file.
package catalog

import (
	"time"

	"github.com/snowlens-io/snowlens/internal/object"
)

// MetadataFile is the sidecar marking a consistent snapshot. It is always
// written last; a build that does not complete leaves the prior sidecar in
// place.
const MetadataFile = "_catalog_metadata.json"

// LockFile guards the catalog directory against concurrent builds.
const LockFile = ".catalog.lock"

// DatabasesFile holds the database records as one JSON array.
const DatabasesFile = "databases.json"

// SchemasFile holds one schema record per line.
const SchemasFile = "schemas.jsonl"

// ddlDir is the subdirectory for per-object DDL files.
const ddlDir = "ddl"

// Version is written into the metadata sidecar. Bump when the persisted
// record shape changes.
const Version = "1"

// Format selects the record-file encoding.
type Format string

// Supported record-file encodings. JSONL is the default; JSON writes each
// record file as an indented array instead.
const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
)

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	return f == FormatJSONL || f == FormatJSON
}

// objectFiles maps record-file stems to the object kinds they hold. The
// stem gets a .jsonl or .json extension depending on the build format.
var objectFiles = map[string][]object.Kind{
	"tables":         {object.KindTable, object.KindExternalTable},
	"views":          {object.KindView, object.KindMaterializedView},
	"dynamic_tables": {object.KindDynamicTable},
	"functions":      {object.KindFunction},
	"procedures":     {object.KindProcedure},
	"tasks":          {object.KindTask},
}

// fileStemForKind returns the record-file stem an entry of this kind
// persists into.
func fileStemForKind(kind object.Kind) string {
	switch kind {
	case object.KindTable, object.KindExternalTable:
		return "tables"
	case object.KindView, object.KindMaterializedView:
		return "views"
	case object.KindDynamicTable:
		return "dynamic_tables"
	case object.KindFunction:
		return "functions"
	case object.KindProcedure:
		return "procedures"
	case object.KindTask:
		return "tasks"
	default:
		return ""
	}
}

// Column describes one table or view column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Comment  string `json:"comment,omitempty"`
}

// Entry is one harvested object record.
type Entry struct {
	object.Ref

	Columns []Column          `json:"columns,omitempty"`
	DDL     string            `json:"ddl,omitempty"`
	LastDDL time.Time         `json:"last_ddl,omitzero"`
	Owner   string            `json:"owner,omitempty"`
	Comment string            `json:"comment,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// DatabaseRecord is one row of databases.json.
type DatabaseRecord struct {
	Name    string `json:"name"`
	Owner   string `json:"owner,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// SchemaRecord is one line of schemas.jsonl.
type SchemaRecord struct {
	Database    string    `json:"database"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	LastAltered time.Time `json:"last_altered,omitzero"`
}

// Metadata is the persisted sidecar. TotalObjects counts records across
// the object files (tables, views, dynamic tables, functions, procedures,
// tasks); databases and schemas are tracked by their own fields.
type Metadata struct {
	LastBuild       time.Time `json:"last_build"`
	LastFullRefresh time.Time `json:"last_full_refresh"`
	Databases       []string  `json:"databases"`
	TotalObjects    int       `json:"total_objects"`
	Version         string    `json:"version"`
	SchemaCount     int       `json:"schema_count"`
	TableCount      int       `json:"table_count"`
}

// BuildStatus is the outcome classification of one build.
type BuildStatus string

// Build outcomes.
const (
	StatusUpToDate    BuildStatus = "up_to_date"
	StatusIncremental BuildStatus = "incremental_update"
	StatusFullRefresh BuildStatus = "full_refresh"
)

// BuildResult is returned by build_catalog.
type BuildResult struct {
	Status         BuildStatus `json:"status"`
	LastBuild      time.Time   `json:"last_build"`
	Changes        int         `json:"changes"`
	ChangedObjects []string    `json:"changed_objects"`
	Metadata       Metadata    `json:"metadata"`
	Warnings       []string    `json:"warnings,omitempty"`
	DurationMS     int64       `json:"duration_ms"`
}

// Snapshot is the in-memory form of a complete catalog directory.
type Snapshot struct {
	Databases []DatabaseRecord
	Schemas   []SchemaRecord
	Entries   []Entry
}

// Summary is the get_catalog_summary result.
type Summary struct {
	Databases       int       `json:"databases"`
	Schemas         int       `json:"schemas"`
	Tables          int       `json:"tables"`
	Views           int       `json:"views"`
	Columns         int       `json:"columns"`
	DDLFiles        int       `json:"ddl_files"`
	LastBuild       time.Time `json:"last_build"`
	LastFullRefresh time.Time `json:"last_full_refresh"`
}
