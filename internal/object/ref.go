// Package object defines fully qualified Snowflake object references and
// their canonical form.
//
// Canonical references enable equality across the catalog, the lineage graph,
// and user input by providing deterministic identifiers for Snowflake objects.
// Snowflake resolves unquoted identifiers case-insensitively and stores them
// uppercase; quoted identifiers preserve case exactly. Canonicalization here
// follows the same rules so that `analytics.public.orders` and
// `ANALYTICS.PUBLIC.ORDERS` produce the same key while `"Orders"` stays
// distinct.
//
// Key functions:
//   - ParseFQN: parse user or SQL-extracted references ("name", "schema.name",
//     "db.schema.name") honoring double-quoted parts
//   - Canonical: canonicalize a single identifier
//   - Ref.FQN / Ref.Key: canonical identity strings for maps and files
package object

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxReferenceParts = 3
)

// Sentinel errors for reference parsing.
var (
	// ErrEmptyReference is returned when a reference is empty or whitespace.
	ErrEmptyReference = errors.New("object reference cannot be empty")

	// ErrMalformedReference is returned when a reference has more than three
	// dot-separated parts or an unterminated quoted identifier.
	ErrMalformedReference = errors.New("malformed object reference")
)

// Kind identifies the Snowflake object type of a reference.
//
// The set mirrors what the catalog harvests plus what parsed SQL may
// reference. Values are stable and appear verbatim in persisted catalog
// records and tool results.
type Kind string

// Object kinds known to the catalog and lineage engine.
const (
	KindTable            Kind = "table"
	KindView             Kind = "view"
	KindMaterializedView Kind = "materialized_view"
	KindDynamicTable     Kind = "dynamic_table"
	KindExternalTable    Kind = "external_table"
	KindStage            Kind = "stage"
	KindFunction         Kind = "function"
	KindProcedure        Kind = "procedure"
	KindTask             Kind = "task"
)

// Valid reports whether k is one of the known object kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTable, KindView, KindMaterializedView, KindDynamicTable,
		KindExternalTable, KindStage, KindFunction, KindProcedure, KindTask:
		return true
	default:
		return false
	}
}

// CarriesSQL reports whether objects of this kind have a SQL definition the
// lineage engine can parse (views, materialized views, dynamic tables,
// procedures, tasks).
func (k Kind) CarriesSQL() bool {
	switch k {
	case KindView, KindMaterializedView, KindDynamicTable, KindProcedure, KindTask:
		return true
	default:
		return false
	}
}

// Ref is a fully qualified Snowflake object reference.
//
// Fields hold canonical identifiers (see Canonical). A partial reference
// (missing Database or Schema) may appear in user input and in parsed SQL;
// resolution against the catalog fills the gaps.
type Ref struct {
	Database string `json:"database,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Name     string `json:"name"`
	Kind     Kind   `json:"kind,omitempty"`
}

// IsComplete reports whether all three name parts are present.
func (r Ref) IsComplete() bool {
	return r.Database != "" && r.Schema != "" && r.Name != ""
}

// FQN returns the canonical dotted form "DB.SCHEMA.NAME". Partial references
// render only the parts they carry ("SCHEMA.NAME" or "NAME").
func (r Ref) FQN() string {
	parts := make([]string, 0, maxReferenceParts)
	if r.Database != "" {
		parts = append(parts, r.Database)
	}
	if r.Schema != "" {
		parts = append(parts, r.Schema)
	}
	parts = append(parts, r.Name)

	return strings.Join(parts, ".")
}

// Key returns the canonical identity used for catalog upserts and graph
// nodes: the FQN suffixed with the object kind when known.
//
// Examples:
//   - {ANALYTICS, PUBLIC, ORDERS, table} → "ANALYTICS.PUBLIC.ORDERS#table"
//   - {ANALYTICS, PUBLIC, ORDERS, ""}    → "ANALYTICS.PUBLIC.ORDERS"
func (r Ref) Key() string {
	if r.Kind == "" {
		return r.FQN()
	}

	return r.FQN() + "#" + string(r.Kind)
}

// QuotedFQN returns the reference with every part double-quoted and embedded
// quotes doubled, safe to interpolate into generated SQL.
//
// Example: {ANALYTICS, PUBLIC, ORDERS} → `"ANALYTICS"."PUBLIC"."ORDERS"`.
func (r Ref) QuotedFQN() string {
	parts := make([]string, 0, maxReferenceParts)
	if r.Database != "" {
		parts = append(parts, Quote(r.Database))
	}
	if r.Schema != "" {
		parts = append(parts, Quote(r.Schema))
	}
	parts = append(parts, Quote(r.Name))

	return strings.Join(parts, ".")
}

// Equal reports case-insensitive equality of the name parts. Kind is ignored
// so a parsed SQL reference (kind unknown) matches its catalog entry.
func (r Ref) Equal(other Ref) bool {
	return r.Database == other.Database &&
		r.Schema == other.Schema &&
		r.Name == other.Name
}

// Canonical canonicalizes a single Snowflake identifier.
//
// Rules (matching Snowflake's identifier resolution):
//   - unquoted identifiers are uppercased: orders → ORDERS
//   - double-quoted identifiers preserve case with quotes stripped and the
//     "" escape collapsed: "Order""s" → Order"s
//
// Returns: the canonical identifier string.
func Canonical(ident string) string {
	ident = strings.TrimSpace(ident)
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		inner := ident[1 : len(ident)-1]

		return strings.ReplaceAll(inner, `""`, `"`)
	}

	return strings.ToUpper(ident)
}

// ParseFQN parses a dotted object reference into a Ref.
//
// Accepted shapes: "name", "schema.name", "db.schema.name". Parts may be
// double-quoted; dots inside quotes do not split. The kind is left empty.
//
// Examples:
//   - ParseFQN("analytics.public.orders") → {ANALYTICS, PUBLIC, ORDERS}
//   - ParseFQN(`reporting."Daily.Rollup"`) → {Schema: REPORTING, Name: Daily.Rollup}
//   - ParseFQN("a.b.c.d") → ErrMalformedReference
//
// Returns: the parsed reference, or an error for empty/malformed input.
func ParseFQN(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, ErrEmptyReference
	}

	parts, err := splitIdentifiers(s)
	if err != nil {
		return Ref{}, err
	}

	for i := range parts {
		parts[i] = Canonical(parts[i])
		if parts[i] == "" {
			return Ref{}, fmt.Errorf("%w: empty part in %q", ErrMalformedReference, s)
		}
	}

	switch len(parts) {
	case 1:
		return Ref{Name: parts[0]}, nil
	case 2:
		return Ref{Schema: parts[0], Name: parts[1]}, nil
	case maxReferenceParts:
		return Ref{Database: parts[0], Schema: parts[1], Name: parts[2]}, nil
	default:
		return Ref{}, fmt.Errorf("%w: %d parts in %q", ErrMalformedReference, len(parts), s)
	}
}

// splitIdentifiers splits a dotted reference on '.' outside double quotes.
func splitIdentifiers(s string) ([]string, error) {
	var parts []string

	var current strings.Builder

	inQuotes := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			// A doubled quote inside a quoted identifier is an escape,
			// not a terminator.
			if inQuotes && i+1 < len(s) && s[i+1] == '"' {
				current.WriteString(`""`)
				i++

				continue
			}

			inQuotes = !inQuotes

			current.WriteByte(c)
		case c == '.' && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}

	if inQuotes {
		return nil, fmt.Errorf("%w: unterminated quoted identifier in %q", ErrMalformedReference, s)
	}

	parts = append(parts, current.String())

	return parts, nil
}

// Quote wraps an identifier in double quotes, doubling embedded quotes, safe
// to interpolate into generated SQL.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
