// Package safety implements the read-only gate every incoming statement
// passes before execution.
//
// The gate classifies a statement with the SQL parser and denies anything
// that could change state: DDL, write DML, stacked statements, and
// comment-hidden statement patterns. Denials carry a fixed table of
// alternatives so callers can suggest a safe path instead of a bare no.
// The gate never mutates the statement.
package safety

import (
	"errors"

	"github.com/snowlens-io/snowlens/internal/sqlparse"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// Category classifies the verdict. It extends the statement kinds with the
// two gate-level denial categories.
type Category string

// Verdict categories.
const (
	CategorySelect             Category = "select"
	CategoryShow               Category = "show"
	CategoryDescribe           Category = "describe"
	CategoryExplain            Category = "explain"
	CategoryCTE                Category = "cte"
	CategoryDDL                Category = "ddl"
	CategoryDML                Category = "dml"
	CategoryMulti              Category = "multi"
	CategoryInjectionSuspected Category = "injection_suspected"
)

// Verdict is the gate's allow/deny decision for one input.
type Verdict struct {
	Allowed      bool     `json:"allowed"`
	Category     Category `json:"category"`
	Reason       string   `json:"reason,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// Gate validates statements for execution.
type Gate struct {
	parser sqlparse.Parser
}

// NewGate creates a safety gate. A nil parser falls back to the default
// lexical parser.
func NewGate(parser sqlparse.Parser) *Gate {
	if parser == nil {
		parser = sqlparse.NewLexicalParser()
	}

	return &Gate{parser: parser}
}

// Check classifies the statement and produces a verdict. Rules apply in
// order: stacked statements, comment-hidden statements, denied kinds,
// allowed kinds, and finally unparseable input, which is denied.
func (g *Gate) Check(sql string) Verdict {
	result, err := g.parser.Parse(sql)
	if err != nil {
		if errors.Is(err, sqlparse.ErrEmptyStatement) {
			return Verdict{
				Allowed:  false,
				Category: CategoryInjectionSuspected,
				Reason:   "statement is empty",
			}
		}

		return Verdict{
			Allowed:  false,
			Category: CategoryInjectionSuspected,
			Reason:   "statement could not be parsed",
		}
	}

	if result.MultiStatement() {
		return Verdict{
			Allowed:      false,
			Category:     CategoryMulti,
			Reason:       "multiple top-level statements are not allowed (stacked queries)",
			Alternatives: []string{"submit each statement as its own execute_query call"},
		}
	}

	stmt := result.Primary()

	if stmt.SuspectedInjection {
		return Verdict{
			Allowed:  false,
			Category: CategoryInjectionSuspected,
			Reason:   "statement contains a comment-hidden statement keyword",
		}
	}

	switch stmt.Kind {
	case sqlparse.KindSelect, sqlparse.KindShow, sqlparse.KindDescribe,
		sqlparse.KindExplain, sqlparse.KindCTE:
		return Verdict{
			Allowed:  true,
			Category: categoryForKind(stmt.Kind),
		}
	case sqlparse.KindDDL:
		return Verdict{
			Allowed:      false,
			Category:     CategoryDDL,
			Reason:       stmt.Verb + " is a DDL statement and is blocked",
			Alternatives: alternativesFor(stmt.Verb),
		}
	case sqlparse.KindDML:
		return Verdict{
			Allowed:      false,
			Category:     CategoryDML,
			Reason:       stmt.Verb + " is a write DML statement and is blocked",
			Alternatives: alternativesFor(stmt.Verb),
		}
	default:
		return Verdict{
			Allowed:  false,
			Category: CategoryInjectionSuspected,
			Reason:   "unrecognized statement kind",
		}
	}
}

func categoryForKind(kind sqlparse.Kind) Category {
	switch kind {
	case sqlparse.KindSelect:
		return CategorySelect
	case sqlparse.KindShow:
		return CategoryShow
	case sqlparse.KindDescribe:
		return CategoryDescribe
	case sqlparse.KindExplain:
		return CategoryExplain
	default:
		return CategoryCTE
	}
}

// alternativesFor is the fixed alternatives table keyed by denied verb.
func alternativesFor(verb string) []string {
	switch verb {
	case "DROP":
		return []string{
			"CREATE OR REPLACE",
			"rename the object aside with ALTER ... RENAME TO (run by an operator)",
		}
	case "DELETE":
		return []string{
			"soft-delete via UPDATE deleted_at",
		}
	case "TRUNCATE":
		return []string{
			"soft-delete via UPDATE deleted_at",
			"CREATE OR REPLACE with the rows you want to keep",
		}
	case "ALTER":
		return []string{
			"CREATE OR REPLACE with the new definition",
		}
	case "CREATE":
		return []string{
			"run DDL through your deployment pipeline",
		}
	case "INSERT", "UPDATE", "MERGE":
		return []string{
			"run write DML through your orchestration pipeline",
		}
	default:
		return nil
	}
}

// DenyError converts a denial verdict into a categorized error carrying the
// short denial reason and alternatives in the wire data.
func DenyError(verdict Verdict, statement string) *taxonomy.Error {
	err := taxonomy.New(taxonomy.CategorySQLSafety, verdict.Reason).
		WithSQLPreview(statement).
		WithData("reason", string(verdict.Category)).
		WithSuggestions(taxonomy.SuggestionsFor(taxonomy.CategorySQLSafety)...)

	if len(verdict.Alternatives) > 0 {
		err = err.WithData("alternatives", verdict.Alternatives)
	}

	return err
}
