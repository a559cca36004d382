// Package sqlparse provides the SQL analysis capability the server relies
// on: top-level statement splitting, statement kind classification, and
// referenced-object extraction.
//
// The implementation is a Snowflake-dialect lexical parser, not a grammar.
// It understands enough structure for two consumers:
//
//   - the safety gate, which needs exact statement counts, the top-level
//     verb, and comment-placement anomalies that suggest injection
//   - the lineage engine, which needs the objects a definition reads from
//     and writes to, with CTE names excluded
//
// Consumers depend only on the Parser interface, so a full SQL parser can
// replace the lexical one without touching them.
package sqlparse

import (
	"errors"
	"strings"

	"github.com/snowlens-io/snowlens/internal/object"
)

// Sentinel errors for parsing.
var (
	// ErrEmptyStatement is returned when the input is empty or whitespace.
	ErrEmptyStatement = errors.New("statement cannot be empty")
)

// Kind classifies a single top-level statement.
type Kind string

// Statement kinds. The allowed set for the safety gate is select, show,
// describe, explain, and cte (WITH over SELECT).
const (
	KindSelect   Kind = "select"
	KindShow     Kind = "show"
	KindDescribe Kind = "describe"
	KindExplain  Kind = "explain"
	KindCTE      Kind = "cte"
	KindDDL      Kind = "ddl"
	KindDML      Kind = "dml"
	KindUnknown  Kind = "unknown"
)

// Statement is one analyzed top-level statement.
type Statement struct {
	// Kind is the classification of the statement's top-level verb.
	Kind Kind

	// Verb is the leading keyword, uppercased (SELECT, DROP, ...). For CTEs
	// it is the body verb (SELECT for WITH ... SELECT, INSERT for
	// WITH ... INSERT).
	Verb string

	// Text is the raw statement text with surrounding whitespace trimmed.
	Text string

	// References lists the objects the statement reads from (FROM, JOIN,
	// MERGE USING), deduplicated in first-seen order. CTE names are
	// excluded.
	References []object.Ref

	// Targets lists the objects the statement writes to (INSERT INTO,
	// UPDATE, DELETE FROM, MERGE INTO, CREATE ... AS).
	Targets []object.Ref

	// SuspectedInjection is set when the lexical scan found a comment
	// followed by another statement keyword inside one statement, or an
	// unterminated quote construct.
	SuspectedInjection bool
}

// Result is the outcome of parsing one input, which may contain several
// top-level statements.
type Result struct {
	Statements []Statement
}

// MultiStatement reports whether the input held more than one top-level
// statement.
func (r *Result) MultiStatement() bool {
	return len(r.Statements) > 1
}

// Primary returns the first statement, or nil when the input was only
// comments.
func (r *Result) Primary() *Statement {
	if len(r.Statements) == 0 {
		return nil
	}

	return &r.Statements[0]
}

// Parser is the abstract SQL analysis capability.
type Parser interface {
	// Parse analyzes one input string into top-level statements with kind,
	// references, and lexical flags. It fails only on empty input; garbage
	// comes back as a statement of KindUnknown.
	Parse(sql string) (*Result, error)
}

// LexicalParser implements Parser with a Snowflake-dialect lexical scan.
type LexicalParser struct{}

// compile-time interface check
var _ Parser = (*LexicalParser)(nil)

// NewLexicalParser creates the default parser.
func NewLexicalParser() *LexicalParser {
	return &LexicalParser{}
}

// Parse implements Parser.
func (p *LexicalParser) Parse(sql string) (*Result, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, ErrEmptyStatement
	}

	lexed := lex(sql)

	var result Result

	for _, stmtTokens := range splitStatements(lexed.tokens) {
		text := renderText(stmtTokens)
		if text == "" {
			// Tail of comments or stray semicolons, not a statement.
			continue
		}

		stmt := analyzeStatement(stmtTokens)
		stmt.Text = text

		if lexed.unterminated {
			stmt.Kind = KindUnknown
			stmt.SuspectedInjection = true
		}

		result.Statements = append(result.Statements, stmt)
	}

	if len(result.Statements) == 0 {
		return nil, ErrEmptyStatement
	}

	return &result, nil
}

// splitStatements splits the token stream on top-level semicolons. Semicolons
// inside strings, comments, and $$ bodies were consumed by the lexer and do
// not split.
func splitStatements(tokens []token) [][]token {
	var (
		statements [][]token
		current    []token
	)

	for _, t := range tokens {
		if t.typ == tokenSemicolon {
			statements = append(statements, current)
			current = nil

			continue
		}

		current = append(current, t)
	}

	if len(current) > 0 {
		statements = append(statements, current)
	}

	return statements
}

// renderText reassembles the statement text from tokens, skipping comments.
// Used to detect comment-only tails and to carry a normalized single-spaced
// copy of each statement.
func renderText(tokens []token) string {
	var b strings.Builder

	var prevType tokenType

	for _, t := range tokens {
		if t.typ == tokenComment {
			continue
		}

		if b.Len() > 0 && needsSpace(prevType, t) {
			b.WriteByte(' ')
		}

		b.WriteString(t.text)

		prevType = t.typ
	}

	return strings.TrimSpace(b.String())
}

func needsSpace(prevType tokenType, t token) bool {
	if prevType == tokenDot || prevType == tokenLParen {
		return false
	}

	switch t.typ {
	case tokenComma, tokenRParen, tokenDot, tokenSemicolon:
		return false
	default:
		return true
	}
}

// analyzeStatement classifies one statement and extracts its references.
func analyzeStatement(tokens []token) Statement {
	stmt := Statement{Kind: KindUnknown}

	keywords := contentTokens(tokens)
	if len(keywords) == 0 {
		return stmt
	}

	verb := keywords[0].upper()
	stmt.Verb = verb
	stmt.Kind = classifyVerb(verb)

	if verb == "WITH" {
		stmt.Kind, stmt.Verb = classifyCTE(keywords)
	}

	if hasCommentHiddenKeyword(tokens) {
		stmt.SuspectedInjection = true
	}

	refs, targets := extractReferences(keywords)
	stmt.References = refs
	stmt.Targets = targets

	return stmt
}

// contentTokens strips comment tokens.
func contentTokens(tokens []token) []token {
	out := make([]token, 0, len(tokens))

	for _, t := range tokens {
		if t.typ != tokenComment {
			out = append(out, t)
		}
	}

	return out
}

// classifyVerb maps a leading keyword to a statement kind.
func classifyVerb(verb string) Kind {
	switch verb {
	case "SELECT":
		return KindSelect
	case "SHOW":
		return KindShow
	case "DESCRIBE", "DESC":
		return KindDescribe
	case "EXPLAIN":
		return KindExplain
	case "WITH":
		return KindCTE
	case "DROP", "CREATE", "ALTER", "TRUNCATE":
		return KindDDL
	case "DELETE", "INSERT", "UPDATE", "MERGE":
		return KindDML
	default:
		return KindUnknown
	}
}

// classifyCTE finds the body verb of a WITH statement by scanning depth-0
// tokens past the CTE definitions. WITH over SELECT stays an allowed CTE;
// WITH over INSERT/UPDATE/DELETE/MERGE is DML.
func classifyCTE(tokens []token) (Kind, string) {
	depth := 0

	for _, t := range tokens[1:] {
		switch t.typ {
		case tokenLParen:
			depth++
		case tokenRParen:
			depth--
		case tokenIdent:
			if depth != 0 {
				continue
			}

			switch t.upper() {
			case "SELECT":
				return KindCTE, "SELECT"
			case "INSERT", "UPDATE", "DELETE", "MERGE":
				return KindDML, t.upper()
			}
		}
	}

	return KindUnknown, "WITH"
}

// hiddenStatementKeywords are mutating verbs that begin a new statement.
// A comment followed by one of these inside a single statement is the
// classic pattern of hiding a second statement behind a comment. Read verbs
// (SELECT and friends) are excluded: comments before subqueries and after
// set operators are normal SQL.
var hiddenStatementKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "DROP": {},
	"CREATE": {}, "ALTER": {}, "TRUNCATE": {}, "MERGE": {}, "GRANT": {},
	"REVOKE": {}, "CALL": {}, "USE": {}, "COPY": {}, "BEGIN": {},
	"COMMIT": {}, "ROLLBACK": {}, "UNDROP": {}, "EXECUTE": {},
}

// hasCommentHiddenKeyword reports whether a comment token is immediately
// followed by a mutating statement keyword. A leading comment (position 0)
// is harmless and skipped.
func hasCommentHiddenKeyword(tokens []token) bool {
	seenContent := false

	for i := 0; i < len(tokens)-1; i++ {
		if tokens[i].typ != tokenComment {
			seenContent = true

			continue
		}

		if !seenContent {
			continue
		}

		next := tokens[i+1]
		if next.typ == tokenComment {
			continue
		}

		if _, ok := hiddenStatementKeywords[next.upper()]; ok {
			return true
		}
	}

	return false
}
