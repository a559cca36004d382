package sqlparse

import (
	"github.com/snowlens-io/snowlens/internal/object"
)

// clauseKeywords terminate a FROM list and can never be a table reference or
// alias. The set is shared by the list parser and the alias skipper.
var clauseKeywords = map[string]struct{}{
	"WHERE": {}, "GROUP": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {},
	"QUALIFY": {}, "WINDOW": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {},
	"MINUS": {}, "JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {}, "FULL": {},
	"CROSS": {}, "NATURAL": {}, "ASOF": {}, "ON": {}, "USING": {},
	"SAMPLE": {}, "TABLESAMPLE": {}, "PIVOT": {}, "UNPIVOT": {}, "AT": {},
	"BEFORE": {}, "CHANGES": {}, "MATCH_RECOGNIZE": {}, "CONNECT": {},
	"START": {}, "SET": {}, "VALUES": {}, "SELECT": {}, "WHEN": {},
	"MATCHED": {}, "THEN": {}, "FETCH": {}, "OFFSET": {}, "FOR": {},
	"RETURNING": {}, "WITH": {}, "LATERAL": {}, "FROM": {}, "INTO": {},
}

// createModifiers may appear between CREATE and the object kind keyword.
var createModifiers = map[string]struct{}{
	"OR": {}, "REPLACE": {}, "SECURE": {}, "TEMP": {}, "TEMPORARY": {},
	"TRANSIENT": {}, "GLOBAL": {}, "LOCAL": {}, "VOLATILE": {},
	"DYNAMIC": {}, "MATERIALIZED": {}, "EXTERNAL": {}, "RECURSIVE": {},
	"IF": {}, "NOT": {}, "EXISTS": {},
}

// objectKindKeywords name the object kind in DDL statements.
var objectKindKeywords = map[string]struct{}{
	"TABLE": {}, "VIEW": {}, "FUNCTION": {}, "PROCEDURE": {}, "TASK": {},
	"STAGE": {}, "STREAM": {}, "SEQUENCE": {}, "PIPE": {}, "DATABASE": {},
	"SCHEMA": {}, "WAREHOUSE": {}, "MATERIALIZED": {}, "DYNAMIC": {},
	"EXTERNAL": {}, "TEMPORARY": {}, "TEMP": {}, "TRANSIENT": {},
	"IF": {}, "NOT": {}, "EXISTS": {}, "COLUMN": {},
}

type extractor struct {
	tokens []token
	verb   string
	ctes   map[string]struct{}

	refs        []object.Ref
	targets     []object.Ref
	seenRefs    map[string]struct{}
	seenTargets map[string]struct{}

	deleteTargetTaken bool
}

// extractReferences walks the (comment-free) token stream of one statement
// and collects the objects it reads from and writes to. The walk is linear
// and depth-agnostic so subquery references are captured too.
func extractReferences(tokens []token) ([]object.Ref, []object.Ref) {
	e := &extractor{
		tokens:      tokens,
		ctes:        collectCTENames(tokens),
		seenRefs:    make(map[string]struct{}),
		seenTargets: make(map[string]struct{}),
	}

	if len(tokens) > 0 {
		e.verb = tokens[0].upper()
	}

	i := 0
	for i < len(e.tokens) {
		t := e.tokens[i]
		if t.typ != tokenIdent {
			i++

			continue
		}

		switch t.upper() {
		case "FROM":
			if e.verb == "DELETE" && !e.deleteTargetTaken {
				e.deleteTargetTaken = true
				i = e.parseTarget(i + 1)
			} else {
				i = e.parseReadList(i + 1)
			}
		case "JOIN":
			i = e.parseReadSingle(i + 1)
		case "INTO":
			i = e.parseTarget(i + 1)
		case "UPDATE":
			i = e.parseTarget(i + 1)
		case "USING":
			i = e.parseReadSingle(i + 1)
		case "CREATE":
			if i == 0 {
				i = e.parseDDLTarget(i + 1)
			} else {
				i++
			}
		case "DROP", "TRUNCATE", "ALTER":
			if i == 0 {
				i = e.parseDDLTarget(i + 1)
			} else {
				i++
			}
		default:
			i++
		}
	}

	return e.refs, e.targets
}

// parseReadList parses the comma-separated reference list after FROM.
// Subqueries are left in place for the main walk: on '(' the parser stops
// and returns, so nested FROM clauses are visited naturally.
func (e *extractor) parseReadList(i int) int {
	for {
		ref, next, ok := e.scanRef(i, false)
		if !ok {
			return next
		}

		e.addRead(ref)

		i = e.skipAlias(next)

		if i < len(e.tokens) && e.tokens[i].typ == tokenComma {
			i++

			continue
		}

		return i
	}
}

// parseReadSingle parses exactly one reference (after JOIN or USING).
func (e *extractor) parseReadSingle(i int) int {
	ref, next, ok := e.scanRef(i, false)
	if !ok {
		return next
	}

	e.addRead(ref)

	return e.skipAlias(next)
}

// parseTarget parses one write target (after INTO, UPDATE, or DELETE FROM).
// A following '(' is a column list, not a function call.
func (e *extractor) parseTarget(i int) int {
	// INSERT OVERWRITE INTO does not reach here; OVERWRITE precedes INTO.
	ref, next, ok := e.scanRef(i, true)
	if !ok {
		return next
	}

	e.addTarget(ref)

	return next
}

// parseDDLTarget parses the object a DDL statement addresses, skipping the
// modifier and kind keywords between the verb and the name.
func (e *extractor) parseDDLTarget(i int) int {
	for i < len(e.tokens) {
		t := e.tokens[i]
		if t.typ != tokenIdent {
			return i
		}

		upper := t.upper()

		_, isModifier := createModifiers[upper]

		_, isKind := objectKindKeywords[upper]
		if !isModifier && !isKind {
			break
		}

		i++
	}

	ref, next, ok := e.scanRef(i, true)
	if !ok {
		return next
	}

	e.addTarget(ref)

	return next
}

// scanRef reads a dotted identifier chain starting at i. When allowParen is
// false, a '(' immediately after the chain marks a function call and the
// candidate is discarded.
//
// Returns the parsed reference, the index after the consumed tokens, and
// whether a reference was produced.
func (e *extractor) scanRef(i int, allowParen bool) (object.Ref, int, bool) {
	if i >= len(e.tokens) || e.tokens[i].typ != tokenIdent {
		return object.Ref{}, i, false
	}

	if upper := e.tokens[i].upper(); upper != "" {
		if _, reserved := clauseKeywords[upper]; reserved {
			return object.Ref{}, i, false
		}
	}

	parts := []string{e.tokens[i].text}
	j := i + 1

	for j+1 < len(e.tokens) && e.tokens[j].typ == tokenDot && e.tokens[j+1].typ == tokenIdent {
		parts = append(parts, e.tokens[j+1].text)
		j += 2
	}

	if !allowParen && j < len(e.tokens) && e.tokens[j].typ == tokenLParen {
		return object.Ref{}, j, false
	}

	ref, ok := buildRef(parts)
	if !ok {
		return object.Ref{}, j, false
	}

	return ref, j, true
}

// skipAlias consumes an optional "AS alias" or bare alias after a reference.
func (e *extractor) skipAlias(i int) int {
	if i >= len(e.tokens) || e.tokens[i].typ != tokenIdent {
		return i
	}

	upper := e.tokens[i].upper()

	if upper == "AS" {
		i++
		if i < len(e.tokens) && e.tokens[i].typ == tokenIdent {
			i++
		}

		return i
	}

	if _, clause := clauseKeywords[upper]; clause {
		return i
	}

	// Bare or quoted alias.
	return i + 1
}

func (e *extractor) addRead(ref object.Ref) {
	if ref.Database == "" && ref.Schema == "" {
		if _, isCTE := e.ctes[ref.Name]; isCTE {
			return
		}
	}

	key := ref.Key()
	if _, seen := e.seenRefs[key]; seen {
		return
	}

	e.seenRefs[key] = struct{}{}
	e.refs = append(e.refs, ref)
}

func (e *extractor) addTarget(ref object.Ref) {
	key := ref.Key()
	if _, seen := e.seenTargets[key]; seen {
		return
	}

	e.seenTargets[key] = struct{}{}
	e.targets = append(e.targets, ref)
}

// buildRef assembles an object.Ref from 1-3 identifier parts.
func buildRef(parts []string) (object.Ref, bool) {
	for i := range parts {
		parts[i] = object.Canonical(parts[i])
		if parts[i] == "" {
			return object.Ref{}, false
		}
	}

	switch len(parts) {
	case 1:
		return object.Ref{Name: parts[0]}, true
	case 2:
		return object.Ref{Schema: parts[0], Name: parts[1]}, true
	case 3:
		return object.Ref{Database: parts[0], Schema: parts[1], Name: parts[2]}, true
	default:
		return object.Ref{}, false
	}
}

// collectCTENames gathers the names defined by WITH clauses anywhere in the
// statement so they are not mistaken for table references. A name counts
// only when the full "name [(columns)] AS (" shape is confirmed.
func collectCTENames(tokens []token) map[string]struct{} {
	names := make(map[string]struct{})

	for i := 0; i < len(tokens); i++ {
		if tokens[i].upper() != "WITH" {
			continue
		}

		j := i + 1
		if j < len(tokens) && tokens[j].upper() == "RECURSIVE" {
			j++
		}

		for j < len(tokens) {
			if tokens[j].typ != tokenIdent {
				break
			}

			candidate := object.Canonical(tokens[j].text)
			j++

			// Optional column list.
			if j < len(tokens) && tokens[j].typ == tokenLParen {
				j = skipBalanced(tokens, j)
			}

			if j >= len(tokens) || tokens[j].upper() != "AS" {
				break
			}

			j++

			if j >= len(tokens) || tokens[j].typ != tokenLParen {
				break
			}

			names[candidate] = struct{}{}

			j = skipBalanced(tokens, j)

			if j < len(tokens) && tokens[j].typ == tokenComma {
				j++

				continue
			}

			break
		}
	}

	return names
}

// skipBalanced advances past a balanced paren group starting at an LParen.
func skipBalanced(tokens []token, i int) int {
	depth := 0

	for ; i < len(tokens); i++ {
		switch tokens[i].typ {
		case tokenLParen:
			depth++
		case tokenRParen:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}

	return i
}
