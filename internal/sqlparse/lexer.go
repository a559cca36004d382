package sqlparse

import (
	"strings"
)

type tokenType int

const (
	tokenIdent tokenType = iota
	tokenString
	tokenNumber
	tokenComment
	tokenSemicolon
	tokenLParen
	tokenRParen
	tokenComma
	tokenDot
	tokenOther
)

// token is a lexical unit of a statement. Quoted identifiers keep their
// quotes so canonicalization can distinguish them from bare identifiers.
type token struct {
	typ  tokenType
	text string
}

// upper returns the uppercased token text for keyword comparison. Quoted
// identifiers are never keywords.
func (t token) upper() string {
	if t.typ != tokenIdent || strings.HasPrefix(t.text, `"`) {
		return ""
	}

	return strings.ToUpper(t.text)
}

// lexResult carries the token stream plus lexical anomalies the safety gate
// cares about.
type lexResult struct {
	tokens []token

	// unterminated is set when a string, quoted identifier, dollar-quoted
	// body, or block comment never closes. Such statements are unparseable.
	unterminated bool
}

// lex scans a statement into tokens, recognizing the Snowflake dialect:
// single-quoted strings with '' and \' escapes, double-quoted identifiers
// with "" escapes, $$-quoted bodies, -- and // line comments, and /* */
// block comments. Comments are kept in the stream as tokens because the
// safety gate inspects comment placement.
func lex(sql string) lexResult {
	var result lexResult

	i := 0
	n := len(sql)

	for i < n {
		c := sql[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '\'':
			end, ok := scanString(sql, i)
			result.tokens = append(result.tokens, token{typ: tokenString, text: sql[i:end]})
			if !ok {
				result.unterminated = true
			}

			i = end

		case c == '"':
			end, ok := scanQuotedIdent(sql, i)
			result.tokens = append(result.tokens, token{typ: tokenIdent, text: sql[i:end]})
			if !ok {
				result.unterminated = true
			}

			i = end

		case c == '$' && i+1 < n && sql[i+1] == '$':
			end, ok := scanDollarQuoted(sql, i)
			result.tokens = append(result.tokens, token{typ: tokenString, text: sql[i:end]})
			if !ok {
				result.unterminated = true
			}

			i = end

		case c == '-' && i+1 < n && sql[i+1] == '-':
			end := scanLineComment(sql, i)
			result.tokens = append(result.tokens, token{typ: tokenComment, text: sql[i:end]})
			i = end

		case c == '/' && i+1 < n && sql[i+1] == '/':
			end := scanLineComment(sql, i)
			result.tokens = append(result.tokens, token{typ: tokenComment, text: sql[i:end]})
			i = end

		case c == '/' && i+1 < n && sql[i+1] == '*':
			end, ok := scanBlockComment(sql, i)
			result.tokens = append(result.tokens, token{typ: tokenComment, text: sql[i:end]})
			if !ok {
				result.unterminated = true
			}

			i = end

		case c == ';':
			result.tokens = append(result.tokens, token{typ: tokenSemicolon, text: ";"})
			i++

		case c == '(':
			result.tokens = append(result.tokens, token{typ: tokenLParen, text: "("})
			i++

		case c == ')':
			result.tokens = append(result.tokens, token{typ: tokenRParen, text: ")"})
			i++

		case c == ',':
			result.tokens = append(result.tokens, token{typ: tokenComma, text: ","})
			i++

		case c == '.':
			result.tokens = append(result.tokens, token{typ: tokenDot, text: "."})
			i++

		case isIdentStart(c):
			end := scanIdent(sql, i)
			result.tokens = append(result.tokens, token{typ: tokenIdent, text: sql[i:end]})
			i = end

		case c >= '0' && c <= '9':
			end := scanNumber(sql, i)
			result.tokens = append(result.tokens, token{typ: tokenNumber, text: sql[i:end]})
			i = end

		default:
			result.tokens = append(result.tokens, token{typ: tokenOther, text: string(c)})
			i++
		}
	}

	return result
}

// scanString consumes a single-quoted string starting at i. Both '' and \'
// escapes are honored. Returns the index past the closing quote and whether
// the string terminated.
func scanString(sql string, i int) (int, bool) {
	n := len(sql)
	j := i + 1

	for j < n {
		switch sql[j] {
		case '\\':
			j += 2
		case '\'':
			if j+1 < n && sql[j+1] == '\'' {
				j += 2

				continue
			}

			return j + 1, true
		default:
			j++
		}
	}

	return n, false
}

// scanQuotedIdent consumes a double-quoted identifier with "" escapes.
func scanQuotedIdent(sql string, i int) (int, bool) {
	n := len(sql)
	j := i + 1

	for j < n {
		if sql[j] == '"' {
			if j+1 < n && sql[j+1] == '"' {
				j += 2

				continue
			}

			return j + 1, true
		}

		j++
	}

	return n, false
}

// scanDollarQuoted consumes a $$-quoted body. Semicolons inside the body do
// not split statements because the whole body is one token.
func scanDollarQuoted(sql string, i int) (int, bool) {
	end := strings.Index(sql[i+2:], "$$")
	if end < 0 {
		return len(sql), false
	}

	return i + 2 + end + 2, true
}

func scanLineComment(sql string, i int) int {
	end := strings.IndexByte(sql[i:], '\n')
	if end < 0 {
		return len(sql)
	}

	return i + end + 1
}

func scanBlockComment(sql string, i int) (int, bool) {
	end := strings.Index(sql[i+2:], "*/")
	if end < 0 {
		return len(sql), false
	}

	return i + 2 + end + 2, true
}

func scanIdent(sql string, i int) int {
	j := i
	for j < len(sql) && isIdentPart(sql[j]) {
		j++
	}

	return j
}

func scanNumber(sql string, i int) int {
	j := i
	for j < len(sql) && (sql[j] >= '0' && sql[j] <= '9' || sql[j] == '.') {
		j++
	}

	return j
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '$'
}
