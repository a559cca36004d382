// Package taxonomy categorizes errors raised anywhere in the server into a
// stable set of categories with structured context.
//
// Raw errors from the Snowflake executor, the filesystem, or internal
// components are classified once at the tool boundary (see Classify) and
// travel as *Error values carrying the category, a human-readable message,
// diagnosis context, and fixed actionable suggestions. Each category maps to
// a stable numeric code for the JSON-RPC wire format.
//
// Categories and their transport codes:
//
//	configuration  -32001    connection  -32002    authentication -32003
//	profile        -32004    resource    -32005    sql_safety     -32010
//	invalid_args   -32011    timeout     -32012    not_found      -32013
//	unknown        -32603 (JSON-RPC internal error)
//
// Permission has no dedicated transport code; it shares -32003 and is
// distinguished by the category carried in the error data.
package taxonomy

import (
	"fmt"
)

// Category labels the kind of failure. Values are stable and appear verbatim
// in wire error data.
type Category string

// Error categories.
const (
	CategoryConnection       Category = "connection"
	CategoryAuthentication   Category = "authentication"
	CategoryPermission       Category = "permission"
	CategoryTimeout          Category = "timeout"
	CategoryConfiguration    Category = "configuration"
	CategoryProfile          Category = "profile"
	CategoryResource         Category = "resource"
	CategorySQLSafety        Category = "sql_safety"
	CategoryInvalidArguments Category = "invalid_arguments"
	CategoryNotFound         Category = "not_found"
	CategoryAmbiguous        Category = "ambiguous"
	CategoryUnknown          Category = "unknown"
)

// JSON-RPC error codes exposed on the wire.
const (
	CodeConfigurationError  = -32001
	CodeConnectionError     = -32002
	CodeAuthenticationError = -32003
	CodeProfileError        = -32004
	CodeResourceUnavailable = -32005
	CodeSQLSafetyDenied     = -32010
	CodeInvalidArguments    = -32011
	CodeTimeout             = -32012
	CodeNotFound            = -32013
	CodeInternalError       = -32603
	CodeMethodNotFound      = -32601
	CodeInvalidParams       = -32602
	CodeParseError          = -32700
	CodeInvalidRequest      = -32600
)

// WireCode returns the JSON-RPC error code for the category.
func (c Category) WireCode() int {
	switch c {
	case CategoryConfiguration:
		return CodeConfigurationError
	case CategoryConnection:
		return CodeConnectionError
	case CategoryAuthentication, CategoryPermission:
		return CodeAuthenticationError
	case CategoryProfile:
		return CodeProfileError
	case CategoryResource:
		return CodeResourceUnavailable
	case CategorySQLSafety:
		return CodeSQLSafetyDenied
	case CategoryInvalidArguments:
		return CodeInvalidArguments
	case CategoryTimeout:
		return CodeTimeout
	case CategoryNotFound, CategoryAmbiguous:
		return CodeNotFound
	default:
		return CodeInternalError
	}
}

// Retriable reports whether a higher layer may retry the failed operation.
// Connection failures are retried by the circuit breaker; timeouts may be
// retried by the caller with a larger budget. Everything else requires a
// change by the operator first.
func (c Category) Retriable() bool {
	return c == CategoryConnection || c == CategoryTimeout
}

// Context carries the structured diagnosis attached to a classified error.
type Context struct {
	Operation   string   `json:"operation,omitempty"`
	Object      string   `json:"object,omitempty"`
	Profile     string   `json:"profile,omitempty"`
	SQLPreview  string   `json:"sql_preview,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Error is a categorized error with structured context and optional extra
// wire data (alternatives, candidates, circuit state and the like).
type Error struct {
	Category Category
	Message  string
	Context  Context
	Data     map[string]any

	cause error
}

// sqlPreviewLimit bounds how much of a statement is echoed back in errors.
const sqlPreviewLimit = 120

// New creates a categorized error.
func New(category Category, message string) *Error {
	return &Error{Category: category, Message: message}
}

// Newf creates a categorized error with a formatted message.
func Newf(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Category) + ": " + e.Message
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause records the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err

	return e
}

// WithOperation records the operation that failed (tool or component name).
func (e *Error) WithOperation(operation string) *Error {
	e.Context.Operation = operation

	return e
}

// WithObject records the object the operation was addressing.
func (e *Error) WithObject(object string) *Error {
	e.Context.Object = object

	return e
}

// WithProfile records the active profile name.
func (e *Error) WithProfile(profile string) *Error {
	e.Context.Profile = profile

	return e
}

// WithSQLPreview records a truncated copy of the offending statement.
func (e *Error) WithSQLPreview(statement string) *Error {
	if len(statement) > sqlPreviewLimit {
		statement = statement[:sqlPreviewLimit] + "..."
	}

	e.Context.SQLPreview = statement

	return e
}

// WithSuggestions appends actionable suggestions.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Context.Suggestions = append(e.Context.Suggestions, suggestions...)

	return e
}

// WithData attaches an extra structured field for the wire envelope.
func (e *Error) WithData(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}

	e.Data[key] = value

	return e
}
