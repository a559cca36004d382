package taxonomy

import (
	"context"
	"errors"
	"net"
	"strings"

	sf "github.com/snowflakedb/gosnowflake"
)

// Snowflake error number ranges and SQLSTATE classes used by the classifier.
// Server-side authentication failures cluster in 390100-390199; client-side
// driver errors cluster in 260000-269999.
const (
	snowflakeAuthNumberLow    = 390100
	snowflakeAuthNumberHigh   = 390199
	snowflakeClientNumberLow  = 260000
	snowflakeClientNumberHigh = 269999
	sqlStateClassConnection   = "08"
	sqlStateAuthFailed        = "28000"
	sqlStateInsufficientPriv  = "42501"
	sqlStateQueryCanceled     = "57014"
	sqlStateNoWarehouse       = "57P03"
	sqlStateObjectMissing     = "42S02"
	sqlStateNoData            = "02000"
	sqlStateSyntax            = "42000"
)

// Classify converts an arbitrary error into a categorized *Error.
//
// Precedence: already-classified errors pass through unchanged; context
// deadline and cancellation map to Timeout; Snowflake backend errors are
// classified by SQLSTATE and error number; network errors map to Connection;
// finally a message-substring table catches errors that arrive as plain
// strings. Anything left is Unknown.
//
// The returned error wraps err, carries the raw message, and is pre-populated
// with the category's fixed suggestions.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	category, message := categorize(err)

	return New(category, message).
		WithCause(err).
		WithSuggestions(SuggestionsFor(category)...)
}

// CategoryOf returns the category err would classify into.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Category
	}

	category, _ := categorize(err)

	return category
}

func categorize(err error) (Category, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, "operation timed out"
	}

	if errors.Is(err, context.Canceled) {
		return CategoryTimeout, "operation canceled before completion"
	}

	var snowErr *sf.SnowflakeError
	if errors.As(err, &snowErr) {
		return classifySnowflake(snowErr), strings.TrimSpace(snowErr.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryConnection, err.Error()
	}

	return classifyMessage(err.Error()), err.Error()
}

// classifySnowflake maps a backend error to a category by SQLSTATE class
// first and error number second.
func classifySnowflake(err *sf.SnowflakeError) Category {
	switch {
	case strings.HasPrefix(err.SQLState, sqlStateClassConnection):
		return CategoryConnection
	case err.SQLState == sqlStateAuthFailed:
		return CategoryAuthentication
	case err.SQLState == sqlStateInsufficientPriv:
		return CategoryPermission
	case err.SQLState == sqlStateQueryCanceled:
		return CategoryTimeout
	case err.SQLState == sqlStateNoWarehouse:
		return CategoryConfiguration
	case err.SQLState == sqlStateObjectMissing, err.SQLState == sqlStateNoData:
		return CategoryNotFound
	}

	switch {
	case err.Number >= snowflakeAuthNumberLow && err.Number <= snowflakeAuthNumberHigh:
		return CategoryAuthentication
	case err.Number >= snowflakeClientNumberLow && err.Number <= snowflakeClientNumberHigh:
		// Driver-side errors: DSN construction, key parsing, transport
		// setup. Fall back to the message table for the exact flavor.
		return classifyMessage(err.Message)
	}

	if err.SQLState == sqlStateSyntax {
		return classifySyntax(err.Message)
	}

	return classifyMessage(err.Message)
}

// classifySyntax separates "object does not exist" compilation failures from
// genuine syntax errors, which surface as invalid arguments.
func classifySyntax(message string) Category {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "does not exist") {
		return CategoryNotFound
	}

	return CategoryInvalidArguments
}

// classifyMessage is the last-resort substring table. Order matters: the
// combined "does not exist or not authorized" phrase must win over the bare
// "not authorized" permission check.
func classifyMessage(message string) Category {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "does not exist or not authorized"):
		return CategoryNotFound
	case strings.Contains(lower, "insufficient privileges"),
		strings.Contains(lower, "not authorized"):
		return CategoryPermission
	case strings.Contains(lower, "incorrect username or password"),
		strings.Contains(lower, "account is locked"),
		strings.Contains(lower, "jwt"),
		strings.Contains(lower, "authentication"):
		return CategoryAuthentication
	case strings.Contains(lower, "no active warehouse"):
		return CategoryConfiguration
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"):
		return CategoryTimeout
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "failed to connect"),
		strings.Contains(lower, "could not connect"),
		strings.Contains(lower, "network error"):
		return CategoryConnection
	default:
		return CategoryUnknown
	}
}

// SuggestionsFor returns the fixed actionable suggestions for a category.
func SuggestionsFor(category Category) []string {
	switch category {
	case CategoryConnection:
		return []string{
			"Check network connectivity to your Snowflake account",
			"Verify the account identifier in the active profile (for example xy12345.eu-central-1)",
			"Check https://status.snowflake.com for ongoing incidents",
		}
	case CategoryAuthentication:
		return []string{
			"Verify user and authenticator settings with check_profile_config",
			"For keypair auth, confirm the private key matches the public key registered for the user",
		}
	case CategoryPermission:
		return []string{
			"Ask an account admin for the missing grant, for example GRANT USAGE ON DATABASE <db> TO ROLE <role>",
			"Switch to a role that holds the required privilege via the role override",
		}
	case CategoryTimeout:
		return []string{
			"Increase timeout_seconds (maximum 3600)",
			"Narrow the query with filters or a smaller date range",
			"Check warehouse sizing and queuing",
		}
	case CategoryConfiguration:
		return []string{
			"Set the missing option or fix the malformed value",
			"Run check_profile_config for a field-by-field diagnosis",
		}
	case CategoryProfile:
		return []string{
			"Run check_profile_config to list available profiles",
			"Set SNOWFLAKE_PROFILE to one of the available profile names",
		}
	case CategoryResource:
		return []string{
			"Run get_resource_status to see blocking issues",
			"Build the catalog with build_catalog if it is the missing dependency",
		}
	case CategorySQLSafety:
		return []string{
			"Use a read-only statement: SELECT, SHOW, DESCRIBE, EXPLAIN",
		}
	case CategoryNotFound:
		return []string{
			"Check the object name spelling against the candidates",
			"Rebuild the catalog if the object was created recently",
		}
	case CategoryAmbiguous:
		return []string{
			"Qualify the name with database and schema (db.schema.name)",
		}
	default:
		return nil
	}
}
