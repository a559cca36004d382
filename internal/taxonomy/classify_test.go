package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	sf "github.com/snowflakedb/gosnowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_NilError(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestClassify_PassesThroughClassifiedError(t *testing.T) {
	original := New(CategoryProfile, "profile missing")

	wrapped := fmt.Errorf("loading config: %w", original)
	got := Classify(wrapped)

	assert.Same(t, original, got)
}

func TestClassify_ContextErrors(t *testing.T) {
	deadline := Classify(context.DeadlineExceeded)
	assert.Equal(t, CategoryTimeout, deadline.Category)

	canceled := Classify(fmt.Errorf("running query: %w", context.Canceled))
	assert.Equal(t, CategoryTimeout, canceled.Category)
}

func TestClassify_SnowflakeErrors(t *testing.T) {
	tests := []struct {
		name string
		err  *sf.SnowflakeError
		want Category
	}{
		{
			name: "connection sqlstate class 08",
			err:  &sf.SnowflakeError{Number: 261008, SQLState: "08001", Message: "failed to connect"},
			want: CategoryConnection,
		},
		{
			name: "authentication sqlstate",
			err:  &sf.SnowflakeError{Number: 390100, SQLState: "28000", Message: "Incorrect username or password was specified."},
			want: CategoryAuthentication,
		},
		{
			name: "authentication by number range",
			err:  &sf.SnowflakeError{Number: 390144, SQLState: "", Message: "JWT token is invalid."},
			want: CategoryAuthentication,
		},
		{
			name: "insufficient privileges",
			err:  &sf.SnowflakeError{Number: 3001, SQLState: "42501", Message: "Insufficient privileges to operate on schema 'PUBLIC'"},
			want: CategoryPermission,
		},
		{
			name: "statement canceled",
			err:  &sf.SnowflakeError{Number: 604, SQLState: "57014", Message: "Query execution was canceled."},
			want: CategoryTimeout,
		},
		{
			name: "no active warehouse",
			err:  &sf.SnowflakeError{Number: 606, SQLState: "57P03", Message: "No active warehouse selected in the current session."},
			want: CategoryConfiguration,
		},
		{
			name: "object missing",
			err:  &sf.SnowflakeError{Number: 2003, SQLState: "42S02", Message: "SQL compilation error: Object 'ORDERS' does not exist or not authorized."},
			want: CategoryNotFound,
		},
		{
			name: "compilation syntax error",
			err:  &sf.SnowflakeError{Number: 1003, SQLState: "42000", Message: "SQL compilation error: syntax error line 1 at position 7"},
			want: CategoryInvalidArguments,
		},
		{
			name: "compilation object does not exist",
			err:  &sf.SnowflakeError{Number: 2043, SQLState: "42000", Message: "SQL compilation error: Database 'NOPE' does not exist"},
			want: CategoryNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)

			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Category)
			assert.ErrorIs(t, got, error(tt.err))
		})
	}
}

func TestClassify_NetError(t *testing.T) {
	err := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	got := Classify(err)

	assert.Equal(t, CategoryConnection, got.Category)
}

func TestClassify_MessageTable(t *testing.T) {
	tests := []struct {
		message string
		want    Category
	}{
		{"Object 'X' does not exist or not authorized.", CategoryNotFound},
		{"User is not authorized to perform this action", CategoryPermission},
		{"Insufficient privileges to operate on table", CategoryPermission},
		{"Incorrect username or password was specified.", CategoryAuthentication},
		{"The account is locked after too many attempts", CategoryAuthentication},
		{"No active warehouse selected", CategoryConfiguration},
		{"statement reached its statement or warehouse timeout", CategoryTimeout},
		{"dial tcp: no such host", CategoryConnection},
		{"something entirely unexpected", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(errors.New(tt.message)).Category)
		})
	}
}

func TestClassify_AttachesSuggestions(t *testing.T) {
	got := Classify(errors.New("Incorrect username or password was specified."))

	require.Equal(t, CategoryAuthentication, got.Category)
	assert.NotEmpty(t, got.Context.Suggestions)
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryTimeout, CategoryOf(context.DeadlineExceeded))
	assert.Equal(t, CategoryProfile, CategoryOf(New(CategoryProfile, "x")))
	assert.Equal(t, CategoryUnknown, CategoryOf(errors.New("mystery")))
	assert.Equal(t, CategoryUnknown, CategoryOf(nil))
}

func TestCategory_WireCode(t *testing.T) {
	tests := []struct {
		category Category
		want     int
	}{
		{CategoryConfiguration, -32001},
		{CategoryConnection, -32002},
		{CategoryAuthentication, -32003},
		{CategoryPermission, -32003},
		{CategoryProfile, -32004},
		{CategoryResource, -32005},
		{CategorySQLSafety, -32010},
		{CategoryInvalidArguments, -32011},
		{CategoryTimeout, -32012},
		{CategoryNotFound, -32013},
		{CategoryAmbiguous, -32013},
		{CategoryUnknown, -32603},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.category.WireCode())
		})
	}
}

func TestCategory_Retriable(t *testing.T) {
	assert.True(t, CategoryConnection.Retriable())
	assert.True(t, CategoryTimeout.Retriable())
	assert.False(t, CategoryAuthentication.Retriable())
	assert.False(t, CategoryProfile.Retriable())
	assert.False(t, CategoryConfiguration.Retriable())
}

func TestError_Builders(t *testing.T) {
	cause := errors.New("underlying")

	err := Newf(CategoryNotFound, "object %q not found", "ORDERS").
		WithCause(cause).
		WithOperation("query_lineage").
		WithObject("ORDERS").
		WithProfile("prod").
		WithSQLPreview("SELECT * FROM ORDERS").
		WithSuggestions("check spelling").
		WithData("candidates", []string{"ANALYTICS.PUBLIC.ORDERS"})

	assert.Equal(t, `not_found: object "ORDERS" not found`, err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "query_lineage", err.Context.Operation)
	assert.Equal(t, "ORDERS", err.Context.Object)
	assert.Equal(t, "prod", err.Context.Profile)
	assert.Equal(t, "SELECT * FROM ORDERS", err.Context.SQLPreview)
	assert.Contains(t, err.Context.Suggestions, "check spelling")
	assert.Equal(t, []string{"ANALYTICS.PUBLIC.ORDERS"}, err.Data["candidates"])
}

func TestError_WithSQLPreview_Truncates(t *testing.T) {
	long := ""
	for i := 0; i < 20; i++ {
		long += "SELECT * FROM T UNION "
	}

	err := New(CategorySQLSafety, "denied").WithSQLPreview(long)

	assert.LessOrEqual(t, len(err.Context.SQLPreview), sqlPreviewLimit+len("..."))
	assert.Contains(t, err.Context.SQLPreview, "...")
}

func TestClassify_UnknownKeepsRawMessage(t *testing.T) {
	got := Classify(errors.New("something entirely unexpected"))

	assert.Equal(t, CategoryUnknown, got.Category)
	assert.Equal(t, "something entirely unexpected", got.Message)
}
