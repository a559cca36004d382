package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowlens-io/snowlens/internal/breaker"
	"github.com/snowlens-io/snowlens/internal/snowflake"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

func newTestService(fake *snowflake.Fake, maxRows int) *Service {
	return NewService(Config{
		Breaker:       breaker.New(breaker.Config{Name: "dev", FailureThreshold: 2, RecoveryTimeout: time.Minute}),
		Executor:      fake,
		Profile:       "dev",
		MaxResultRows: maxRows,
	})
}

func classifiedError(t *testing.T, err error) *taxonomy.Error {
	t.Helper()

	var classified *taxonomy.Error
	require.ErrorAs(t, err, &classified)

	return classified
}

func TestService_Execute_ReturnsRows(t *testing.T) {
	fake := snowflake.NewFake().Script("FROM ORDERS",
		snowflake.FakeResult([]string{"ID", "AMOUNT"},
			[]any{int64(1), 10.5},
			[]any{int64(2), 20.0},
		), nil)

	svc := newTestService(fake, 100)

	resp, err := svc.Execute(context.Background(), Request{Statement: "SELECT id, amount FROM orders"})
	require.NoError(t, err)

	assert.Equal(t, []string{"ID", "AMOUNT"}, resp.Columns)
	assert.Equal(t, 2, resp.RowCount)
	assert.Len(t, resp.Rows, 2)
	assert.GreaterOrEqual(t, resp.ElapsedMS, int64(0))
	assert.False(t, resp.Truncated)
}

func TestService_Execute_EmptyStatement(t *testing.T) {
	svc := newTestService(snowflake.NewFake(), 100)

	tests := []string{"", "   ", "\n\t"}

	for _, statement := range tests {
		_, err := svc.Execute(context.Background(), Request{Statement: statement})

		classified := classifiedError(t, err)
		assert.Equal(t, taxonomy.CategoryInvalidArguments, classified.Category)
		assert.Equal(t, "statement", classified.Data["path"])
	}
}

func TestService_Execute_DropDeniedWithAlternatives(t *testing.T) {
	fake := snowflake.NewFake()
	svc := newTestService(fake, 100)

	_, err := svc.Execute(context.Background(), Request{Statement: "DROP TABLE analytics.public.orders"})

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategorySQLSafety, classified.Category)
	assert.Equal(t, taxonomy.CodeSQLSafetyDenied, classified.Category.WireCode())

	alternatives, ok := classified.Data["alternatives"].([]string)
	require.True(t, ok)
	assert.Contains(t, alternatives, "CREATE OR REPLACE")

	// Denied statements never reach the backend.
	assert.Empty(t, fake.Calls())
}

func TestService_Execute_StackedStatementsDenied(t *testing.T) {
	fake := snowflake.NewFake()
	svc := newTestService(fake, 100)

	_, err := svc.Execute(context.Background(), Request{Statement: "SELECT 1; DROP TABLE x"})

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategorySQLSafety, classified.Category)
	assert.Equal(t, "multi", classified.Data["reason"])
	assert.Empty(t, fake.Calls())
}

func TestService_Execute_TimeoutCancelsStatement(t *testing.T) {
	fake := snowflake.NewFake().ScriptSlow("SLOW_TABLE", time.Second, snowflake.FakeResult([]string{"N"}), nil)
	svc := newTestService(fake, 100)

	start := time.Now()

	resp, err := svc.Execute(context.Background(), Request{
		Statement: "SELECT * FROM slow_table",
		Timeout:   30 * time.Millisecond,
	})

	require.Error(t, err)
	assert.Nil(t, resp, "partial results are discarded on timeout")
	assert.Equal(t, taxonomy.CategoryTimeout, taxonomy.CategoryOf(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestService_Execute_TimeoutAboveMaximum(t *testing.T) {
	svc := newTestService(snowflake.NewFake(), 100)

	_, err := svc.Execute(context.Background(), Request{
		Statement: "SELECT 1",
		Timeout:   3601 * time.Second,
	})

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategoryInvalidArguments, classified.Category)
	assert.Equal(t, "timeout_seconds", classified.Data["path"])
}

func TestService_Execute_CircuitOpensAfterConnectionFailures(t *testing.T) {
	fake := snowflake.NewFake().Script("FROM ORDERS", nil,
		taxonomy.New(taxonomy.CategoryConnection, "backend unreachable"))
	svc := newTestService(fake, 100)

	for i := 0; i < 2; i++ {
		_, err := svc.Execute(context.Background(), Request{Statement: "SELECT * FROM orders"})
		require.Error(t, err)
	}

	require.Len(t, fake.Calls(), 2)

	_, err := svc.Execute(context.Background(), Request{Statement: "SELECT * FROM orders"})

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategoryConnection, classified.Category)
	assert.Equal(t, "open", classified.Data["circuit_state"])

	// The open circuit short-circuits before the executor.
	assert.Len(t, fake.Calls(), 2)
}

func TestService_Execute_OverridesReachExecutor(t *testing.T) {
	fake := snowflake.NewFake().SetDefault(snowflake.FakeResult([]string{"N"}))
	svc := newTestService(fake, 100)

	overrides := snowflake.Overrides{Warehouse: "ETL_WH", Database: "RAW", Role: "LOADER"}

	_, err := svc.Execute(context.Background(), Request{Statement: "SELECT 1", Overrides: overrides})
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, overrides, calls[0].Overrides)
}

func TestService_Execute_RowCapTruncates(t *testing.T) {
	fake := snowflake.NewFake().Script("FROM BIG",
		snowflake.FakeResult([]string{"N"}, []any{int64(1)}, []any{int64(2)}, []any{int64(3)}), nil)
	svc := newTestService(fake, 2)

	resp, err := svc.Execute(context.Background(), Request{Statement: "SELECT * FROM big"})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.RowCount)
	assert.True(t, resp.Truncated)
}

func TestService_Preview_BuildsBoundedSelect(t *testing.T) {
	fake := snowflake.NewFake().SetDefault(snowflake.FakeResult([]string{"ID"}))
	svc := newTestService(fake, 100)

	_, err := svc.Preview(context.Background(), "analytics.public.orders", 5, snowflake.Overrides{})
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, `SELECT * FROM "ANALYTICS"."PUBLIC"."ORDERS" LIMIT 5`, calls[0].Statement)
}

func TestService_Preview_DefaultLimit(t *testing.T) {
	fake := snowflake.NewFake().SetDefault(snowflake.FakeResult([]string{"ID"}))
	svc := newTestService(fake, 100)

	_, err := svc.Preview(context.Background(), "orders", 0, snowflake.Overrides{})
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, `SELECT * FROM "ORDERS" LIMIT 100`, calls[0].Statement)
}

func TestService_Preview_LimitBounds(t *testing.T) {
	fake := snowflake.NewFake()
	svc := newTestService(fake, 100)

	tests := []struct {
		name  string
		limit int
	}{
		{name: "above maximum", limit: 1001},
		{name: "negative", limit: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Preview(context.Background(), "orders", tt.limit, snowflake.Overrides{})

			classified := classifiedError(t, err)
			assert.Equal(t, taxonomy.CategoryInvalidArguments, classified.Category)
			assert.Equal(t, "limit", classified.Data["path"])
		})
	}

	assert.Empty(t, fake.Calls())
}

func TestService_Preview_MalformedName(t *testing.T) {
	svc := newTestService(snowflake.NewFake(), 100)

	_, err := svc.Preview(context.Background(), "a.b.c.d", 10, snowflake.Overrides{})

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategoryInvalidArguments, classified.Category)
	assert.Equal(t, "table_name", classified.Data["path"])
}

func TestService_Preview_QuotedIdentifiersPreserved(t *testing.T) {
	fake := snowflake.NewFake().SetDefault(snowflake.FakeResult([]string{"ID"}))
	svc := newTestService(fake, 100)

	_, err := svc.Preview(context.Background(), `reporting."Daily.Rollup"`, 10, snowflake.Overrides{})
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, `SELECT * FROM "REPORTING"."Daily.Rollup" LIMIT 10`, calls[0].Statement)
}

func TestService_TestConnection_ReportsSession(t *testing.T) {
	fake := snowflake.NewFake().Script("CURRENT_ACCOUNT",
		snowflake.FakeResult(
			[]string{"CURRENT_ACCOUNT()", "CURRENT_WAREHOUSE()", "CURRENT_DATABASE()", "CURRENT_ROLE()", "CURRENT_VERSION()"},
			[]any{"MYORG-PROD", "REPORTING_WH", nil, "REPORTER", "9.1.0"},
		), nil)

	svc := newTestService(fake, 100)

	info, err := svc.TestConnection(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "connected", info.Status)
	assert.Equal(t, "dev", info.Profile)
	assert.Equal(t, "MYORG-PROD", info.Account)
	assert.Equal(t, "REPORTING_WH", info.Warehouse)
	assert.Empty(t, info.Database, "NULL session database renders empty")
	assert.Equal(t, "REPORTER", info.Role)
	assert.Equal(t, "9.1.0", info.SnowflakeVersion)
	assert.GreaterOrEqual(t, info.ResponseTimeMS, int64(0))
}

func TestService_TestConnection_ClassifiesFailure(t *testing.T) {
	fake := snowflake.NewFake().Script("CURRENT_ACCOUNT", nil,
		taxonomy.New(taxonomy.CategoryAuthentication, "credential rejected"))

	svc := newTestService(fake, 100)

	_, err := svc.TestConnection(context.Background())

	classified := classifiedError(t, err)
	assert.Equal(t, taxonomy.CategoryAuthentication, classified.Category)
	assert.Equal(t, "test_connection", classified.Context.Operation)
}
