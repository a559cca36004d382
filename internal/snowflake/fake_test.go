package snowflake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

func TestFake_Run_MatchesScriptsInOrder(t *testing.T) {
	fake := NewFake().
		Script("CURRENT_VERSION", FakeResult([]string{"VERSION"}, []any{"9.1.0"}), nil).
		Script("SELECT", FakeResult([]string{"N"}, []any{int64(1)}), nil)

	result, err := fake.Run(context.Background(), "SELECT CURRENT_VERSION()")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"9.1.0"}}, result.Rows)

	result, err = fake.Run(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1)}}, result.Rows)
}

func TestFake_Run_UnmatchedStatementFails(t *testing.T) {
	fake := NewFake()

	_, err := fake.Run(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, taxonomy.CategoryUnknown, taxonomy.CategoryOf(err))
}

func TestFake_Run_DefaultResult(t *testing.T) {
	fake := NewFake().SetDefault(FakeResult([]string{"OK"}))

	result, err := fake.Run(context.Background(), "SELECT anything")
	require.NoError(t, err)
	assert.Equal(t, []string{"OK"}, result.Columns)
	assert.Empty(t, result.Rows)
}

func TestFake_Run_ScriptedError(t *testing.T) {
	fake := NewFake().Script("ORDERS", nil, taxonomy.New(taxonomy.CategoryPermission, "not authorized"))

	_, err := fake.Run(context.Background(), "SELECT * FROM orders")
	require.Error(t, err)
	assert.Equal(t, taxonomy.CategoryPermission, taxonomy.CategoryOf(err))
}

func TestFake_Run_DelayHonorsCancellation(t *testing.T) {
	fake := NewFake().ScriptSlow("SLOW_TABLE", time.Second, FakeResult([]string{"N"}), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()

	_, err := fake.Run(ctx, "SELECT * FROM slow_table")
	require.Error(t, err)
	assert.Equal(t, taxonomy.CategoryTimeout, taxonomy.CategoryOf(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestFake_Run_RowCapTruncates(t *testing.T) {
	fake := NewFake().Script("BIG", FakeResult([]string{"N"},
		[]any{int64(1)}, []any{int64(2)}, []any{int64(3)}), nil)

	result, err := fake.Run(context.Background(), "SELECT * FROM big", WithMaxRows(2))
	require.NoError(t, err)

	assert.Equal(t, 2, result.RowCount)
	assert.True(t, result.Truncated)
	assert.Len(t, result.Rows, 2)
}

func TestFake_Run_RecordsCalls(t *testing.T) {
	fake := NewFake().SetDefault(FakeResult([]string{"N"}))

	overrides := Overrides{Warehouse: "ETL_WH", Role: "LOADER"}

	_, err := fake.Run(context.Background(), "SELECT 1", WithOverrides(overrides), WithMaxRows(10))
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "SELECT 1", calls[0].Statement)
	assert.Equal(t, overrides, calls[0].Overrides)
	assert.Equal(t, 10, calls[0].MaxRows)

	assert.Equal(t, 1, fake.CallsMatching("select"))
	assert.Equal(t, 0, fake.CallsMatching("drop"))
}

func TestFake_Ping_DelayTimesOut(t *testing.T) {
	fake := NewFake()
	fake.SetPingDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := fake.Ping(ctx)
	require.Error(t, err)
	assert.Equal(t, taxonomy.CategoryTimeout, taxonomy.CategoryOf(err))
}

func TestFake_Ping_ScriptedError(t *testing.T) {
	fake := NewFake()
	fake.SetPingError(taxonomy.New(taxonomy.CategoryConnection, "unreachable"))

	err := fake.Ping(context.Background())
	assert.Equal(t, taxonomy.CategoryConnection, taxonomy.CategoryOf(err))
}

func TestFake_Close(t *testing.T) {
	fake := NewFake()

	require.NoError(t, fake.Close())
	assert.True(t, fake.Closed())
}

func TestFakeResult_CopiesAreIndependent(t *testing.T) {
	fake := NewFake().Script("SELECT", FakeResult([]string{"N"}, []any{int64(1)}), nil)

	first, err := fake.Run(context.Background(), "SELECT 1")
	require.NoError(t, err)

	first.Rows[0][0] = int64(99)

	second, err := fake.Run(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Rows[0][0])
}
