package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowlens-io/snowlens/internal/snowflake"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wireResponse mirrors the response shape with raw members so tests can
// decode results and errors independently.
type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	} `json:"error"`
}

// contentEnvelope is the MCP tool result shape.
type contentEnvelope struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// runServer feeds the request lines through a server over in-memory streams
// and returns the responses keyed by request id.
func runServer(t *testing.T, registry *Registry, requests ...string) map[string]wireResponse {
	t.Helper()

	var out bytes.Buffer

	srv := NewServer(Config{
		Registry: registry,
		Logger:   discardLogger(),
		In:       strings.NewReader(strings.Join(requests, "\n") + "\n"),
		Out:      &out,
		Name:     "snowlens-test",
		Version:  "0.0.1",
	})

	require.NoError(t, srv.Run(context.Background()))

	responses := make(map[string]wireResponse)

	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}

		var resp wireResponse
		require.NoError(t, json.Unmarshal([]byte(line), &resp), "malformed response line %q", line)

		responses[string(resp.ID)] = resp
	}

	return responses
}

func decodeContent(t *testing.T, resp wireResponse) string {
	t.Helper()

	require.Nil(t, resp.Error, "expected a result, got error %v", resp.Error)

	var envelope contentEnvelope
	require.NoError(t, json.Unmarshal(resp.Result, &envelope))
	require.Len(t, envelope.Content, 1)
	assert.Equal(t, "text", envelope.Content[0].Type)

	return envelope.Content[0].Text
}

func TestServer_Initialize(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	responses := runServer(t, r,
		`{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": {"protocolVersion": "2024-11-05"}}`)

	resp, ok := responses["1"]
	require.True(t, ok)
	require.Nil(t, resp.Error)

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
		Capabilities map[string]any `json:"capabilities"`
	}

	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.Equal(t, "snowlens-test", result.ServerInfo.Name)
	assert.Equal(t, "0.0.1", result.ServerInfo.Version)
	assert.Contains(t, result.Capabilities, "tools")
}

func TestServer_Ping(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	responses := runServer(t, r, `{"jsonrpc": "2.0", "id": 1, "method": "ping"}`)

	resp, ok := responses["1"]
	require.True(t, ok)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result))
}

func TestServer_ToolsList(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	responses := runServer(t, r, `{"jsonrpc": "2.0", "id": 1, "method": "tools/list"}`)

	resp, ok := responses["1"]
	require.True(t, ok)
	require.Nil(t, resp.Error)

	var result struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}

	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 11)
	assert.Equal(t, "execute_query", result.Tools[0].Name)

	for _, tool := range result.Tools {
		assert.NotEmpty(t, tool.Description, "tool %s has no description", tool.Name)
		assert.NotEmpty(t, tool.InputSchema, "tool %s has no schema", tool.Name)
	}
}

func TestServer_ToolsCall_ContentEnvelope(t *testing.T) {
	fake := snowflake.NewFake().Script("FROM ORDERS",
		snowflake.FakeResult([]string{"ID"}, []any{int64(1)}, []any{int64(2)}), nil)

	r := newTestRegistry(t, fake, t.TempDir())

	responses := runServer(t, r,
		`{"jsonrpc": "2.0", "id": 1, "method": "tools/call", "params": {"name": "execute_query", "arguments": {"statement": "SELECT id FROM orders"}}}`)

	text := decodeContent(t, responses["1"])

	var payload struct {
		Columns  []string `json:"columns"`
		RowCount int      `json:"row_count"`
	}

	require.NoError(t, json.Unmarshal([]byte(text), &payload))
	assert.Equal(t, []string{"ID"}, payload.Columns)
	assert.Equal(t, 2, payload.RowCount)
}

func TestServer_ToolsCall_TextResultPassesVerbatim(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), writeChainCatalog(t))

	responses := runServer(t, r,
		`{"jsonrpc": "2.0", "id": 1, "method": "tools/call", "params": {"name": "query_lineage", "arguments": {"object_name": "REV_REPORT"}}}`)

	text := decodeContent(t, responses["1"])
	assert.Contains(t, text, "Lineage for ANALYTICS.PUBLIC.REV_REPORT")
	assert.False(t, json.Valid([]byte(text)), "rendered text is not a JSON document")
}

func TestServer_ToolsCall_SafetyDenialCode(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	responses := runServer(t, r,
		`{"jsonrpc": "2.0", "id": 1, "method": "tools/call", "params": {"name": "execute_query", "arguments": {"statement": "DROP TABLE orders"}}}`)

	resp := responses["1"]
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32010, resp.Error.Code)
	assert.Equal(t, "sql_safety", resp.Error.Data["category"])
	assert.Equal(t, "ddl", resp.Error.Data["reason"])
	assert.Contains(t, resp.Error.Data["alternatives"], "CREATE OR REPLACE")

	// Non-verbose errors omit the diagnosis context.
	assert.NotContains(t, resp.Error.Data, "sql_preview")
	assert.NotContains(t, resp.Error.Data, "operation")
}

func TestServer_ToolsCall_VerboseErrors(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	responses := runServer(t, r,
		`{"jsonrpc": "2.0", "id": 1, "method": "tools/call", "params": {"name": "execute_query", "arguments": {"statement": "DROP TABLE orders", "verbose_errors": true}}}`)

	resp := responses["1"]
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32010, resp.Error.Code)
	assert.Equal(t, "execute_query", resp.Error.Data["operation"])
	assert.Equal(t, "dev", resp.Error.Data["profile"])
	assert.Equal(t, "DROP TABLE orders", resp.Error.Data["sql_preview"])
}

func TestServer_ToolsCall_GatedToolBlocked(t *testing.T) {
	fake := snowflake.NewFake()
	r := newTestRegistry(t, fake, t.TempDir())

	responses := runServer(t, r,
		`{"jsonrpc": "2.0", "id": 1, "method": "tools/call", "params": {"name": "query_lineage", "arguments": {"object_name": "ORDERS"}}}`)

	resp := responses["1"]
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32005, resp.Error.Code)
	assert.Equal(t, "resource", resp.Error.Data["category"])
	assert.Contains(t, resp.Error.Data["missing_dependencies"], "catalog")
	assert.Empty(t, fake.Calls())
}

func TestServer_ToolsCall_UnknownTool(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	responses := runServer(t, r,
		`{"jsonrpc": "2.0", "id": 1, "method": "tools/call", "params": {"name": "drop_everything", "arguments": {}}}`)

	resp := responses["1"]
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
	assert.Equal(t, `Unknown tool "drop_everything"`, resp.Error.Message)

	available, ok := resp.Error.Data["available"].([]any)
	require.True(t, ok)
	assert.Len(t, available, 11)
}

func TestServer_ToolsCall_MissingToolName(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	responses := runServer(t, r,
		`{"jsonrpc": "2.0", "id": 1, "method": "tools/call", "params": {}}`,
		`{"jsonrpc": "2.0", "id": 2, "method": "tools/call"}`)

	for _, id := range []string{"1", "2"} {
		resp := responses[id]
		require.NotNil(t, resp.Error, "request %s", id)
		assert.Equal(t, -32602, resp.Error.Code)
		assert.Equal(t, "Invalid params: missing tool name", resp.Error.Message)
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	responses := runServer(t, r, `{"jsonrpc": "2.0", "id": 1, "method": "resources/list"}`)

	resp := responses["1"]
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
	assert.Equal(t, "Method not found: resources/list", resp.Error.Message)
}

func TestServer_ParseError(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	responses := runServer(t, r, `{"jsonrpc": "2.0", "id": 1,`)

	resp, ok := responses["null"]
	require.True(t, ok, "parse errors answer with a null id")
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
	assert.Equal(t, "Parse error", resp.Error.Message)
}

func TestServer_InvalidRequest(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	responses := runServer(t, r, `{"jsonrpc": "1.0", "id": 1, "method": "ping"}`)

	resp := responses["1"]
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}

func TestServer_NotificationsProduceNoResponse(t *testing.T) {
	r := newTestRegistry(t, snowflake.NewFake(), t.TempDir())

	responses := runServer(t, r,
		`{"jsonrpc": "2.0", "method": "notifications/initialized"}`,
		`{"jsonrpc": "2.0", "id": 2, "method": "ping"}`)

	require.Len(t, responses, 1, "only the ping answers")
	_, ok := responses["2"]
	assert.True(t, ok)
}

func TestServer_ConcurrentCallsMatchedByID(t *testing.T) {
	fake := snowflake.NewFake().
		ScriptSlow("SLOW_T", 40*time.Millisecond,
			snowflake.FakeResult([]string{"A"}, []any{int64(1)}), nil).
		Script("FAST_T",
			snowflake.FakeResult([]string{"B"}, []any{int64(2)}), nil)

	r := newTestRegistry(t, fake, t.TempDir())

	responses := runServer(t, r,
		`{"jsonrpc": "2.0", "id": 1, "method": "tools/call", "params": {"name": "execute_query", "arguments": {"statement": "SELECT * FROM slow_t"}}}`,
		`{"jsonrpc": "2.0", "id": 2, "method": "tools/call", "params": {"name": "execute_query", "arguments": {"statement": "SELECT * FROM fast_t"}}}`)

	require.Len(t, responses, 2)

	var slow struct {
		Columns []string `json:"columns"`
	}

	require.NoError(t, json.Unmarshal([]byte(decodeContent(t, responses["1"])), &slow))
	assert.Equal(t, []string{"A"}, slow.Columns)

	var fast struct {
		Columns []string `json:"columns"`
	}

	require.NoError(t, json.Unmarshal([]byte(decodeContent(t, responses["2"])), &fast))
	assert.Equal(t, []string{"B"}, fast.Columns)
}

func TestServer_Run_ReturnsNilOnCleanEOF(t *testing.T) {
	srv := NewServer(Config{
		Registry: newTestRegistry(t, snowflake.NewFake(), t.TempDir()),
		Logger:   discardLogger(),
		In:       strings.NewReader(""),
		Out:      &bytes.Buffer{},
	})

	assert.NoError(t, srv.Run(context.Background()))
}

func TestServer_Run_StopsOnContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() {
		_ = pw.Close()
		_ = pr.Close()
	})

	srv := NewServer(Config{
		Registry:     newTestRegistry(t, snowflake.NewFake(), t.TempDir()),
		Logger:       discardLogger(),
		In:           pr,
		Out:          &bytes.Buffer{},
		DrainTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)

	go func() { errCh <- srv.Run(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after cancellation")
	}
}

func TestToolResult_Envelope(t *testing.T) {
	result, rpcErr := toolResult(map[string]int{"rows": 3})
	require.Nil(t, rpcErr)

	envelope, ok := result.(map[string]any)
	require.True(t, ok)

	content, ok := envelope["content"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	assert.Equal(t, "text", content[0]["type"])
	assert.JSONEq(t, `{"rows": 3}`, content[0]["text"].(string))
}

func TestToolResult_StringPassesVerbatim(t *testing.T) {
	result, rpcErr := toolResult("digraph dependencies {\n}\n")
	require.Nil(t, rpcErr)

	envelope := result.(map[string]any)
	content := envelope["content"].([]map[string]any)
	assert.Equal(t, "digraph dependencies {\n}\n", content[0]["text"])
}
