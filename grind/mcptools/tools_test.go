package mcptools_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Emyrk/grindview/grind"
	"github.com/Emyrk/grindview/grind/config"
	"github.com/Emyrk/grindview/grind/mcptools"
	"github.com/Emyrk/grindview/grind/tracecache"
	"github.com/Emyrk/grindview/grind/tracefs"
)

func newClient(t *testing.T) (*client.Client, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ProfilerDir = dir
	cfg.StorageDir = t.TempDir()

	data, err := os.ReadFile(filepath.Join("..", "callgrind", "testdata", "cachegrind.out.xdebug2"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cachegrind.out.xdebug2"), data, 0o600))

	store, err := tracefs.New(cfg.ProfilerDir, cfg.StorageDir, cfg.OutputPattern)
	require.NoError(t, err)
	svc, err := grind.NewService(cfg, store, tracecache.New(zerolog.Nop(), "test"), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	c, err := client.NewInProcessClient(mcptools.New(svc, zerolog.Nop()).Server("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(ctx))

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "grindview-test", Version: "0.0.0"}
	_, err = c.Initialize(ctx, initReq)
	require.NoError(t, err)
	return c, dir
}

func call(t *testing.T, c *client.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	content, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return content.Text
}

func TestListTools(t *testing.T) {
	c, _ := newClient(t)
	tools, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	require.ElementsMatch(t, []string{"list_traces", "function_list", "call_info", "function_graph", "clear_traces"}, names)
}

func TestTools(t *testing.T) {
	c, _ := newClient(t)

	res := call(t, c, "list_traces", nil)
	require.False(t, res.IsError)
	var traces []grind.TraceInfo
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &traces))
	require.Len(t, traces, 1)
	require.Equal(t, "cachegrind.out.xdebug2", traces[0].Filename)

	res = call(t, c, "function_list", map[string]any{"fraction": 1.0, "hide_internals": false})
	require.False(t, res.IsError, text(t, res))
	var list struct {
		DataFile  string `json:"dataFile"`
		Functions []struct {
			Name string `json:"functionName"`
		} `json:"functions"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &list))
	require.Equal(t, "cachegrind.out.xdebug2", list.DataFile)
	require.Len(t, list.Functions, 4)

	res = call(t, c, "call_info", map[string]any{"function_nr": 0})
	require.False(t, res.IsError, text(t, res))
	require.Contains(t, text(t, res), `"callerFunctionName": "Foo->bar"`)

	res = call(t, c, "function_graph", map[string]any{"file": "cachegrind.out.xdebug2"})
	require.False(t, res.IsError, text(t, res))
	require.Contains(t, text(t, res), `digraph "cachegrind.out.xdebug2"`)
}

func TestToolErrors(t *testing.T) {
	c, _ := newClient(t)

	testCases := []struct {
		Name string
		Tool string
		Args map[string]any
	}{
		{Name: "MissingOrdinal", Tool: "call_info", Args: map[string]any{}},
		{Name: "OrdinalOutOfRange", Tool: "call_info", Args: map[string]any{"function_nr": 42}},
		{Name: "MissingTrace", Tool: "function_list", Args: map[string]any{"file": "cachegrind.out.nope"}},
		{Name: "InvalidName", Tool: "function_graph", Args: map[string]any{"file": "../secret"}},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			res := call(t, c, testCase.Tool, testCase.Args)
			require.True(t, res.IsError)
		})
	}
}

func TestClearTraces(t *testing.T) {
	c, dir := newClient(t)

	res := call(t, c, "clear_traces", nil)
	require.False(t, res.IsError)
	require.JSONEq(t, `{"deleted":1}`, text(t, res))

	_, err := os.Stat(filepath.Join(dir, "cachegrind.out.xdebug2"))
	require.ErrorIs(t, err, os.ErrNotExist)

	res = call(t, c, "clear_traces", nil)
	require.JSONEq(t, `{"deleted":0,"noFilesFound":true}`, text(t, res))
}
