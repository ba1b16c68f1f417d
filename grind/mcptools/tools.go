// Package mcptools exposes the trace viewer's queries as MCP tools, so an
// assistant can browse traces the same way the web UI does.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/Emyrk/grindview/grind"
)

const (
	ServerName = "grindview"
	// HTTPPath is where the streamable HTTP transport is mounted.
	HTTPPath = "/mcp"
)

type Tools struct {
	svc    *grind.Service
	logger zerolog.Logger
}

func New(svc *grind.Service, logger zerolog.Logger) *Tools {
	return &Tools{
		svc:    svc,
		logger: logger.With().Str("component", "mcp").Logger(),
	}
}

// Server builds an MCP server with every tool registered.
func (t *Tools) Server(version string) *server.MCPServer {
	s := server.NewMCPServer(ServerName, version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	s.AddTool(mcp.NewTool("list_traces",
		mcp.WithDescription("List the Xdebug callgrind traces in the profiler directory, newest first."),
	), t.ListTraces)

	s.AddTool(mcp.NewTool("function_list",
		mcp.WithDescription("Show the most expensive functions of a trace, with the cost breakdown per function kind."),
		mcp.WithString("file",
			mcp.Description(`Trace file name. Empty or "0" selects the newest trace.`),
		),
		mcp.WithString("cost_format",
			mcp.Description("How costs are shown."),
			mcp.Enum("percent", "usec", "msec"),
		),
		mcp.WithNumber("fraction",
			mcp.Description("Share of the shown cost the listed functions must cover, between 0 and 1."),
		),
		mcp.WithBoolean("hide_internals",
			mcp.Description("Leave out built-in PHP functions."),
		),
	), t.FunctionList)

	s.AddTool(mcp.NewTool("call_info",
		mcp.WithDescription("Show who calls a function and which functions it calls."),
		mcp.WithNumber("function_nr",
			mcp.Required(),
			mcp.Description("Function number as returned by function_list."),
		),
		mcp.WithString("file",
			mcp.Description(`Trace file name. Empty or "0" selects the newest trace.`),
		),
		mcp.WithString("cost_format",
			mcp.Description("How costs are shown."),
			mcp.Enum("percent", "usec", "msec"),
		),
	), t.CallInfo)

	s.AddTool(mcp.NewTool("function_graph",
		mcp.WithDescription("Render the call graph of the most expensive functions as a Graphviz DOT document."),
		mcp.WithString("file",
			mcp.Description(`Trace file name. Empty or "0" selects the newest trace.`),
		),
		mcp.WithNumber("fraction",
			mcp.Description("Share of the shown cost the graphed functions must cover, between 0 and 1."),
		),
	), t.FunctionGraph)

	s.AddTool(mcp.NewTool("clear_traces",
		mcp.WithDescription("Delete every trace in the profiler directory along with its rendered graphs."),
	), t.ClearTraces)

	return s
}

// HTTPHandler serves s over the streamable HTTP transport. Mount it at
// HTTPPath.
func HTTPHandler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s, server.WithStateLess(true))
}

// ServeStdio serves s over stdin and stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func (t *Tools) result(tool string, v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		t.logger.Debug().Err(err).Str("tool", tool).Msg("tool failed")
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", tool, err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func optionalFloat(request mcp.CallToolRequest, key string) *float64 {
	v, ok := request.GetArguments()[key].(float64)
	if !ok {
		return nil
	}
	return &v
}

func optionalBool(request mcp.CallToolRequest, key string) *bool {
	v, ok := request.GetArguments()[key].(bool)
	if !ok {
		return nil
	}
	return &v
}

func (t *Tools) ListTraces(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	traces, err := t.svc.ListTraces(ctx)
	return t.result("list_traces", traces, err)
}

func (t *Tools) FunctionList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := t.svc.FunctionList(ctx, grind.FunctionListRequest{
		File:          request.GetString("file", grind.NewestTrace),
		CostFormat:    request.GetString("cost_format", ""),
		Fraction:      optionalFloat(request, "fraction"),
		HideInternals: optionalBool(request, "hide_internals"),
	})
	return t.result("function_list", list, err)
}

func (t *Tools) CallInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nr, err := request.RequireFloat("function_nr")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	info, err := t.svc.CallInfo(ctx, grind.CallInfoRequest{
		File:       request.GetString("file", grind.NewestTrace),
		CostFormat: request.GetString("cost_format", ""),
		Ordinal:    int(nr),
	})
	return t.result("call_info", info, err)
}

func (t *Tools) FunctionGraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	src, err := t.svc.Graph(ctx, grind.GraphRequest{
		File:     request.GetString("file", grind.NewestTrace),
		Fraction: optionalFloat(request, "fraction"),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(src)), nil
}

func (t *Tools) ClearTraces(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := t.svc.ClearTraces(ctx)
	return t.result("clear_traces", res, err)
}
