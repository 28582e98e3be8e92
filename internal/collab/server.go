package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type ctxKey int

const callerKey ctxKey = iota

// CallerHeader is the fallback identity header for clients that cannot set
// query parameters on the MCP endpoint URL.
const CallerHeader = "X-Agent-Worker-Agent"

// WithCaller stashes the caller agent name in the context.
func WithCaller(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, callerKey, agent)
}

// CallerFromContext returns the caller agent name, or "".
func CallerFromContext(ctx context.Context) string {
	agent, _ := ctx.Value(callerKey).(string)
	return agent
}

// Mount is the HTTP-facing MCP surface for one workspace.
type Mount struct {
	Registry *Registry
	Handler  http.Handler
	server   *server.MCPServer
}

// NewMount wraps a registry in a streamable HTTP MCP server. Caller identity
// comes from the `agent` query parameter (the URL handed to each backend
// already carries it) or the X-Agent-Worker-Agent header.
func NewMount(reg *Registry, version string) *Mount {
	s := server.NewMCPServer("agent-worker", version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	for _, spec := range reg.Specs() {
		s.AddTool(toMCPTool(spec), toolHandler(reg, spec))
	}
	httpServer := server.NewStreamableHTTPServer(s,
		server.WithHTTPContextFunc(bindCaller),
	)
	return &Mount{Registry: reg, Handler: httpServer, server: s}
}

func bindCaller(ctx context.Context, r *http.Request) context.Context {
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		agent = r.Header.Get(CallerHeader)
	}
	return WithCaller(ctx, agent)
}

func toMCPTool(spec ToolSpec) mcp.Tool {
	raw, err := json.Marshal(spec.Schema)
	if err != nil {
		raw = []byte(`{"type":"object"}`)
	}
	return mcp.NewToolWithRawSchema(spec.Name, spec.Description, raw)
}

func toolHandler(reg *Registry, spec ToolSpec) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller := CallerFromContext(ctx)
		if caller == "" {
			return mcp.NewToolResultError("missing caller identity: connect with ?agent=<name>"), nil
		}
		out, err := reg.Dispatch(ctx, spec.Name, Call{Caller: caller, Args: req.GetArguments()})
		if err != nil {
			slog.Debug("collab.tool.error", "tool", spec.Name, "agent", caller, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}
