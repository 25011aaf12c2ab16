// Package toolserver is the tool-call wire-dispatch collaborator named
// in spec §6: one dispatch table of named tools, exposed over three
// transports (stdio, WebSocket, HTTP-SSE) that share it. Grounded on
// the teacher's internal/mcp server (tool registration via
// mcp.Server.AddTool, stdio transport via mcp.StdioTransport), kept
// thin per the spec's note that the wire-dispatch layer itself is out
// of scope: this package adapts the core's operations onto each
// transport, it does not reimplement them.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/kbindex/internal/analyzer"
	"github.com/standardbeagle/kbindex/internal/cache"
	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/graph"
	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/storage"
)

// Core is the set of in-process collaborators every tool dispatches
// against. The toolserver never constructs these itself; cmd/kbindex
// wires them the same way it wires the CLI surface, so CLI and serve
// share one storage/cache/graph/analyzer instance.
type Core struct {
	Backend  storage.Backend
	Cache    *cache.Cache
	Graph    *graph.Graph
	Analyzer *analyzer.Analyzer
}

// Handler executes one tool call given its decoded arguments and
// returns a JSON-marshalable result.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one dispatch-table entry, shared verbatim across transports:
// the stdio leg uses Schema to register with the MCP SDK; the
// WebSocket and SSE legs call Handler directly after their own JSON
// decoding.
type Tool struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	Handler     Handler
}

// Server holds the dispatch table and the per-transport listeners. The
// zero value is not usable; construct with NewServer.
type Server struct {
	core    *Core
	auth    *Authenticator
	limiter *RateLimiter

	mu    sync.RWMutex
	tools map[string]Tool

	mcpServer *mcp.Server
}

// NewServer builds a Server over core, registers the fixed tool set
// (read, write, list, search, delete, status), and wires authKeys as
// the closed set of accepted "kb_"-prefixed API keys (empty disables
// auth, e.g. for --local serving).
func NewServer(core *Core, authKeys []string) (*Server, error) {
	s := &Server{
		core:    core,
		auth:    NewAuthenticator(authKeys),
		limiter: NewRateLimiter(defaultRateLimit, defaultRateWindow),
		tools:   make(map[string]Tool),
	}

	for _, t := range defaultTools(core) {
		s.register(t)
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "kbindex-toolserver",
		Version: "0.1.0",
	}, nil)

	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := s.tools[name]
		s.mcpServer.AddTool(&mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema,
		}, s.mcpHandler(t))
	}

	return s, nil
}

func (s *Server) register(t Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.Name] = t
}

// Dispatch invokes the named tool with args, the single entry point
// the WebSocket and SSE transports call after their own framing is
// stripped away. user and resource key the rate-limit window.
func (s *Server) Dispatch(ctx context.Context, user, resource, name string, args map[string]any) (any, error) {
	if !s.limiter.Allow(user, resource) {
		return nil, kberrors.New(kberrors.RateLimited, "toolserver.dispatch", nil).WithPath(name)
	}

	s.mu.RLock()
	t, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		return nil, kberrors.New(kberrors.NotFound, "toolserver.dispatch", fmt.Errorf("unknown tool %q", name))
	}

	debug.LogToolserver("dispatch %s for user=%s resource=%s", name, user, resource)
	return t.Handler(ctx, args)
}

// mcpHandler adapts a Tool's Handler onto the go-sdk's CallToolRequest/
// CallToolResult shape, matching the teacher's handleX(ctx, req) signature.
func (s *Server) mcpHandler(t Tool) func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(t.Name, kberrors.New(kberrors.InvalidArgument, "toolserver.unmarshal_args", err)), nil
			}
		}

		result, err := s.Dispatch(ctx, "stdio", t.Name, t.Name, args)
		if err != nil {
			return errorResult(t.Name, err), nil
		}
		return jsonResult(result)
	}
}

func jsonResult(data any) (*mcp.CallToolResult, error) {
	content, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("toolserver: marshal result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(content)}},
	}, nil
}

func errorResult(op string, err error) *mcp.CallToolResult {
	payload, _ := json.Marshal(map[string]any{
		"success":   false,
		"operation": op,
		"error":     err.Error(),
		"kind":      string(kberrors.KindOf(err)),
	})
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
		IsError: true,
	}
}
