package toolserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/kbindex/internal/debug"
)

// ServeStdio runs the stdio transport, matching the teacher's
// mcpServer.Start(ctx) → s.server.Run(ctx, &mcp.StdioTransport{})
// shape. It blocks until ctx is cancelled or the transport's read loop
// ends (typically stdin closing).
func (s *Server) ServeStdio(ctx context.Context) error {
	debug.LogToolserver("starting stdio transport")
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}
