// Package mcp implements the Model Context Protocol server for Kotae.
//
// The MCP server exposes the retrieval pipeline and document catalog through
// MCP tools and resources, so MCP-compatible agents can search the corpus
// without going through the JSON API. It is mounted on the HTTP server's
// /mcp route behind the same auth middleware as the rest of the API; the
// caller's claims arrive through the request context and scope every lookup.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kotae/internal/service/retrieval"
	"github.com/ashita-ai/kotae/internal/storage"
)

// Server wraps the MCP server with Kotae's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	retriever *retrieval.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(db *storage.DB, retriever *retrieval.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:        db,
		retriever: retriever,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kotae",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
