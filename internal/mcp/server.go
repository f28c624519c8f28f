// Package mcp implements the MCP (Model Context Protocol) server for passrunner.
// AI agents can search the vault and read its status, but never receive
// secrets: results carry labels, subtext and relevance only.
package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/forest6511/passrunner/internal/runner"
	"github.com/forest6511/passrunner/pkg/vault"
)

// Backend answers tool calls. *runner.Runner implements it.
type Backend interface {
	Query(ctx context.Context, text string) ([]runner.Match, error)
	Status(ctx context.Context) (vault.Status, error)
}

// Server represents the MCP server for passrunner.
type Server struct {
	server  *mcp.Server
	backend Backend
	log     *zap.Logger
}

// NewServer creates a new MCP server instance.
func NewServer(backend Backend, version string, log *zap.Logger) *Server {
	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "passrunner",
			Version: version,
		},
		nil,
	)

	s := &Server{
		server:  mcpServer,
		backend: backend,
		log:     log,
	}
	s.registerTools()
	return s
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_search",
		Description: "Search the password manager. Returns entry labels, matching attributes and relevance. Does NOT return usernames or passwords.",
	}, s.handleVaultSearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_status",
		Description: "Report whether the password manager is unlocked, locked, unlocking or unavailable.",
	}, s.handleVaultStatus)
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("mcp server started")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
