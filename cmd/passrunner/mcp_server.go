package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/passrunner/internal/logging"
	"github.com/forest6511/passrunner/internal/mcp"
)

// mcpServerCmd starts the MCP server for AI coding assistant integration
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server for AI coding assistant integration",
	Long: `Start an MCP server over stdio that lets AI assistants search the
password manager. Results carry labels, subtext and relevance only; secrets,
usernames and entry identifiers are never returned.

Available tools:
  - vault_search: Search entries by query
  - vault_status: Report whether the backend is unlocked

The server never unlocks the backend. Run "passrunner unlock" or use the
launcher first.

Example MCP configuration:
  {
    "mcpServers": {
      "passrunner": {
        "type": "stdio",
        "command": "/path/to/passrunner",
        "args": ["mcp-server"]
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			server := mcp.NewServer(a.runner, version, logger.Named(logging.MCP))
			if err := server.Run(ctx); err != nil {
				// Don't report context canceled as an error
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("MCP server error: %w", err)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}
