package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/forest6511/passrunner/internal/runner"
)

// maxSearchLimit caps the number of matches a search may return.
const maxSearchLimit = 20

// VaultSearchInput represents input for vault_search tool.
type VaultSearchInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// VaultSearchOutput represents output for vault_search tool.
type VaultSearchOutput struct {
	Matches []MatchInfo `json:"matches"`
	// Notice explains an empty result, e.g. a locked vault.
	Notice string `json:"notice,omitempty"`
}

// MatchInfo describes one match (no secret).
type MatchInfo struct {
	Label     string  `json:"label"`
	Subtext   string  `json:"subtext,omitempty"`
	Relevance float64 `json:"relevance"`
	Tier      int     `json:"tier"`
}

// VaultStatusInput represents input for vault_status tool.
type VaultStatusInput struct{}

// VaultStatusOutput represents output for vault_status tool.
type VaultStatusOutput struct {
	Status string `json:"status"`
	Usable bool   `json:"usable"`
}

// handleVaultSearch handles the vault_search tool call.
func (s *Server) handleVaultSearch(ctx context.Context, _ *mcp.CallToolRequest, input VaultSearchInput) (*mcp.CallToolResult, VaultSearchOutput, error) {
	if input.Query == "" {
		return nil, VaultSearchOutput{}, errors.New("query is required")
	}
	if input.Limit < 0 {
		return nil, VaultSearchOutput{}, fmt.Errorf("limit must be >= 0, got %d", input.Limit)
	}
	limit := input.Limit
	if limit == 0 || limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	matches, err := s.backend.Query(ctx, input.Query)
	if err != nil {
		s.log.Warn("search failed", zap.Error(err))
		return nil, VaultSearchOutput{}, fmt.Errorf("search failed: %w", err)
	}

	output := VaultSearchOutput{Matches: make([]MatchInfo, 0, min(len(matches), limit))}
	for _, m := range matches {
		if runner.IsSentinel(m.ID) {
			output.Notice = m.Text
			continue
		}
		if len(output.Matches) == limit {
			break
		}
		output.Matches = append(output.Matches, MatchInfo{
			Label:     m.Text,
			Subtext:   m.Properties["subtext"],
			Relevance: m.Relevance,
			Tier:      int(m.Type),
		})
	}
	s.log.Debug("search answered", zap.Int("matches", len(output.Matches)))
	return nil, output, nil
}

// handleVaultStatus handles the vault_status tool call.
func (s *Server) handleVaultStatus(ctx context.Context, _ *mcp.CallToolRequest, _ VaultStatusInput) (*mcp.CallToolResult, VaultStatusOutput, error) {
	status, err := s.backend.Status(ctx)
	if err != nil {
		return nil, VaultStatusOutput{}, fmt.Errorf("failed to read status: %w", err)
	}
	return nil, VaultStatusOutput{Status: status.String(), Usable: status.Usable()}, nil
}
