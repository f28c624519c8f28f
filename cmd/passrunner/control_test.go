package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/passrunner/internal/runner"
)

func testMatches() []runner.Match {
	return []runner.Match{
		{ID: "1", Text: "github", Type: runner.ExactMatch, Relevance: 0.9,
			Properties: map[string]string{"subtext": "joe"}},
		{ID: "2", Text: "gitlab", Type: runner.CompletionMatch, Relevance: 0.45},
	}
}

func TestPrintMatchesText(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	searchJSON = false
	require.NoError(t, printMatches(cmd, testMatches()))
	assert.Equal(t, "100  0.90  github  (joe)\n 10  0.45  gitlab\n", buf.String())
}

func TestPrintMatchesEmpty(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	searchJSON = false
	require.NoError(t, printMatches(cmd, nil))
	assert.Equal(t, "No matches.\n", buf.String())
}

func TestPrintMatchesJSON(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	searchJSON = true
	defer func() { searchJSON = false }()
	require.NoError(t, printMatches(cmd, testMatches()))

	var got []searchResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, []searchResult{
		{Label: "github", Subtext: "joe", Relevance: 0.9, Tier: 100},
		{Label: "gitlab", Relevance: 0.45, Tier: 10},
	}, got)
}

func TestVersionNeedsNoConfig(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version", "--config", "/nonexistent/passrunner.yaml"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "passrunner dev\n", buf.String())
}

func TestCommandTree(t *testing.T) {
	for _, name := range []string{"serve", "search", "status", "unlock", "sync", "lock", "config", "mcp-server", "version", "completion"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
