package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/forest6511/passrunner/internal/runner"
	"github.com/forest6511/passrunner/pkg/vault"
)

var (
	searchUnlock bool
	searchJSON   bool
)

// searchResult is the --json form of a match.
type searchResult struct {
	Label     string  `json:"label"`
	Subtext   string  `json:"subtext,omitempty"`
	Relevance float64 `json:"relevance"`
	Tier      int32   `json:"tier"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the password manager from the command line",
	Long: `Search the configured backend the way the launcher does, without the
trigger prefix or debounce. Only labels and subtext are printed.

Examples:
  passrunner search github
  passrunner search --unlock "work mail"
  passrunner search --json aws`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			status, err := a.runner.Status(ctx)
			if err != nil {
				return err
			}
			if status == vault.StatusLocked && searchUnlock {
				if err := a.runner.Unlock(ctx); err != nil {
					return fmt.Errorf("failed to unlock: %w", err)
				}
			}

			matches, err := a.runner.Query(ctx, query)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			matches = lo.Reject(matches, func(m runner.Match, _ int) bool {
				if runner.IsSentinel(m.ID) {
					fmt.Fprintln(cmd.ErrOrStderr(), m.Text)
					return true
				}
				return false
			})
			return printMatches(cmd, matches)
		})
	},
}

func printMatches(cmd *cobra.Command, matches []runner.Match) error {
	out := cmd.OutOrStdout()
	if searchJSON {
		results := lo.Map(matches, func(m runner.Match, _ int) searchResult {
			return searchResult{Label: m.Text, Subtext: m.Properties["subtext"], Relevance: m.Relevance, Tier: int32(m.Type)}
		})
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode results: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(matches) == 0 {
		fmt.Fprintln(out, "No matches.")
		return nil
	}
	for _, m := range matches {
		line := fmt.Sprintf("%3d  %.2f  %s", m.Type, m.Relevance, m.Text)
		if sub := m.Properties["subtext"]; sub != "" {
			line += "  (" + sub + ")"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the backend is reachable and unlocked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			status, err := a.runner.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backend: %s\nstatus:  %s\n", cfg.Backend, status)
			return nil
		})
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Log in to or unlock the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.runner.Unlock(ctx); err != nil {
				return fmt.Errorf("failed to unlock: %w", err)
			}
			status, err := a.runner.Status(ctx)
			if err != nil {
				return err
			}
			if !status.Usable() {
				return fmt.Errorf("backend is still %s", status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Unlocked.")
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh the backend cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.runner.Sync(ctx); err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Synced.")
			return nil
		})
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Lock the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.runner.Lock(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Locked.")
			return nil
		})
	},
}

func init() {
	searchCmd.Flags().BoolVar(&searchUnlock, "unlock", false, "Unlock first if the backend is locked")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(searchCmd, statusCmd, unlockCmd, syncCmd, lockCmd)
}
