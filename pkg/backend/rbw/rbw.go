// Package rbw adapts the unofficial Bitwarden client "rbw" to the vault
// provider capabilities. rbw keeps its own agent and pinentry, so there is
// no session key to hold here.
package rbw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/forest6511/passrunner/pkg/backend/cli"
	"github.com/forest6511/passrunner/pkg/vault"
)

// DefaultBinary is the rbw executable name.
const DefaultBinary = "rbw"

// Client talks to rbw.
type Client struct {
	runner cli.Runner
	log    *zap.Logger
}

// New returns a Client.
func New(runner cli.Runner, log *zap.Logger) *Client {
	return &Client{runner: runner, log: log}
}

// Name implements vault.Provider.
func (c *Client) Name() string { return "rbw" }

// Login runs "rbw unlock", which asks for the password through pinentry.
func (c *Client) Login(ctx context.Context) error {
	if _, err := c.runner.Run(ctx, nil, "unlock"); err != nil {
		if errors.Is(err, vault.ErrBackendUnavailable) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", vault.ErrLoginFailed, err)
	}
	c.log.Info("logged in to rbw")
	return nil
}

// HasSession reports whether the rbw agent holds unlocked keys.
func (c *Client) HasSession(ctx context.Context) (bool, error) {
	_, err := c.runner.Run(ctx, nil, "unlocked")
	if err == nil {
		return true, nil
	}
	if cli.ExitCode(err) > 0 {
		return false, nil
	}
	return false, err
}

// Sync pulls the latest vault data.
func (c *Client) Sync(ctx context.Context) error {
	_, err := c.runner.Run(ctx, nil, "sync")
	return err
}

// Lock locks the agent.
func (c *Client) Lock(ctx context.Context) error {
	_, err := c.runner.Run(ctx, nil, "lock")
	return err
}

// FetchEntries searches the vault for query.
func (c *Client) FetchEntries(ctx context.Context, query string) ([]*vault.Entry, error) {
	out, err := c.runner.Run(ctx, nil, "search", "--raw", "--full", query)
	if err != nil {
		if cli.ExitCode(err) > 0 {
			return nil, fmt.Errorf("%w: %v", vault.ErrSessionInvalid, err)
		}
		return nil, err
	}

	entries, skipped, err := parseItems(out)
	if err != nil {
		return nil, err
	}
	c.log.Debug("searched items", zap.Int("entries", len(entries)), zap.Int("skipped", skipped))
	return entries, nil
}

// item is one record of "rbw search --raw --full".
type item struct {
	ID     string  `json:"id"`
	Folder *string `json:"folder"`
	Name   string  `json:"name"`
	Data   *data   `json:"data"`
}

// data holds the type specific fields. Only login records carry a
// username key, which is how they are told apart.
type data struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
	URIs     []struct {
		URI *string `json:"uri"`
	} `json:"uris"`
}

func parseItems(out []byte) (entries []*vault.Entry, skipped int, err error) {
	if len(out) == 0 {
		return nil, 0, nil
	}
	var items []item
	if err := json.Unmarshal(out, &items); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", vault.ErrMalformedResponse, err)
	}

	entries = make([]*vault.Entry, 0, len(items))
	for _, it := range items {
		if it.Data == nil || it.Data.Username == nil {
			skipped++
			continue
		}
		e := &vault.Entry{
			ID:       it.ID,
			Name:     vault.Normalize(it.Name),
			Username: *it.Data.Username,
		}
		if it.Data.Password != nil {
			e.Password = *it.Data.Password
		}
		if !e.Usable() {
			skipped++
			continue
		}
		e.AddAttribute(it.Name)
		for _, u := range it.Data.URIs {
			if u.URI != nil {
				e.AddAttribute(*u.URI)
			}
		}
		if it.Folder != nil {
			e.AddAttribute(*it.Folder)
		}
		entries = append(entries, e)
	}
	return entries, skipped, nil
}
