// Package bitwarden adapts the Bitwarden command line client "bw" to the
// vault provider capabilities.
//
// The session key returned by "bw unlock --raw" is held in memory only and
// passed to every call with --session.
package bitwarden

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/forest6511/passrunner/pkg/backend/cli"
	"github.com/forest6511/passrunner/pkg/crypto"
	"github.com/forest6511/passrunner/pkg/vault"
)

const (
	// DefaultBinary is the bw executable name.
	DefaultBinary = "bw"

	// PasswordPrompt is shown by the password dialog.
	PasswordPrompt = "Unlock your bitwarden"

	passwordEnv = "BW_PASSWORD"
	sessionEnv  = "BW_SESSION"
)

// Client talks to bw.
type Client struct {
	runner   cli.Runner
	prompter cli.Prompter
	log      *zap.Logger

	mu  sync.Mutex
	key []byte
}

// New returns a Client. initialKey, if not empty, is a session key
// inherited from the environment that Resume may adopt.
func New(runner cli.Runner, prompter cli.Prompter, initialKey string, log *zap.Logger) *Client {
	c := &Client{runner: runner, prompter: prompter, log: log}
	if initialKey != "" {
		c.key = []byte(initialKey)
	}
	return c
}

// SessionEnv is the environment variable holding an inherited session key.
func SessionEnv() string { return sessionEnv }

// Name implements vault.Provider.
func (c *Client) Name() string { return "bw" }

// Login asks for the master password and unlocks the vault.
func (c *Client) Login(ctx context.Context) error {
	password, err := c.prompter.Password(ctx, PasswordPrompt)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(password)

	env := []string{passwordEnv + "=" + string(password)}
	out, err := c.runner.Run(ctx, env, "unlock", "--raw", "--passwordenv", passwordEnv, "--nointeraction")
	if err != nil {
		if errors.Is(err, vault.ErrBackendUnavailable) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", vault.ErrLoginFailed, err)
	}
	key := bytes.TrimSpace(out)
	if len(key) == 0 {
		return fmt.Errorf("%w: empty session key", vault.ErrLoginFailed)
	}

	c.setKey(key)
	c.log.Info("logged in to bw", zap.String("session_key", redactKey(key)))
	return nil
}

// HasSession reports whether the held session key is still valid.
func (c *Client) HasSession(ctx context.Context) (bool, error) {
	key := c.sessionKey()
	if key == "" {
		return false, nil
	}
	_, err := c.runner.Run(ctx, nil, "unlock", "--check", "--session", key, "--nointeraction")
	if err != nil {
		if errors.Is(err, vault.ErrBackendUnavailable) {
			return false, err
		}
		if cli.ExitCode(err) > 0 {
			c.setKey(nil)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Sync pulls the latest vault data.
func (c *Client) Sync(ctx context.Context) error {
	key := c.sessionKey()
	if key == "" {
		return vault.ErrSessionInvalid
	}
	_, err := c.runner.Run(ctx, nil, "sync", "--session", key, "--nointeraction")
	return err
}

// Lock forgets the session key and locks the vault.
func (c *Client) Lock(ctx context.Context) error {
	c.setKey(nil)
	_, err := c.runner.Run(ctx, nil, "lock", "--nointeraction")
	return err
}

// FetchEntries lists items matching query.
func (c *Client) FetchEntries(ctx context.Context, query string) ([]*vault.Entry, error) {
	key := c.sessionKey()
	if key == "" {
		return nil, vault.ErrSessionInvalid
	}
	out, err := c.runner.Run(ctx, nil, "list", "items", "--search", query,
		"--response", "--nointeraction", "--session", key)
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
	c.log.Debug("listed items", zap.Int("entries", len(entries)), zap.Int("skipped", skipped))
	return entries, nil
}

// FetchNames resolves folder, organization and collection identifiers.
func (c *Client) FetchNames(ctx context.Context) (map[string]string, error) {
	key := c.sessionKey()
	if key == "" {
		return nil, vault.ErrSessionInvalid
	}
	names := make(map[string]string)
	for _, kind := range []string{"folders", "organizations", "collections"} {
		out, err := c.runner.Run(ctx, nil, "list", kind, "--response", "--nointeraction", "--session", key)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", kind, err)
		}
		if err := parseNames(out, names); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", kind, err)
		}
	}
	return names, nil
}

func (c *Client) sessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.key)
}

func (c *Client) setKey(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	crypto.SecureWipe(c.key)
	c.key = nil
	if len(key) > 0 {
		c.key = append([]byte(nil), key...)
	}
}

// redactKey keeps a short prefix of a session key for logs.
func redactKey(key []byte) string {
	const keep = 5
	if len(key) <= keep {
		return "..."
	}
	return string(key[:keep]) + "..."
}
