package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/forest6511/passrunner/pkg/vault"
)

// Prompter asks the user for a master password. The caller wipes the
// returned slice.
type Prompter interface {
	Password(ctx context.Context, prompt string) ([]byte, error)
}

// CommandPrompter runs a dialog program such as "kdialog --password" with
// the prompt appended and reads the password from its stdout.
type CommandPrompter struct {
	Runner Runner
	Args   []string
}

// Password shows the dialog. A cancelled or missing dialog is reported as
// vault.ErrLoginFailed.
func (p *CommandPrompter) Password(ctx context.Context, prompt string) ([]byte, error) {
	args := append(append([]string(nil), p.Args...), prompt)
	out, err := p.Runner.Run(ctx, nil, args...)
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrBackendUnavailable):
			return nil, fmt.Errorf("%w: password dialog unavailable: %v", vault.ErrLoginFailed, err)
		case ExitCode(err) > 0:
			return nil, fmt.Errorf("%w: password dialog cancelled", vault.ErrLoginFailed)
		}
		return nil, err
	}
	out = bytes.TrimRight(out, "\r\n")
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty password", vault.ErrLoginFailed)
	}
	return out, nil
}

// TerminalPrompter reads a password from a terminal without echo.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer
}

// NewTerminalPrompter prompts on stdin and stderr.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

// Password prompts and reads one line. ctx is not consulted once reading
// has started.
func (p *TerminalPrompter) Password(ctx context.Context, prompt string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fd := int(p.In.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%w: stdin is not a terminal", vault.ErrLoginFailed)
	}
	fmt.Fprintf(p.Out, "%s: ", prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(p.Out)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: empty password", vault.ErrLoginFailed)
	}
	return password, nil
}
