// Package cli runs vault command line tools and asks the user for their
// master password.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/forest6511/passrunner/pkg/vault"
)

// ExitCommandNotFound is the shell exit code for a missing command.
const ExitCommandNotFound = 127

// ExitError is a non-zero exit of a vault tool.
type ExitError struct {
	Name   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Name, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Name, e.Code, e.Stderr)
}

// Runner runs one invocation of a vault tool and returns its stdout.
// env entries are added to the inherited environment.
type Runner interface {
	Run(ctx context.Context, env []string, args ...string) ([]byte, error)
}

// Exec runs a binary found on PATH.
type Exec struct {
	Binary string
	log    *zap.Logger
}

// NewExec returns a Runner for binary.
func NewExec(binary string, log *zap.Logger) *Exec {
	return &Exec{Binary: binary, log: log}
}

// Run executes the binary. A missing binary, or exit status 127, is
// reported as vault.ErrBackendUnavailable.
func (e *Exec) Run(ctx context.Context, env []string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(e.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", vault.ErrBackendUnavailable, e.Binary, err)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.log.Debug("running vault tool", zap.String("binary", e.Binary), zap.String("command", subcommand(args)))
	err = cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s %s: %w", e.Binary, subcommand(args), ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			ee := &ExitError{Name: e.Binary, Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
			if ee.Code == ExitCommandNotFound {
				return nil, fmt.Errorf("%w: %v", vault.ErrBackendUnavailable, ee)
			}
			return nil, ee
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", vault.ErrBackendUnavailable, err)
		}
		return nil, fmt.Errorf("failed to run %s: %w", e.Binary, err)
	}
	return stdout.Bytes(), nil
}

// subcommand returns the leading non-flag arguments, which never carry
// secrets, for logging.
func subcommand(args []string) string {
	var parts []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			break
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// ExitCode returns the exit status carried by err, or -1.
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}
