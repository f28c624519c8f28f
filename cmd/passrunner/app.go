package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/forest6511/passrunner/internal/config"
	"github.com/forest6511/passrunner/internal/logging"
	"github.com/forest6511/passrunner/internal/runner"
	"github.com/forest6511/passrunner/pkg/backend/bitwarden"
	"github.com/forest6511/passrunner/pkg/backend/cli"
	"github.com/forest6511/passrunner/pkg/backend/rbw"
	"github.com/forest6511/passrunner/pkg/backend/secretservice"
	"github.com/forest6511/passrunner/pkg/clipboard"
	"github.com/forest6511/passrunner/pkg/eventloop"
	"github.com/forest6511/passrunner/pkg/session"
)

// app wires a backend, the event loop, the clipboard lease and the runner.
type app struct {
	loop   *eventloop.Loop
	runner *runner.Runner
	lease  *clipboard.Lease

	// settle adopts an existing backend session, or loads the first
	// snapshot, and calls done on the loop when finished.
	settle func(done func())
}

type appOptions struct {
	// conn is the session bus. It is required by the secretservice backend.
	conn     *dbus.Conn
	clip     clipboard.Clipboard
	prompter cli.Prompter
}

func newApp(cfg *config.Config, log *zap.Logger, opts appOptions) (*app, error) {
	loop, err := eventloop.New(
		eventloop.WithWorkers(cfg.Workers),
		eventloop.WithLogger(log.Named(logging.Init)),
	)
	if err != nil {
		return nil, err
	}

	sess, settle, err := newSession(cfg, loop, opts, log)
	if err != nil {
		loop.Close()
		return nil, err
	}

	lease := clipboard.NewLease(loop, opts.clip, log.Named(logging.Clipboard))
	r := runner.New(loop, sess, lease, runner.Options{
		Trigger:          cfg.Trigger,
		MinQueryLength:   cfg.MinQueryLength,
		MaxMatches:       cfg.MaxMatches,
		Debounce:         cfg.Debounce.Duration(),
		ClipboardTimeout: cfg.ClipboardTimeout.Duration(),
		Icon:             cfg.Icon,
	}, log.Named(logging.Search))

	return &app{loop: loop, runner: r, lease: lease, settle: settle}, nil
}

// newSession builds the configured backend and the session that gates it.
func newSession(cfg *config.Config, loop *eventloop.Loop, opts appOptions, log *zap.Logger) (runner.Session, func(func()), error) {
	secretLog := log.Named(logging.Secret)
	sessionLog := log.Named(logging.Session)
	sessionOpts := session.Options{
		SyncInterval: cfg.SyncInterval.Duration(),
		IdleLock:     cfg.IdleLock.Duration(),
		Timeout:      cfg.BackendTimeout.Duration(),
	}

	switch cfg.Backend {
	case config.BackendBitwarden:
		// The inherited key is read once and removed from the environment.
		key := os.Getenv(bitwarden.SessionEnv())
		os.Unsetenv(bitwarden.SessionEnv())
		client := bitwarden.New(cli.NewExec(cfg.Bitwarden.Binary, secretLog), opts.prompter, key, secretLog)
		s := session.New(loop, client, sessionOpts, sessionLog)
		return s, func(done func()) { s.Resume(func(bool) { done() }) }, nil

	case config.BackendRBW:
		client := rbw.New(cli.NewExec(cfg.RBW.Binary, secretLog), secretLog)
		s := session.New(loop, client, sessionOpts, sessionLog)
		return s, func(done func()) { s.Resume(func(bool) { done() }) }, nil

	case config.BackendSecretService:
		if opts.conn == nil {
			return nil, nil, errors.New("the secretservice backend needs a session bus connection")
		}
		client, err := secretservice.New(secretservice.NewBus(opts.conn), cfg.SecretService.Algorithm, secretLog)
		if err != nil {
			return nil, nil, err
		}
		c := session.NewTermCache(loop, client, session.TermOptions{
			Exclude:            cfg.SecretService.ExcludeAttributes,
			UsernameAttributes: cfg.SecretService.UsernameAttributes,
			RefreshInterval:    cfg.RefreshInterval.Duration(),
			IdleLock:           cfg.IdleLock.Duration(),
			Timeout:            cfg.BackendTimeout.Duration(),
		}, sessionLog)
		return c, func(done func()) { c.Sync(func(error) { done() }) }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// newPrompter picks how the bw master password is asked for. Interactive
// commands use the terminal when there is one.
func newPrompter(cfg *config.Config, interactive bool, log *zap.Logger) cli.Prompter {
	if interactive && term.IsTerminal(int(os.Stdin.Fd())) {
		return cli.NewTerminalPrompter()
	}
	if prompt := cfg.Bitwarden.PromptCommand; len(prompt) > 0 {
		return &cli.CommandPrompter{
			Runner: cli.NewExec(prompt[0], log.Named(logging.Secret)),
			Args:   prompt[1:],
		}
	}
	return cli.NewTerminalPrompter()
}

// settled runs settle and waits for it.
func (a *app) settled(ctx context.Context) error {
	done := make(chan struct{})
	if err := a.loop.Call(ctx, func() { a.settle(func() { close(done) }) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withApp runs fn against a settled app whose loop runs alongside. The
// session bus is connected only when the backend needs it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), signalsToNotify()...)
	defer stop()

	opts := appOptions{clip: discard{log: logger.Named(logging.Clipboard)}, prompter: newPrompter(cfg, true, logger)}
	if cfg.Backend == config.BackendSecretService {
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return fmt.Errorf("failed to connect to session bus: %w", err)
		}
		defer conn.Close()
		opts.conn = conn
	}

	a, err := newApp(cfg, logger, opts)
	if err != nil {
		return err
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.loop.Run(loopCtx) })
	g.Go(func() error {
		defer stopLoop()
		if err := a.settled(gctx); err != nil {
			return err
		}
		return fn(gctx, a)
	})
	return g.Wait()
}

// discard is the clipboard of one-shot commands, which never copy.
type discard struct {
	log *zap.Logger
}

func (d discard) Put(string) { d.log.Debug("clipboard not available") }
func (d discard) Clear()     {}
