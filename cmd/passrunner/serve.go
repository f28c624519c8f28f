package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forest6511/passrunner/internal/krunner"
	"github.com/forest6511/passrunner/internal/logging"
	"github.com/forest6511/passrunner/pkg/clipboard"
)

// shutdownTimeout bounds the clipboard clear on exit.
const shutdownTimeout = 2 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the runner on the session bus",
	Long: `Serve the org.kde.krunner1 interface on the session bus until the
bus connection is lost or a termination signal arrives.

KRunner discovers the runner through a plugin description file, e.g.
~/.local/share/krunner/dbusplugins/passrunner.desktop:

  [Desktop Entry]
  Name=Passwords
  X-KDE-ServiceTypes=Plasma/Runner
  X-Plasma-API=DBus
  X-Plasma-DBusRunner-Service=mi.bitwarden.krunner
  X-Plasma-DBusRunner-Path=/mi/bitwarden/krunner`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	log := logger.Named(logging.DBus)
	if err := disableCoreDumps(); err != nil {
		log.Warn("failed to disable core dumps", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(parent, signalsToNotify()...)
	defer stop()

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()

	a, err := newApp(cfg, logger, appOptions{
		conn:     conn,
		clip:     clipboard.NewKlipper(conn, logger.Named(logging.Clipboard)),
		prompter: newPrompter(cfg, false, logger),
	})
	if err != nil {
		return err
	}

	busName := cfg.DBus.BusName
	path := dbus.ObjectPath(cfg.DBus.ObjectPath)
	svc := krunner.NewService(a.runner, krunner.DefaultTimeout, log)
	if err := krunner.Export(conn, svc, busName, path); err != nil {
		a.loop.Close()
		return err
	}
	defer krunner.Unexport(conn, busName, path)
	log.Info("runner exported",
		zap.String("bus_name", busName),
		zap.String("path", string(path)),
		zap.String("backend", cfg.Backend))

	a.loop.Post(func() {
		a.settle(func() { log.Debug("backend settled") })
	})

	// The loop outlives ctx so the clipboard can be cleared on the way out.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.loop.Run(loopCtx) })
	g.Go(func() error {
		defer stopLoop()
		var err error
		select {
		case <-gctx.Done():
			log.Info("shutting down")
		case <-conn.Context().Done():
			err = errors.New("session bus connection closed")
		}

		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := a.loop.Call(cctx, a.lease.Release); cerr != nil {
			log.Warn("failed to clear clipboard", zap.Error(cerr))
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
