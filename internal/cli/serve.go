package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/peterje/consolebridge/internal/console"
	"github.com/peterje/consolebridge/internal/executor"
	"github.com/peterje/consolebridge/internal/logging"
	"github.com/peterje/consolebridge/internal/preflight"
	"github.com/peterje/consolebridge/internal/server"
	"github.com/peterje/consolebridge/internal/session"
)

func newServeCmd(opts *rootOptions, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, version)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions, version string) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	log := logging.With("main")

	consoleStatus := preflight.CheckAll(cfg.Console.Path)

	launcher := console.NewLauncher(cfg.ConsoleLauncherConfig())
	sessions := session.NewManager(launcher,
		session.WithAPIMode(cfg.Session.APIMode),
		session.WithMaxSessions(cfg.Session.MaxSessions),
		session.WithListenerBuffer(cfg.Session.ListenerBuffer),
	)
	defer func() {
		log.Info().Int("sessions", len(sessions.List())).Msg("closing sessions")
		sessions.CloseAll()
	}()

	srv := server.New(server.Options{
		Executor:          executor.New(launcher),
		Sessions:          sessions,
		Console:           consoleStatus,
		Version:           version,
		CORSOrigins:       cfg.Server.CORSOrigins,
		DefaultAPIMode:    cfg.Executor.DefaultAPIMode,
		CommandTimeout:    cfg.Executor.Timeout,
		RateLimitRequests: cfg.Executor.RateLimitRequests,
		RateLimitWindow:   cfg.Executor.RateLimitWindow,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	sup := server.NewSupervisor("consolebridge", cfg.Server.ShutdownTimeout)
	sup.Add(server.NewHTTPService(httpSrv, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", cfg.Addr()).Str("console", cfg.Console.Path).Str("version", version).Msg("server running")
	err = sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
