package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/berth/pkg/api"
	"github.com/platinummonkey/berth/pkg/observability"
)

func newServeCommand(app *App) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin host and its HTTP API",
		Long: `Run the plugin host and its HTTP API.

Installed plugins that are enabled and set to auto-start are loaded, the
repository sync, update check and download cleanup schedules run, and the
install root is watched when lifecycle.watch is set. The API is served under
/api/v1 with /metrics and /health alongside.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg, err := app.Config()
				if err != nil {
					return err
				}
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), app)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	return cmd
}

func serve(ctx context.Context, app *App) error {
	cfg, err := app.Config()
	if err != nil {
		return err
	}
	log, err := app.Logger()
	if err != nil {
		return err
	}

	tp, err := observability.InitTracing(ctx, cfg.TracingOptions(app.version), log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	plugins, err := app.Lifecycle(ctx, true)
	if err != nil {
		return err
	}
	registry, metrics := app.Metrics()

	handler := api.NewServer(plugins, app.repos, app.downloads, api.Options{
		Registry:         registry,
		Metrics:          metrics,
		Health:           observability.NewHealthChecker(app.store.DB(), cfg.Paths.Install, app.version),
		OperationTimeout: cfg.Lifecycle.OperationTimeout,
	}, log)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	shutdown := observability.NewShutdownManager(log, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp, log)
	})
	shutdown.RegisterShutdownFunc(app.Close)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	failed := make(chan error, 1)
	go func() {
		defer observability.RecoverPanic(log, "http server")
		log.Infof("Starting berth %s on %s", app.version, ln.Addr())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
			cancel()
		}
	}()

	if err := shutdown.WaitForShutdown(waitCtx); err != nil {
		return err
	}
	select {
	case err := <-failed:
		return fmt.Errorf("HTTP server failed: %w", err)
	default:
		return nil
	}
}
