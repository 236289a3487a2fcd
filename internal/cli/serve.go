package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"contactgraph/internal/handlers"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *RootOptions) error {
	a, err := newApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer a.Close()

	routerCfg := handlers.RouterConfig{
		Identify: handlers.NewIdentifyHandler(a.service, a.log, a.cfg.Server.MaxRequestBody),
		Contacts: handlers.NewContactHandler(a.service, a.log),
		DB:       a.db,
		Logger:   a.log,
	}
	if a.cfg.Metrics.Enabled {
		routerCfg.Metrics = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
		routerCfg.MetricsPath = a.cfg.Metrics.Path
	}

	server := &http.Server{
		Addr:         a.cfg.Server.Addr(),
		Handler:      handlers.NewRouter(routerCfg),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", server.Addr).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Error("server forced to shutdown")
		return err
	}
	a.log.Info("Server stopped")
	return nil
}
