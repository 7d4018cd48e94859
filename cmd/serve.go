package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/cardscan/internal/auth"
	"github.com/example/cardscan/internal/handlers"
	"github.com/example/cardscan/internal/rebuild"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		addr           string
		rebuildOnStart bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP identify and search service",
		Long: `Starts the cardscan API.

The stored card database is loaded at startup. When Redis or Postgres are
configured they back the result cache and the identify history; the service
runs without them when they are unreachable.`,
		Example: `  # Start on the configured address
  cardscan serve

  # Rebuild the database in the background right after startup
  cardscan serve --addr :9090 --rebuild-on-start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger := root.cfg, root.logger
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{history: true, redis: true, hashCache: true})
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logger.Warn("failed to release resources", zap.Error(err))
				}
			}()

			if err := rt.loadSnapshot(ctx); err != nil {
				return err
			}
			uc := rt.useCase()

			stopRefresh := startRefreshLoop(ctx, cfg.RefreshInterval(), rebuildOnStart, func(ctx context.Context) error {
				_, err := uc.Rebuild(ctx, nil)
				return err
			}, logger)
			defer stopRefresh()

			if cfg.Auth.JWTSecret == "" {
				logger.Warn("no JWT secret configured; /update_db will reject every request until CARDSCAN_JWT_SECRET is set")
			}

			gin.SetMode(cfg.Server.Mode)
			r := gin.Default()
			r.MaxMultipartMemory = handlers.MaxUploadSize
			handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.Audience, cfg.Auth.RebuildScope), logger)

			server := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}

			logger.Info("cardscan API listening", zap.String("addr", cfg.Server.Addr))
			return serveHTTPServer(ctx, server, cfg.ShutdownTimeout(), logger, nil)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&rebuildOnStart, "rebuild-on-start", false, "Run a rebuild in the background after startup")

	return cmd
}

// startRefreshLoop runs runRefreshLoop in the background. The returned stop
// cancels the loop and blocks until a rebuild in flight has returned.
func startRefreshLoop(ctx context.Context, interval time.Duration, immediate bool, rebuildFn func(context.Context) error, logger *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runRefreshLoop(ctx, interval, immediate, rebuildFn, logger)
	}()
	return func() {
		cancel()
		<-done
	}
}

// runRefreshLoop rebuilds once immediately when asked and then on every
// interval tick until ctx is done. A zero interval disables the ticker.
func runRefreshLoop(ctx context.Context, interval time.Duration, immediate bool, rebuildFn func(context.Context) error, logger *zap.Logger) {
	run := func() {
		err := rebuildFn(ctx)
		switch {
		case err == nil:
		case errors.Is(err, rebuild.ErrRebuildInProgress):
			logger.Info("scheduled rebuild skipped; another rebuild is running")
		case ctx.Err() != nil:
		default:
			logger.Warn("scheduled rebuild failed", zap.Error(err))
		}
	}

	if immediate {
		run()
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// serveHTTPServer runs server until it fails or ctx is cancelled, then
// drains in-flight requests for at most shutdownTimeout. A nil listener
// listens on server.Addr.
func serveHTTPServer(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
