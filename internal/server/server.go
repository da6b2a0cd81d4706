// Package server runs the HTTP listener with graceful shutdown.
package server

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/config"
)

// Run serves handler on cfg.Addr until ctx is cancelled, then shuts
// down gracefully within cfg.ShutdownTimeout. In-flight answer streams
// get the shutdown window to finish.
func Run(ctx context.Context, cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
