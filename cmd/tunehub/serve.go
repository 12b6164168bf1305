package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/tunehub/tunehub/internal/config"
	"github.com/tunehub/tunehub/internal/errors"
	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/hpo/storage"
	"github.com/tunehub/tunehub/internal/logging"
	"github.com/tunehub/tunehub/internal/metrics"
	"github.com/tunehub/tunehub/internal/server"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP study service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, flags.logger)
		},
	}
}

func openStorage(cfg *config.Config) (hpo.Storage, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return storage.NewSQLite(cfg.Storage.DSN)
	default:
		return storage.NewMemory(), nil
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	serviceLogger := logger.WithFields(logging.Fields{
		"service": "tunehub",
	})

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	srv := server.NewServer(cfg, store, m, serviceLogger)
	defer srv.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(logger))
	r.Use(errors.RecoveryMiddleware(serviceLogger))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(server.RateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst))
	r.Use(server.InstrumentHTTP(m))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", m.Handler())
	srv.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		serviceLogger.Info("starting server", logging.Fields{"address": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-quit:
	}

	serviceLogger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	serviceLogger.Info("server stopped")
	return nil
}
