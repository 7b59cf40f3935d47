package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-feed/internal/api"
	"github.com/d60-Lab/timeline-feed/internal/api/handler"
	"github.com/d60-Lab/timeline-feed/pkg/database"
	"github.com/d60-Lab/timeline-feed/pkg/logger"
)

var flagMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, refresh workers, bulk scheduler and outbox relay",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&flagMigrate, "migrate", false, "auto-migrate tables before serving")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if flagMigrate {
		if err := database.Migrate(a.db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	stopWorkers := a.refresher.Start(a.cfg.Refresh.Workers)
	go a.refresher.StartScheduler(ctx, a.cfg.Refresh.BulkInterval)
	stopRelay := func(context.Context) error { return nil }
	if a.cfg.Outbox.Enabled {
		stopRelay = a.relay.Start()
	}

	h := handler.NewHandler(a.timeline, a.refresher,
		handler.Check{Name: "database", Ping: a.pingDB},
		handler.Check{Name: "redis", Ping: a.cache.Ping},
	)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      api.SetupRouter(a.cfg, h),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := stopRelay(shutdownCtx); err != nil {
		logger.Warn("outbox relay shutdown", zap.Error(err))
	}
	if err := stopWorkers(shutdownCtx); err != nil {
		logger.Warn("refresh workers shutdown", zap.Error(err))
	}
	return nil
}
