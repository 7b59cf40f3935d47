package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-feed/pkg/database"
	"github.com/d60-Lab/timeline-feed/pkg/logger"
)

var flagUser string

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one bulk refresh of active users, or invalidate a single user with --user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if flagUser != "" {
			if err := a.timeline.InvalidateForUser(ctx, flagUser); err != nil {
				return fmt.Errorf("invalidate %s: %w", flagUser, err)
			}
			fmt.Printf("invalidated timeline cache for %s\n", flagUser)
			return nil
		}

		stats, err := a.refresher.RunBulkRefresh(ctx)
		fmt.Printf("scanned=%d refreshed=%d warmed=%d failed=%d elapsed=%v\n",
			stats.Scanned, stats.Refreshed, stats.Warmed, stats.Failed, stats.Elapsed)
		return err
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run only the outbox relay and refresh workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		stopWorkers := a.refresher.Start(a.cfg.Refresh.Workers)
		stopRelay := a.relay.Start()
		logger.Info("outbox relay running", zap.Duration("poll_interval", a.cfg.Outbox.PollInterval))
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := stopRelay(shutdownCtx); err != nil {
			logger.Warn("outbox relay shutdown", zap.Error(err))
		}
		return stopWorkers(shutdownCtx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		return database.Migrate(a.db)
	},
}

func init() {
	refreshCmd.Flags().StringVar(&flagUser, "user", "", "invalidate only this user's cached pages")
}
