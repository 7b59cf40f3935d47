package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-feed/config"
	"github.com/d60-Lab/timeline-feed/internal/feedcache"
	"github.com/d60-Lab/timeline-feed/internal/ranking"
	"github.com/d60-Lab/timeline-feed/internal/repository"
	"github.com/d60-Lab/timeline-feed/internal/service"
	"github.com/d60-Lab/timeline-feed/internal/source"
	"github.com/d60-Lab/timeline-feed/pkg/alert"
	"github.com/d60-Lab/timeline-feed/pkg/cache"
	"github.com/d60-Lab/timeline-feed/pkg/database"
	"github.com/d60-Lab/timeline-feed/pkg/logger"
	"github.com/d60-Lab/timeline-feed/pkg/tracing"
)

// app 进程内所有组件
type app struct {
	cfg       *config.Config
	db        *gorm.DB
	rdb       *redis.Client
	cache     *feedcache.Manager
	timeline  service.TimelineService
	refresher *service.Refresher
	relay     *service.OutboxRelay

	stopTracing func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if on, err := alert.Init(cfg.Sentry); err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
	} else if on {
		logger.Info("sentry enabled", zap.String("environment", cfg.Sentry.Environment))
	}
	stopTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}
	rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		// Redis 不可用时仍可服务，读路径会绕过缓存
		logger.Warn("redis unavailable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	posts := repository.NewPostRepository(db)
	users := repository.NewUserRepository(db)
	graph := repository.NewGraphRepository(db)

	pages := feedcache.NewManager(rdb, feedcache.OptionsFromConfig(cfg.Timeline))
	agg := service.NewAggregator(source.Defaults(posts), ranking.NewScorer(ranking.WeightsFromConfig(cfg.Ranking)), cfg.Timeline.Oversample)
	timeline := service.NewTimelineService(agg, pages, users, graph, service.PageLimits{
		Default: cfg.Timeline.DefaultPageSize,
		Max:     cfg.Timeline.MaxPageSize,
	})
	refresher := service.NewRefresher(pages, graph, users, timeline, service.AlertingFailureHook{}, service.RefreshOptionsFromConfig(cfg.Refresh))
	relay := service.NewOutboxRelay(repository.NewOutboxRepository(db), posts, refresher, cfg.Outbox)

	return &app{
		cfg:         cfg,
		db:          db,
		rdb:         rdb,
		cache:       pages,
		timeline:    timeline,
		refresher:   refresher,
		relay:       relay,
		stopTracing: stopTracing,
	}, nil
}

func (a *app) pingDB(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	alert.Flush(2 * time.Second)
	logger.Sync()
}
