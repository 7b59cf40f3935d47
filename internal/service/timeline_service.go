package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-feed/internal/cursor"
	"github.com/d60-Lab/timeline-feed/internal/feedcache"
	"github.com/d60-Lab/timeline-feed/internal/model"
	"github.com/d60-Lab/timeline-feed/internal/repository"
	"github.com/d60-Lab/timeline-feed/pkg/logger"
)

// TimelineCache 时间线缓存的窄接口，由 feedcache.Manager 实现
type TimelineCache interface {
	Get(ctx context.Context, userID, cursor string) (*feedcache.Entry, error)
	Generation(ctx context.Context, userID string) (int64, error)
	PutIfCurrent(ctx context.Context, userID, cursor string, e *feedcache.Entry, ttl time.Duration, gen int64) (bool, error)
	Invalidate(ctx context.Context, userID string) (int, error)
	TTLFor(u *model.User, now time.Time) time.Duration
}

var _ TimelineCache = (*feedcache.Manager)(nil)

// TimelineService 时间线读取服务
type TimelineService interface {
	// GetTimeline 返回一页时间线；缓存或来源故障时降级而不报错
	GetTimeline(ctx context.Context, userID string, pageSize int, cursor string) (*model.TimelinePage, error)
	// InvalidateForUser 删除该用户缓存的所有页面
	InvalidateForUser(ctx context.Context, userID string) error
}

// PageLimits 页大小默认值与上限
type PageLimits struct {
	Default int
	Max     int
}

type timelineService struct {
	agg    *Aggregator
	cache  TimelineCache
	users  repository.UserRepository
	graph  repository.GraphRepository
	limits PageLimits
	now    func() time.Time
}

func NewTimelineService(agg *Aggregator, cache TimelineCache, users repository.UserRepository, graph repository.GraphRepository, limits PageLimits) TimelineService {
	if limits.Default <= 0 {
		limits.Default = 20
	}
	if limits.Max < limits.Default {
		limits.Max = limits.Default
	}
	return &timelineService{agg: agg, cache: cache, users: users, graph: graph, limits: limits, now: time.Now}
}

func (s *timelineService) GetTimeline(ctx context.Context, userID string, pageSize int, rawCursor string) (*model.TimelinePage, error) {
	ctx, span := tracer.Start(ctx, "TimelineService.GetTimeline")
	defer span.End()

	if pageSize <= 0 {
		pageSize = s.limits.Default
	}
	if pageSize > s.limits.Max {
		pageSize = s.limits.Max
	}
	// 非法游标按首页处理，缓存键也随之归一
	if rawCursor != "" {
		if _, err := cursor.Decode(rawCursor); err != nil {
			logger.Warn("invalid timeline cursor from caller", zap.String("user", userID), zap.Error(err))
			rawCursor = ""
		}
	}
	span.SetAttributes(attribute.String("timeline.user", userID), attribute.Int("timeline.page_size", pageSize))

	entry, err := s.cache.Get(ctx, userID, rawCursor)
	switch {
	case err == nil && entry.PageSize == pageSize:
		span.SetAttributes(attribute.Bool("timeline.cache_hit", true))
		page := entry.TimelinePage
		return &page, nil
	case err != nil && !errors.Is(err, feedcache.ErrMiss):
		logger.Warn("timeline cache read failed, computing live", zap.String("user", userID), zap.Error(err))
	}
	span.SetAttributes(attribute.Bool("timeline.cache_hit", false))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 构建前记下代数，期间发生的失效会让这次结果不再回填缓存
	gen, genErr := s.cache.Generation(ctx, userID)
	viewer := s.loadViewer(ctx, userID)
	page := s.agg.Build(ctx, viewer, pageSize, rawCursor)
	if genErr != nil {
		logger.Warn("timeline cache generation unavailable, skip write", zap.String("user", userID), zap.Error(genErr))
		return page, nil
	}

	ttl := s.cache.TTLFor(&viewer.User, s.now())
	stored, err := s.cache.PutIfCurrent(ctx, userID, rawCursor, &feedcache.Entry{TimelinePage: *page, PageSize: pageSize}, ttl, gen)
	switch {
	case err != nil:
		logger.Warn("timeline cache write failed", zap.String("user", userID), zap.Error(err))
	case !stored:
		logger.Debug("timeline invalidated during build, page not cached", zap.String("user", userID))
	}
	return page, nil
}

func (s *timelineService) InvalidateForUser(ctx context.Context, userID string) error {
	n, err := s.cache.Invalidate(ctx, userID)
	if err != nil {
		return err
	}
	logger.Debug("timeline cache invalidated", zap.String("user", userID), zap.Int("pages", n))
	return nil
}

// loadViewer 加载用户与社交上下文；任何一项失败都降级为空集合
func (s *timelineService) loadViewer(ctx context.Context, userID string) *model.Viewer {
	u := model.User{ID: userID}
	if got, err := s.users.Get(ctx, userID); err == nil {
		u = *got
	} else if !errors.Is(err, repository.ErrNotFound) {
		logger.Warn("load timeline user failed", zap.String("user", userID), zap.Error(err))
	}

	conns, err := s.graph.Connections(ctx, userID)
	if err != nil {
		logger.Warn("load connections failed", zap.String("user", userID), zap.Error(err))
		conns = nil
	}
	circles, err := s.graph.CircleMemberships(ctx, userID)
	if err != nil {
		logger.Warn("load circle memberships failed", zap.String("user", userID), zap.Error(err))
		circles = nil
	}
	groups, err := s.graph.GroupMemberships(ctx, userID)
	if err != nil {
		logger.Warn("load group memberships failed", zap.String("user", userID), zap.Error(err))
		groups = nil
	}
	return model.NewViewer(u, conns, circles, groups)
}
