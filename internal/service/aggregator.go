package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-feed/internal/cursor"
	"github.com/d60-Lab/timeline-feed/internal/model"
	"github.com/d60-Lab/timeline-feed/internal/ranking"
	"github.com/d60-Lab/timeline-feed/internal/source"
	"github.com/d60-Lab/timeline-feed/pkg/logger"
)

var tracer = otel.Tracer("github.com/d60-Lab/timeline-feed/internal/service")

// ScoredPost 一次构建内的打分结果，不落库
type ScoredPost struct {
	Post  *model.Post
	Score float64
}

// Aggregator 合并多个来源、去重、按游标截取窗口并排序
type Aggregator struct {
	providers  []source.Provider
	scorer     *ranking.Scorer
	oversample int
	now        func() time.Time
}

func NewAggregator(providers []source.Provider, scorer *ranking.Scorer, oversample int) *Aggregator {
	if oversample < 1 {
		oversample = 2
	}
	return &Aggregator{providers: providers, scorer: scorer, oversample: oversample, now: time.Now}
}

// Build 生成一页时间线。
//
// 游标按 (created_at, id) 切分候选集：每页取游标之后最新的 pageSize 条，
// 页内再按分数排序；下一页游标指向本页最旧的一条。这样连续翻页既不重复也不遗漏。
// 分数有序只在单页内成立：后一页里较旧但分数高的帖子可能高于前一页的帖子。
// 来源失败只降级，非法游标从第一页开始，因此 Build 不返回错误。
func (a *Aggregator) Build(ctx context.Context, viewer *model.Viewer, pageSize int, rawCursor string) *model.TimelinePage {
	ctx, span := tracer.Start(ctx, "Aggregator.Build")
	defer span.End()

	var before *cursor.Position
	if rawCursor != "" {
		pos, err := cursor.Decode(rawCursor)
		if err != nil {
			logger.Warn("invalid timeline cursor, starting from first page",
				zap.String("user", viewer.ID()), zap.Error(err))
		} else {
			before = &pos
		}
	}

	limit := pageSize * a.oversample
	if limit < pageSize+1 {
		limit = pageSize + 1
	}
	candidates := a.collect(ctx, viewer, source.Query{Limit: limit, Before: before})
	if before != nil {
		kept := candidates[:0]
		for _, p := range candidates {
			if before.Before(p.CreatedAt, p.ID) {
				kept = append(kept, p)
			}
		}
		candidates = kept
	}
	sortByRecency(candidates)

	page := &model.TimelinePage{Posts: []model.PostRef{}}
	window := candidates
	if len(window) > pageSize {
		window = window[:pageSize]
		page.HasMore = true
	}
	if page.HasMore {
		oldest := window[len(window)-1]
		page.NextCursor = cursor.Encode(oldest.ID, oldest.CreatedAt)
	}

	now := a.now()
	scored := make([]ScoredPost, len(window))
	for i, p := range window {
		scored[i] = ScoredPost{Post: p, Score: a.scorer.Score(p, viewer, now)}
	}
	sortByScore(scored)
	for _, sp := range scored {
		page.Posts = append(page.Posts, model.PostRef{
			ID:        sp.Post.ID,
			AuthorID:  sp.Post.AuthorID,
			CreatedAt: sp.Post.CreatedAt,
			Score:     sp.Score,
		})
	}

	span.SetAttributes(
		attribute.String("timeline.user", viewer.ID()),
		attribute.Int("timeline.candidates", len(candidates)),
		attribute.Int("timeline.returned", len(page.Posts)),
		attribute.Bool("timeline.has_more", page.HasMore),
	)
	return page
}

// collect 并发拉取所有来源并按 ID 去重；失败的来源记录告警后忽略
func (a *Aggregator) collect(ctx context.Context, viewer *model.Viewer, q source.Query) []*model.Post {
	results := make([][]*model.Post, len(a.providers))
	var wg sync.WaitGroup
	for i, p := range a.providers {
		wg.Add(1)
		go func(i int, p source.Provider) {
			defer wg.Done()
			posts, err := p.Fetch(ctx, viewer, q)
			if err != nil {
				fields := []zap.Field{zap.String("provider", p.Name()), zap.String("user", viewer.ID()), zap.Error(err)}
				if errors.Is(err, source.ErrProviderUnavailable) {
					logger.Warn("timeline source degraded", fields...)
				} else {
					logger.Warn("timeline source failed", fields...)
				}
				return
			}
			results[i] = posts
		}(i, p)
	}
	wg.Wait()

	seen := make(map[string]struct{})
	var merged []*model.Post
	for _, posts := range results {
		for _, p := range posts {
			if p == nil {
				continue
			}
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			merged = append(merged, p)
		}
	}
	return merged
}

func sortByRecency(posts []*model.Post) {
	sort.Slice(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].ID > posts[j].ID
	})
}

// sortByScore 分数倒序；同分按时间倒序，再按 ID 倒序，保证结果确定
func sortByScore(sp []ScoredPost) {
	sort.Slice(sp, func(i, j int) bool {
		if sp[i].Score != sp[j].Score {
			return sp[i].Score > sp[j].Score
		}
		if !sp[i].Post.CreatedAt.Equal(sp[j].Post.CreatedAt) {
			return sp[i].Post.CreatedAt.After(sp[j].Post.CreatedAt)
		}
		return sp[i].Post.ID > sp[j].Post.ID
	})
}
