// Package source 提供时间线候选帖子的三个来源：公开、圈子、群组。
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/d60-Lab/timeline-feed/internal/cursor"
	"github.com/d60-Lab/timeline-feed/internal/model"
	"github.com/d60-Lab/timeline-feed/internal/repository"
)

// ErrProviderUnavailable 来源暂不可用；调用方应降级为空结果
var ErrProviderUnavailable = errors.New("source provider unavailable")

// Query 单次拉取参数
type Query struct {
	Limit int
	// Before 非空时只返回严格早于该位置的帖子
	Before *cursor.Position
}

// Provider 返回 viewer 可见的某一来源的帖子，按 (created_at, id) 倒序，最多 Limit 条
type Provider interface {
	Name() string
	Fetch(ctx context.Context, viewer *model.Viewer, q Query) ([]*model.Post, error)
}

func toRepoQuery(q Query) repository.PostQuery {
	rq := repository.PostQuery{Limit: q.Limit}
	if q.Before != nil {
		rq.Before = &repository.Seek{CreatedAt: q.Before.CreatedAt, ID: q.Before.ID}
	}
	return rq
}

func unavailable(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, name, err)
}

// PublicProvider 所有公开帖子
type PublicProvider struct{ posts repository.PostRepository }

func NewPublicProvider(posts repository.PostRepository) *PublicProvider {
	return &PublicProvider{posts: posts}
}

func (p *PublicProvider) Name() string { return "public" }

func (p *PublicProvider) Fetch(ctx context.Context, _ *model.Viewer, q Query) ([]*model.Post, error) {
	res, err := p.posts.ListPublic(ctx, toRepoQuery(q))
	if err != nil {
		return nil, unavailable(p.Name(), err)
	}
	return res, nil
}

// CircleProvider viewer 所在圈子的帖子；不在任何圈子时返回空
type CircleProvider struct{ posts repository.PostRepository }

func NewCircleProvider(posts repository.PostRepository) *CircleProvider {
	return &CircleProvider{posts: posts}
}

func (p *CircleProvider) Name() string { return "circle" }

func (p *CircleProvider) Fetch(ctx context.Context, viewer *model.Viewer, q Query) ([]*model.Post, error) {
	if viewer == nil || len(viewer.CircleIDs) == 0 {
		return nil, nil
	}
	res, err := p.posts.ListByCircles(ctx, viewer.CircleIDs, toRepoQuery(q))
	if err != nil {
		return nil, unavailable(p.Name(), err)
	}
	return res, nil
}

// GroupProvider viewer 所在群组的帖子；不在任何群组时返回空
type GroupProvider struct{ posts repository.PostRepository }

func NewGroupProvider(posts repository.PostRepository) *GroupProvider {
	return &GroupProvider{posts: posts}
}

func (p *GroupProvider) Name() string { return "group" }

func (p *GroupProvider) Fetch(ctx context.Context, viewer *model.Viewer, q Query) ([]*model.Post, error) {
	if viewer == nil || len(viewer.GroupIDs) == 0 {
		return nil, nil
	}
	res, err := p.posts.ListByGroups(ctx, viewer.GroupIDs, toRepoQuery(q))
	if err != nil {
		return nil, unavailable(p.Name(), err)
	}
	return res, nil
}

// Defaults 按固定顺序返回三个来源
func Defaults(posts repository.PostRepository) []Provider {
	return []Provider{NewPublicProvider(posts), NewCircleProvider(posts), NewGroupProvider(posts)}
}
