package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/timeline-feed/internal/model"
)

// PostRepository 按可见范围读取帖子，结果按 (created_at DESC, id DESC) 排序
type PostRepository interface {
	ListPublic(ctx context.Context, q PostQuery) ([]*model.Post, error)
	ListByCircles(ctx context.Context, circleIDs []string, q PostQuery) ([]*model.Post, error)
	ListByGroups(ctx context.Context, groupIDs []string, q PostQuery) ([]*model.Post, error)
	// GetByID 会回填 CircleIDs / GroupIDs
	GetByID(ctx context.Context, id string) (*model.Post, error)
	Create(ctx context.Context, post *model.Post) error
}

type postRepository struct{ db *gorm.DB }

func NewPostRepository(db *gorm.DB) PostRepository { return &postRepository{db: db} }

func (r *postRepository) ListPublic(ctx context.Context, q PostQuery) ([]*model.Post, error) {
	tx := r.db.WithContext(ctx).Where("visibility = ?", model.VisibilityPublic)
	return r.page(tx, q)
}

func (r *postRepository) ListByCircles(ctx context.Context, circleIDs []string, q PostQuery) ([]*model.Post, error) {
	if len(circleIDs) == 0 {
		return nil, nil
	}
	sub := r.db.Model(&model.PostCircle{}).Select("post_id").Where("circle_id IN ?", circleIDs)
	tx := r.db.WithContext(ctx).
		Where("visibility = ?", model.VisibilityCircle).
		Where("id IN (?)", sub)
	return r.page(tx, q)
}

func (r *postRepository) ListByGroups(ctx context.Context, groupIDs []string, q PostQuery) ([]*model.Post, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	sub := r.db.Model(&model.PostGroup{}).Select("post_id").Where("group_id IN ?", groupIDs)
	tx := r.db.WithContext(ctx).
		Where("visibility = ?", model.VisibilityGroup).
		Where("id IN (?)", sub)
	return r.page(tx, q)
}

// page 键集分页，避免深翻页的 OFFSET 扫描
func (r *postRepository) page(tx *gorm.DB, q PostQuery) ([]*model.Post, error) {
	if q.Before != nil {
		at := q.Before.CreatedAt.UTC()
		tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, q.Before.ID)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var res []*model.Post
	err := tx.Order("created_at DESC").Order("id DESC").Find(&res).Error
	return res, err
}

func (r *postRepository) GetByID(ctx context.Context, id string) (*model.Post, error) {
	var p model.Post
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("post %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&model.PostCircle{}).
		Where("post_id = ?", id).Pluck("circle_id", &p.CircleIDs).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&model.PostGroup{}).
		Where("post_id = ?", id).Pluck("group_id", &p.GroupIDs).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// Create 在一个事务内写入帖子及其圈子/群组范围（种子数据与压测使用）
func (r *postRepository) Create(ctx context.Context, post *model.Post) error {
	if err := post.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(post).Error; err != nil {
			return err
		}
		if len(post.CircleIDs) > 0 {
			rows := make([]model.PostCircle, len(post.CircleIDs))
			for i, c := range post.CircleIDs {
				rows[i] = model.PostCircle{PostID: post.ID, CircleID: c}
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				return err
			}
		}
		if len(post.GroupIDs) > 0 {
			rows := make([]model.PostGroup, len(post.GroupIDs))
			for i, g := range post.GroupIDs {
				rows[i] = model.PostGroup{PostID: post.ID, GroupID: g}
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
