package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-feed/internal/model"
)

type UserRepository interface {
	Get(ctx context.Context, id string) (*model.User, error)
	// ListActiveSince 按 id 键集分页列出 last_active_at >= since 的用户
	ListActiveSince(ctx context.Context, since time.Time, afterID string, limit int) ([]*model.User, error)
	Create(ctx context.Context, u *model.User) error
}

type userRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &userRepository{db: db} }

func (r *userRepository) Get(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &u, nil
}

func (r *userRepository) ListActiveSince(ctx context.Context, since time.Time, afterID string, limit int) ([]*model.User, error) {
	tx := r.db.WithContext(ctx).
		Where("last_active_at IS NOT NULL AND last_active_at >= ?", since.UTC())
	if afterID != "" {
		tx = tx.Where("id > ?", afterID)
	}
	var res []*model.User
	err := tx.Order("id ASC").Limit(limit).Find(&res).Error
	return res, err
}

func (r *userRepository) Create(ctx context.Context, u *model.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}
