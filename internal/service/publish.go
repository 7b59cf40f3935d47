package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-feed/internal/model"
	"github.com/d60-Lab/timeline-feed/internal/repository"
)

// Publisher 事务内写 posts + outbox，供种子数据、压测和 relay 测试模拟内容服务
type Publisher struct{ db *gorm.DB }

func NewPublisher(db *gorm.DB) *Publisher { return &Publisher{db: db} }

// Publish 落地帖子与 post.created 事件，返回 outbox 记录
func (p *Publisher) Publish(ctx context.Context, post *model.Post) (*model.Outbox, error) {
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}
	var ob *model.Outbox
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repository.NewPostRepository(tx).Create(ctx, post); err != nil {
			return err
		}
		var err error
		ob, err = repository.NewOutboxRepository(tx).Append(ctx, post.ID, post.AuthorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ob, nil
}
