package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-feed/internal/model"
)

// OutboxRepository post.created 事件的读取与状态流转
type OutboxRepository interface {
	Append(ctx context.Context, postID, authorID string) (*model.Outbox, error)
	// Claim 把最多 limit 条 pending 事件置为 processing 并返回；
	// 条件更新保证多个 relay 实例不会重复领取同一条
	Claim(ctx context.Context, limit int) ([]model.Outbox, error)
	MarkDone(ctx context.Context, id, jobID string) error
	// MarkRetry 记录失败；attempts 达到 maxAttempts 时置为 failed，否则回到 pending
	MarkRetry(ctx context.Context, id string, cause error, maxAttempts int) error
	Get(ctx context.Context, id string) (*model.Outbox, error)
}

type outboxRepository struct{ db *gorm.DB }

func NewOutboxRepository(db *gorm.DB) OutboxRepository { return &outboxRepository{db: db} }

func (r *outboxRepository) Append(ctx context.Context, postID, authorID string) (*model.Outbox, error) {
	ob := &model.Outbox{
		ID:        uuid.New().String(),
		EventType: model.EventPostCreated,
		PostID:    postID,
		AuthorID:  authorID,
		CreatedAt: time.Now(),
		Status:    model.OutboxPending,
	}
	if err := r.db.WithContext(ctx).Create(ob).Error; err != nil {
		return nil, err
	}
	return ob, nil
}

func (r *outboxRepository) Claim(ctx context.Context, limit int) ([]model.Outbox, error) {
	var candidates []model.Outbox
	if err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxPending).
		Order("created_at").
		Limit(limit).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	claimed := make([]model.Outbox, 0, len(candidates))
	for _, c := range candidates {
		res := r.db.WithContext(ctx).Model(&model.Outbox{}).
			Where("id = ? AND status = ?", c.ID, model.OutboxPending).
			Updates(map[string]any{"status": model.OutboxProcessing, "attempts": gorm.Expr("attempts + 1")})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 1 {
			c.Status = model.OutboxProcessing
			c.Attempts++
			claimed = append(claimed, c)
		}
	}
	return claimed, nil
}

func (r *outboxRepository) MarkDone(ctx context.Context, id, jobID string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.Outbox{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": model.OutboxDone, "processed_at": now, "job_id": jobID, "last_error": ""}).Error
}

func (r *outboxRepository) MarkRetry(ctx context.Context, id string, cause error, maxAttempts int) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.db.WithContext(ctx).Model(&model.Outbox{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     gorm.Expr("CASE WHEN attempts >= ? THEN ? ELSE ? END", maxAttempts, model.OutboxFailed, model.OutboxPending),
			"last_error": msg,
		}).Error
}

func (r *outboxRepository) Get(ctx context.Context, id string) (*model.Outbox, error) {
	var ob model.Outbox
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&ob).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ob, nil
}
