package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-feed/config"
	"github.com/d60-Lab/timeline-feed/internal/model"
	"github.com/d60-Lab/timeline-feed/internal/repository"
	"github.com/d60-Lab/timeline-feed/pkg/logger"
)

// PostInvalidator 为新帖投递定向失效任务，由 Refresher 实现
type PostInvalidator interface {
	InvalidateForNewPost(post *model.Post) (string, error)
}

var _ PostInvalidator = (*Refresher)(nil)

// OutboxRelay 轮询 outbox 中的 post.created 事件，转成定向刷新任务
type OutboxRelay struct {
	outbox       repository.OutboxRepository
	posts        repository.PostRepository
	target       PostInvalidator
	claimLimit   int
	maxAttempts  int
	pollInterval time.Duration
	metricsCh    chan time.Duration // outbox -> 任务入队延迟
}

func NewOutboxRelay(outbox repository.OutboxRepository, posts repository.PostRepository, target PostInvalidator, cfg config.OutboxConfig) *OutboxRelay {
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &OutboxRelay{
		outbox:       outbox,
		posts:        posts,
		target:       target,
		claimLimit:   cfg.ClaimLimit,
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: cfg.PollInterval,
		metricsCh:    make(chan time.Duration, 65536),
	}
}

func (w *OutboxRelay) Metrics() <-chan time.Duration { return w.metricsCh }

// Start 启动轮询协程；返回停止函数
func (w *OutboxRelay) Start() func(context.Context) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.loop(stop)
	}()
	return func(ctx context.Context) error {
		close(stop)
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *OutboxRelay) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := w.ProcessOnce(context.Background()); err != nil {
				logger.Warn("outbox relay poll failed", zap.Error(err))
			}
		}
	}
}

// ProcessOnce 领取一批 pending 事件并逐条处理，返回成功投递的条数
func (w *OutboxRelay) ProcessOnce(ctx context.Context) (int, error) {
	batch, err := w.outbox.Claim(ctx, w.claimLimit)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	relayed := 0
	for _, ob := range batch {
		jobID, err := w.relay(ctx, ob)
		if err != nil {
			logger.Warn("outbox event relay failed",
				zap.String("outbox", ob.ID), zap.String("post", ob.PostID),
				zap.Int("attempts", ob.Attempts), zap.Error(err))
			if merr := w.outbox.MarkRetry(ctx, ob.ID, err, w.maxAttempts); merr != nil {
				logger.Error("outbox mark retry failed", zap.String("outbox", ob.ID), zap.Error(merr))
			}
			continue
		}
		if err := w.outbox.MarkDone(ctx, ob.ID, jobID); err != nil {
			logger.Error("outbox mark done failed", zap.String("outbox", ob.ID), zap.Error(err))
			continue
		}
		relayed++
		if !ob.CreatedAt.IsZero() {
			select {
			case w.metricsCh <- time.Since(ob.CreatedAt):
			default:
			}
		}
	}
	return relayed, nil
}

func (w *OutboxRelay) relay(ctx context.Context, ob model.Outbox) (string, error) {
	if ob.EventType != model.EventPostCreated {
		return "", fmt.Errorf("unsupported outbox event %q", ob.EventType)
	}
	post, err := w.posts.GetByID(ctx, ob.PostID)
	if err != nil {
		return "", fmt.Errorf("load post: %w", err)
	}
	return w.target.InvalidateForNewPost(post)
}
