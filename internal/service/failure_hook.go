package service

import (
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-feed/pkg/alert"
	"github.com/d60-Lab/timeline-feed/pkg/logger"
)

// FailureHook 任务进入 failed 终态时调用，供运维感知
type FailureHook interface {
	JobFailed(job Job, err error)
}

// FailureHookFunc 函数适配器
type FailureHookFunc func(job Job, err error)

func (f FailureHookFunc) JobFailed(job Job, err error) { f(job, err) }

// AlertingFailureHook 记录错误日志并上报 Sentry
type AlertingFailureHook struct{}

func (AlertingFailureHook) JobFailed(job Job, err error) {
	logger.Error("refresh job failed",
		zap.String("job", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("post", job.PostID),
		zap.Int("attempts", job.Attempts),
		zap.Error(err),
	)
	alert.Capture(err,
		map[string]string{"component": "refresher", "job_kind": string(job.Kind)},
		map[string]interface{}{"job_id": job.ID, "post_id": job.PostID, "attempts": job.Attempts},
	)
}
