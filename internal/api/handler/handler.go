package handler

import (
	"context"

	"github.com/d60-Lab/timeline-feed/internal/service"
)

// Refresh 刷新任务的投递与查询，由 service.Refresher 实现
type Refresh interface {
	EnqueueBulk() (string, error)
	Job(id string) (service.Job, error)
}

// Check 健康检查项
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Handler struct {
	timeline service.TimelineService
	refresh  Refresh
	checks   []Check
}

func NewHandler(timeline service.TimelineService, refresh Refresh, checks ...Check) *Handler {
	return &Handler{timeline: timeline, refresh: refresh, checks: checks}
}
