package service

import (
	"errors"
	"time"
)

var (
	ErrJobTimeout          = errors.New("refresh job timed out")
	ErrJobRetriesExhausted = errors.New("refresh job retries exhausted")
	ErrQueueFull           = errors.New("refresh queue full")
	ErrJobNotFound         = errors.New("refresh job not found")
	ErrBulkInFlight        = errors.New("bulk refresh already in flight")
	ErrRefresherStopped    = errors.New("refresher stopped before job ran")
)

// JobKind 刷新任务类型
type JobKind string

const (
	JobTargeted JobKind = "targeted"
	JobBulk     JobKind = "bulk"
)

// JobState enqueued -> running -> completed | failed
type JobState string

const (
	JobEnqueued  JobState = "enqueued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job 刷新任务描述：带尝试次数和单次超时，不会无限重试
type Job struct {
	ID          string        `json:"id"`
	Kind        JobKind       `json:"kind"`
	PostID      string        `json:"post_id,omitempty"`
	AuthorID    string        `json:"author_id,omitempty"`
	State       JobState      `json:"state"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Timeout     time.Duration `json:"timeout"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
	Invalidated int           `json:"invalidated"`
	LastError   string        `json:"last_error,omitempty"`
}

// Terminal 是否已到终态
func (j Job) Terminal() bool {
	return j.State == JobCompleted || j.State == JobFailed
}

// BulkStats 一次全量刷新的统计
type BulkStats struct {
	Scanned   int           `json:"scanned"`
	Refreshed int           `json:"refreshed"`
	Warmed    int           `json:"warmed"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}
