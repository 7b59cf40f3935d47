package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/timeline-feed/config"
	"github.com/d60-Lab/timeline-feed/internal/model"
	"github.com/d60-Lab/timeline-feed/internal/repository"
	"github.com/d60-Lab/timeline-feed/pkg/logger"
)

// Invalidator 删除某个用户的全部缓存页
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) (int, error)
}

// Warmer 全量刷新时预热首页
type Warmer interface {
	GetTimeline(ctx context.Context, userID string, pageSize int, cursor string) (*model.TimelinePage, error)
}

// RefreshOptions 刷新任务参数
type RefreshOptions struct {
	QueueSize    int
	MaxAttempts  int
	JobTimeout   time.Duration
	RetryBackoff time.Duration
	ActiveWindow time.Duration
	BatchSize    int
	// RatePerSec 全量刷新每秒处理的用户数上限，0 表示不限速
	RatePerSec   float64
	ProgressStep int
	Warm         bool
	// HistorySize 保留的已结束任务数量
	HistorySize int
}

func RefreshOptionsFromConfig(cfg config.RefreshConfig) RefreshOptions {
	return RefreshOptions{
		QueueSize:    cfg.QueueSize,
		MaxAttempts:  cfg.MaxAttempts,
		JobTimeout:   cfg.JobTimeout,
		RetryBackoff: time.Second,
		ActiveWindow: cfg.ActiveWindow,
		BatchSize:    cfg.BatchSize,
		RatePerSec:   cfg.RatePerSec,
		ProgressStep: cfg.ProgressStep,
		Warm:         cfg.Warm,
	}
}

func (o *RefreshOptions) normalize() {
	if o.QueueSize <= 0 {
		o.QueueSize = 10000
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 300 * time.Second
	}
	if o.ActiveWindow <= 0 {
		o.ActiveWindow = 7 * 24 * time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.ProgressStep <= 0 {
		o.ProgressStep = 1000
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 10000
	}
}

type task struct {
	jobID string
	kind  JobKind
	post  *model.Post
}

// Refresher 异步缓存刷新：新帖定向失效 + 定时全量刷新活跃用户
type Refresher struct {
	cache  Invalidator
	graph  repository.GraphRepository
	users  repository.UserRepository
	warmer Warmer
	hook   FailureHook
	opts   RefreshOptions

	limiter *rate.Limiter
	ch      chan task

	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string

	bulkActive atomic.Bool
	metricsCh  chan time.Duration
	now        func() time.Time
}

func NewRefresher(cache Invalidator, graph repository.GraphRepository, users repository.UserRepository, warmer Warmer, hook FailureHook, opts RefreshOptions) *Refresher {
	opts.normalize()
	if hook == nil {
		hook = AlertingFailureHook{}
	}
	r := &Refresher{
		cache:     cache,
		graph:     graph,
		users:     users,
		warmer:    warmer,
		hook:      hook,
		opts:      opts,
		ch:        make(chan task, opts.QueueSize),
		jobs:      make(map[string]*Job),
		metricsCh: make(chan time.Duration, 65536),
		now:       time.Now,
	}
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return r
}

// Start 启动 workers 个消费协程，返回停止函数；停止函数等待进行中的任务结束或 ctx 到期
func (r *Refresher) Start(workers int) func(context.Context) error {
	if workers <= 0 {
		workers = 4
	}
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				// 已停止时不再领取新任务，剩余任务交给 drain
				select {
				case <-stopCh:
					return
				default:
				}
				select {
				case t := <-r.ch:
					r.execute(t)
				case <-stopCh:
					return
				}
			}
		}()
	}
	return func(ctx context.Context) error {
		close(stopCh)
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if n := r.drain(); n > 0 {
			logger.Warn("refresher stopped with queued jobs", zap.Int("queued", n))
		}
		return nil
	}
}

// drain 取出停止时仍在排队的任务并置为 failed；排队中的全量任务同时释放 bulkActive
func (r *Refresher) drain() int {
	n := 0
	for {
		select {
		case t := <-r.ch:
			n++
			if t.kind == JobBulk {
				r.bulkActive.Store(false)
			}
			snap := r.update(t.jobID, func(j *Job) {
				j.State = JobFailed
				j.FinishedAt = r.now()
				j.LastError = ErrRefresherStopped.Error()
			})
			r.hook.JobFailed(snap, ErrRefresherStopped)
		default:
			return n
		}
	}
}

// StartScheduler 按 interval 投递全量刷新，上一轮未结束时跳过；阻塞直到 ctx 取消
func (r *Refresher) StartScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.EnqueueBulk(); err != nil && !errors.Is(err, ErrBulkInFlight) {
				logger.Warn("schedule bulk refresh failed", zap.Error(err))
			}
		}
	}
}

// InvalidateForNewPost 为新帖投递定向失效任务，返回任务 ID
func (r *Refresher) InvalidateForNewPost(post *model.Post) (string, error) {
	if post == nil {
		return "", errors.New("nil post")
	}
	if err := post.Validate(); err != nil {
		return "", fmt.Errorf("post %s: %w", post.ID, err)
	}
	job := r.newJob(JobTargeted)
	job.PostID = post.ID
	job.AuthorID = post.AuthorID
	return r.enqueue(job, task{jobID: job.ID, kind: JobTargeted, post: post})
}

// EnqueueBulk 投递一次全量刷新
func (r *Refresher) EnqueueBulk() (string, error) {
	if !r.bulkActive.CompareAndSwap(false, true) {
		return "", ErrBulkInFlight
	}
	job := r.newJob(JobBulk)
	id, err := r.enqueue(job, task{jobID: job.ID, kind: JobBulk})
	if err != nil {
		r.bulkActive.Store(false)
	}
	return id, err
}

func (r *Refresher) newJob(kind JobKind) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		State:       JobEnqueued,
		MaxAttempts: r.opts.MaxAttempts,
		Timeout:     r.opts.JobTimeout,
		EnqueuedAt:  r.now(),
	}
}

func (r *Refresher) enqueue(job *Job, t task) (string, error) {
	r.register(job)
	select {
	case r.ch <- t:
		return job.ID, nil
	default:
		snap := r.update(job.ID, func(j *Job) {
			j.State = JobFailed
			j.FinishedAt = r.now()
			j.LastError = ErrQueueFull.Error()
		})
		logger.Warn("refresh queue full, drop job", zap.String("job", job.ID), zap.String("kind", string(job.Kind)), zap.String("post", job.PostID))
		r.hook.JobFailed(snap, ErrQueueFull)
		return job.ID, ErrQueueFull
	}
}

// execute 在单次超时内执行任务，失败重试到 MaxAttempts 后进入 failed 并触发 hook
func (r *Refresher) execute(t task) {
	if t.kind == JobBulk {
		defer r.bulkActive.Store(false)
	}
	snap := r.update(t.jobID, func(j *Job) {
		j.State = JobRunning
		j.StartedAt = r.now()
	})

	var lastErr error
	for attempt := 1; attempt <= snap.MaxAttempts; attempt++ {
		r.update(t.jobID, func(j *Job) { j.Attempts = attempt })

		ctx, cancel := context.WithTimeout(context.Background(), snap.Timeout)
		n, err := r.runOnce(ctx, t)
		err = withDeadline(ctx, err)
		cancel()

		if err == nil {
			done := r.update(t.jobID, func(j *Job) {
				j.State = JobCompleted
				j.Invalidated = n
				j.FinishedAt = r.now()
				j.LastError = ""
			})
			select {
			case r.metricsCh <- done.FinishedAt.Sub(done.EnqueuedAt):
			default:
			}
			return
		}

		lastErr = err
		logger.Warn("refresh job attempt failed",
			zap.String("job", t.jobID), zap.String("kind", string(t.kind)),
			zap.Int("attempt", attempt), zap.Int("max_attempts", snap.MaxAttempts), zap.Error(err))
		if attempt < snap.MaxAttempts && r.opts.RetryBackoff > 0 {
			time.Sleep(r.opts.RetryBackoff)
		}
	}

	terminal := ErrJobRetriesExhausted
	if errors.Is(lastErr, context.DeadlineExceeded) {
		terminal = ErrJobTimeout
	}
	final := fmt.Errorf("%w: %v", terminal, lastErr)
	failed := r.update(t.jobID, func(j *Job) {
		j.State = JobFailed
		j.FinishedAt = r.now()
		j.LastError = final.Error()
	})
	r.hook.JobFailed(failed, final)
}

// withDeadline 把本次尝试的 ctx 状态并入错误。Redis 等下游常把到期报成 i/o timeout，这里统一成 DeadlineExceeded
func withDeadline(ctx context.Context, err error) error {
	cerr := ctx.Err()
	if cerr == nil && err != nil {
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			cerr = context.DeadlineExceeded
		}
	}
	if cerr == nil || errors.Is(err, cerr) {
		return err
	}
	return errors.Join(err, cerr)
}

func (r *Refresher) runOnce(ctx context.Context, t task) (int, error) {
	switch t.kind {
	case JobTargeted:
		return r.invalidateAudience(ctx, t.post)
	case JobBulk:
		stats, err := r.RunBulkRefresh(ctx)
		return stats.Refreshed, err
	default:
		return 0, fmt.Errorf("unknown job kind %q", t.kind)
	}
}

// Audience 新帖会成为哪些用户的候选：作者、作者的好友、帖子所属圈子和群组的成员
func (r *Refresher) Audience(ctx context.Context, post *model.Post) ([]string, error) {
	set := map[string]struct{}{post.AuthorID: {}}

	conns, err := r.graph.Connections(ctx, post.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("load author connections: %w", err)
	}
	for _, id := range conns {
		set[id] = struct{}{}
	}
	if len(post.CircleIDs) > 0 {
		members, err := r.graph.CircleMembers(ctx, post.CircleIDs)
		if err != nil {
			return nil, fmt.Errorf("load circle members: %w", err)
		}
		for _, id := range members {
			set[id] = struct{}{}
		}
	}
	if len(post.GroupIDs) > 0 {
		members, err := r.graph.GroupMembers(ctx, post.GroupIDs)
		if err != nil {
			return nil, fmt.Errorf("load group members: %w", err)
		}
		for _, id := range members {
			set[id] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// invalidateAudience 逐个失效；单个用户失败不影响其他用户，但整体返回错误以便重试
func (r *Refresher) invalidateAudience(ctx context.Context, post *model.Post) (int, error) {
	audience, err := r.Audience(ctx, post)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, uid := range audience {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := r.cache.Invalidate(ctx, uid); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", uid, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// RunBulkRefresh 遍历活跃窗口内的用户并失效（可选预热）其缓存。
// 单个用户失败只计数和记录日志，不中断本轮；只有列举用户失败或 ctx 结束才返回错误。
func (r *Refresher) RunBulkRefresh(ctx context.Context) (BulkStats, error) {
	start := r.now()
	since := start.Add(-r.opts.ActiveWindow).UTC()
	var stats BulkStats

	logger.Info("bulk refresh started", zap.Time("active_since", since))
	after := ""
	for {
		batch, err := r.users.ListActiveSince(ctx, since, after, r.opts.BatchSize)
		if err != nil {
			stats.Elapsed = r.now().Sub(start)
			return stats, fmt.Errorf("list active users after %q: %w", after, err)
		}
		for _, u := range batch {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					stats.Elapsed = r.now().Sub(start)
					return stats, err
				}
			}
			stats.Scanned++
			if _, err := r.cache.Invalidate(ctx, u.ID); err != nil {
				stats.Failed++
				logger.Warn("bulk refresh: invalidate failed", zap.String("user", u.ID), zap.Error(err))
			} else {
				stats.Refreshed++
				if r.opts.Warm && r.warmer != nil {
					if _, err := r.warmer.GetTimeline(ctx, u.ID, 0, ""); err != nil {
						logger.Warn("bulk refresh: warm failed", zap.String("user", u.ID), zap.Error(err))
					} else {
						stats.Warmed++
					}
				}
			}
			if stats.Scanned%r.opts.ProgressStep == 0 {
				logger.Info("bulk refresh progress",
					zap.Int("scanned", stats.Scanned), zap.Int("refreshed", stats.Refreshed), zap.Int("failed", stats.Failed))
			}
		}
		if len(batch) < r.opts.BatchSize {
			break
		}
		after = batch[len(batch)-1].ID
	}

	stats.Elapsed = r.now().Sub(start)
	logger.Info("bulk refresh finished",
		zap.Int("scanned", stats.Scanned), zap.Int("refreshed", stats.Refreshed),
		zap.Int("warmed", stats.Warmed), zap.Int("failed", stats.Failed), zap.Duration("elapsed", stats.Elapsed))
	return stats, nil
}

// Job 查询任务快照
func (r *Refresher) Job(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *j, nil
}

func (r *Refresher) register(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	// 超出上限时从最旧的开始淘汰已结束的任务
	for len(r.order) > r.opts.HistorySize {
		oldest, ok := r.jobs[r.order[0]]
		if ok && !oldest.Terminal() {
			break
		}
		delete(r.jobs, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *Refresher) update(id string, fn func(*Job)) Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{ID: id}
	}
	fn(j)
	return *j
}

// Metrics 返回任务从入队到完成耗时的只读通道
func (r *Refresher) Metrics() <-chan time.Duration { return r.metricsCh }

// QueueLen 当前队列长度（采样值）
func (r *Refresher) QueueLen() int { return len(r.ch) }
