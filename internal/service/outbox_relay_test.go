package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/timeline-feed/config"
	"github.com/d60-Lab/timeline-feed/internal/model"
	"github.com/d60-Lab/timeline-feed/internal/repository"
	"github.com/d60-Lab/timeline-feed/internal/testutil"
)

type fakeTarget struct {
	mu    sync.Mutex
	posts []*model.Post
	err   error
}

func (f *fakeTarget) InvalidateForNewPost(post *model.Post) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.posts = append(f.posts, post)
	return "job-" + post.ID, nil
}

func (f *fakeTarget) seen() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Post(nil), f.posts...)
}

func relayConfig() config.OutboxConfig {
	return config.OutboxConfig{Enabled: true, PollInterval: 5 * time.Millisecond, ClaimLimit: 10, MaxAttempts: 2}
}

func TestPublishThenRelay(t *testing.T) {
	db := testutil.NewDB(t)
	outbox := repository.NewOutboxRepository(db)
	target := &fakeTarget{}
	relay := NewOutboxRelay(outbox, repository.NewPostRepository(db), target, relayConfig())
	ctx := context.Background()

	ob, err := NewPublisher(db).Publish(ctx, &model.Post{ID: "p1", AuthorID: "author", Visibility: model.VisibilityCircle, CircleIDs: []string{"c1"}})
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, ob.Status)

	n, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	posts := target.seen()
	require.Len(t, posts, 1)
	assert.Equal(t, "author", posts[0].AuthorID)
	assert.Equal(t, []string{"c1"}, posts[0].CircleIDs)

	got, err := outbox.Get(ctx, ob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxDone, got.Status)
	assert.Equal(t, "job-p1", got.JobID)

	// 已处理的事件不会重复投递
	n, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, target.seen(), 1)

	select {
	case <-relay.Metrics():
	default:
		t.Fatal("expected a latency sample")
	}
}

func TestPublishRollsBackInvalidPost(t *testing.T) {
	db := testutil.NewDB(t)
	_, err := NewPublisher(db).Publish(context.Background(), &model.Post{AuthorID: "a", Visibility: model.VisibilityGroup})
	assert.ErrorIs(t, err, model.ErrMissingGroup)

	var count int64
	require.NoError(t, db.Model(&model.Outbox{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRelayRetriesThenFails(t *testing.T) {
	db := testutil.NewDB(t)
	outbox := repository.NewOutboxRepository(db)
	target := &fakeTarget{err: ErrQueueFull}
	relay := NewOutboxRelay(outbox, repository.NewPostRepository(db), target, relayConfig())
	ctx := context.Background()

	ob, err := NewPublisher(db).Publish(ctx, &model.Post{ID: "p1", AuthorID: "author", Visibility: model.VisibilityPublic})
	require.NoError(t, err)

	n, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := outbox.Get(ctx, ob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, got.Status)
	assert.Contains(t, got.LastError, ErrQueueFull.Error())

	_, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	got, err = outbox.Get(ctx, ob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestRelayMissingPost(t *testing.T) {
	db := testutil.NewDB(t)
	outbox := repository.NewOutboxRepository(db)
	target := &fakeTarget{}
	relay := NewOutboxRelay(outbox, repository.NewPostRepository(db), target, relayConfig())
	ctx := context.Background()

	ob, err := outbox.Append(ctx, "ghost", "author")
	require.NoError(t, err)

	_, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	got, err := outbox.Get(ctx, ob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, got.Status)
	assert.Contains(t, got.LastError, repository.ErrNotFound.Error())
	assert.Empty(t, target.seen())
}

func TestRelayLoopWithRefresher(t *testing.T) {
	db := testutil.NewDB(t)
	outbox := repository.NewOutboxRepository(db)
	inv := &fakeInvalidator{}
	refresher := NewRefresher(inv, repository.NewGraphRepository(db), repository.NewUserRepository(db), nil, &recordingHook{}, testOptions())
	stopOnCleanup(t, refresher.Start(1))
	relay := NewOutboxRelay(outbox, repository.NewPostRepository(db), refresher, relayConfig())
	stopOnCleanup(t, relay.Start())

	ob, err := NewPublisher(db).Publish(context.Background(), &model.Post{ID: "p1", AuthorID: "author", Visibility: model.VisibilityPublic})
	require.NoError(t, err)

	var jobID string
	require.Eventually(t, func() bool {
		got, err := outbox.Get(context.Background(), ob.ID)
		if err != nil || got.Status != model.OutboxDone {
			return false
		}
		jobID = got.JobID
		return true
	}, 5*time.Second, 5*time.Millisecond)

	job := waitTerminal(t, refresher, jobID)
	assert.Equal(t, JobCompleted, job.State)
	assert.Equal(t, "p1", job.PostID)
	assert.Equal(t, 1, inv.count("author"))
}

func TestRelayClaimFailure(t *testing.T) {
	db := testutil.NewDB(t)
	relay := NewOutboxRelay(repository.NewOutboxRepository(db), repository.NewPostRepository(db), &fakeTarget{}, relayConfig())
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = relay.ProcessOnce(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrQueueFull))
}
