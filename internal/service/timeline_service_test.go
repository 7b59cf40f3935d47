package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-feed/internal/feedcache"
	"github.com/d60-Lab/timeline-feed/internal/model"
	"github.com/d60-Lab/timeline-feed/internal/ranking"
	"github.com/d60-Lab/timeline-feed/internal/repository"
	"github.com/d60-Lab/timeline-feed/internal/source"
	"github.com/d60-Lab/timeline-feed/internal/testutil"
)

type stack struct {
	db    *gorm.DB
	mr    *miniredis.Miniredis
	cache *feedcache.Manager
	posts repository.PostRepository
	users repository.UserRepository
	graph repository.GraphRepository
	svc   TimelineService
	base  time.Time
}

func newStack(t *testing.T) *stack {
	t.Helper()
	db := testutil.NewDB(t)
	mr, rdb := testutil.NewRedis(t)
	s := &stack{
		db:    db,
		mr:    mr,
		cache: feedcache.NewManager(rdb, feedcache.DefaultOptions),
		posts: repository.NewPostRepository(db),
		users: repository.NewUserRepository(db),
		graph: repository.NewGraphRepository(db),
		base:  time.Now().UTC().Truncate(time.Minute),
	}
	agg := NewAggregator(source.Defaults(s.posts), ranking.NewScorer(ranking.DefaultWeights), 2)
	s.svc = NewTimelineService(agg, s.cache, s.users, s.graph, PageLimits{Default: 5, Max: 8})
	return s
}

func (s *stack) user(t *testing.T, id string, lastActive *time.Time) {
	t.Helper()
	require.NoError(t, s.users.Create(context.Background(), &model.User{ID: id, Username: id, LastActiveAt: lastActive}))
}

func (s *stack) post(t *testing.T, id, author string, minutesAgo int, vis model.Visibility, scopes ...string) {
	t.Helper()
	p := &model.Post{ID: id, AuthorID: author, Visibility: vis, CreatedAt: s.base.Add(-time.Duration(minutesAgo) * time.Minute)}
	switch vis {
	case model.VisibilityCircle:
		p.CircleIDs = scopes
	case model.VisibilityGroup:
		p.GroupIDs = scopes
	}
	require.NoError(t, s.posts.Create(context.Background(), p))
}

func TestGetTimelineCachesFirstPage(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.user(t, "viewer", nil)
	s.post(t, "p1", "author", 1, model.VisibilityPublic)
	s.post(t, "p2", "author", 2, model.VisibilityPublic)

	first, err := s.svc.GetTimeline(ctx, "viewer", 0, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, pageIDs(first))
	assert.True(t, s.mr.Exists(s.cache.PageKey("viewer", "")))

	// 删除底层数据后仍然命中缓存
	require.NoError(t, s.db.Exec("DELETE FROM posts").Error)
	second, err := s.svc.GetTimeline(ctx, "viewer", 0, "")
	require.NoError(t, err)
	assert.Equal(t, pageIDs(first), pageIDs(second))
	assert.Equal(t, first.HasMore, second.HasMore)

	// 失效后重新计算
	require.NoError(t, s.svc.InvalidateForUser(ctx, "viewer"))
	third, err := s.svc.GetTimeline(ctx, "viewer", 0, "")
	require.NoError(t, err)
	assert.Empty(t, third.Posts)
}

func TestGetTimelineDifferentPageSizeIsNotServedFromCache(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.user(t, "viewer", nil)
	for i := 0; i < 4; i++ {
		s.post(t, fmt.Sprintf("p%d", i), "author", i, model.VisibilityPublic)
	}

	small, err := s.svc.GetTimeline(ctx, "viewer", 2, "")
	require.NoError(t, err)
	assert.Len(t, small.Posts, 2)

	bigger, err := s.svc.GetTimeline(ctx, "viewer", 4, "")
	require.NoError(t, err)
	assert.Len(t, bigger.Posts, 4)
}

func TestGetTimelineTTLFollowsActivity(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	recent := time.Now().Add(-time.Hour)
	stale := time.Now().Add(-72 * time.Hour)
	s.user(t, "active", &recent)
	s.user(t, "idle", &stale)
	s.post(t, "p1", "author", 1, model.VisibilityPublic)

	_, err := s.svc.GetTimeline(ctx, "active", 0, "")
	require.NoError(t, err)
	_, err = s.svc.GetTimeline(ctx, "idle", 0, "")
	require.NoError(t, err)
	_, err = s.svc.GetTimeline(ctx, "unknown", 0, "")
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, s.mr.TTL(s.cache.PageKey("active", "")))
	assert.Equal(t, 60*time.Minute, s.mr.TTL(s.cache.PageKey("idle", "")))
	assert.Equal(t, 60*time.Minute, s.mr.TTL(s.cache.PageKey("unknown", "")))
}

func TestGetTimelineBypassesUnavailableCache(t *testing.T) {
	s := newStack(t)
	s.user(t, "viewer", nil)
	s.post(t, "p1", "author", 1, model.VisibilityPublic)
	s.mr.Close()

	page, err := s.svc.GetTimeline(context.Background(), "viewer", 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, pageIDs(page))

	err = s.svc.InvalidateForUser(context.Background(), "viewer")
	assert.ErrorIs(t, err, feedcache.ErrCacheUnavailable)
}

func TestGetTimelineWithoutMembershipsSeesOnlyPublic(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.user(t, "loner", nil)
	s.post(t, "pub", "author", 1, model.VisibilityPublic)
	s.post(t, "cir", "author", 2, model.VisibilityCircle, "c1")
	s.post(t, "grp", "author", 3, model.VisibilityGroup, "g1")

	page, err := s.svc.GetTimeline(ctx, "loner", 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"pub"}, pageIDs(page))
}

func TestGetTimelineMergesScopedSources(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.user(t, "member", nil)
	require.NoError(t, s.graph.JoinCircle(ctx, "member", "c1"))
	require.NoError(t, s.graph.JoinGroup(ctx, "member", "g1"))
	s.post(t, "pub", "author", 1, model.VisibilityPublic)
	s.post(t, "cir", "author", 2, model.VisibilityCircle, "c1")
	s.post(t, "grp", "author", 3, model.VisibilityGroup, "g1")
	s.post(t, "other", "author", 4, model.VisibilityGroup, "g2")

	page, err := s.svc.GetTimeline(ctx, "member", 0, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pub", "cir", "grp"}, pageIDs(page))
}

func TestGetTimelinePagesThroughCache(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.user(t, "viewer", nil)
	for i := 0; i < 12; i++ {
		s.post(t, fmt.Sprintf("p%02d", i), "author", i, model.VisibilityPublic)
	}

	seen := map[string]bool{}
	c := ""
	pages := 0
	for {
		page, err := s.svc.GetTimeline(ctx, "viewer", 100, c) // 超过上限按 8 处理
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page.Posts), 8)
		for _, r := range page.Posts {
			assert.False(t, seen[r.ID], "duplicate %s", r.ID)
			seen[r.ID] = true
		}
		pages++
		if !page.HasMore {
			break
		}
		c = page.NextCursor
	}
	assert.Len(t, seen, 12)
	assert.Equal(t, 2, pages)

	// 首页和游标页都已缓存，并记录在索引里
	members, err := s.mr.SMembers(s.cache.IndexKey("viewer"))
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestGetTimelinePagesThroughNonUTCTimestamps(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.user(t, "viewer", nil)
	shanghai := time.FixedZone("UTC+8", 8*3600)
	base := time.Now().In(shanghai).Add(-time.Hour)
	for i := 0; i < 10; i++ {
		at := base.Add(-time.Duration(i) * 1500 * time.Millisecond)
		require.NoError(t, s.posts.Create(ctx, &model.Post{
			ID: fmt.Sprintf("p%02d", i), AuthorID: "author", Visibility: model.VisibilityPublic, CreatedAt: at,
		}))
	}

	seen := map[string]int{}
	c := ""
	for pages := 0; pages < 10; pages++ {
		page, err := s.svc.GetTimeline(ctx, "viewer", 3, c)
		require.NoError(t, err)
		for _, r := range page.Posts {
			seen[r.ID]++
		}
		if !page.HasMore {
			break
		}
		c = page.NextCursor
	}
	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}

	stored, err := s.posts.GetByID(ctx, "p01")
	require.NoError(t, err)
	assert.True(t, stored.CreatedAt.Equal(base.Add(-1500*time.Millisecond)))
}

// invalidatingProvider 在取数过程中触发一次失效，模拟构建与新帖失效并发
type invalidatingProvider struct {
	fakeProvider
	invalidate func()
}

func (p *invalidatingProvider) Fetch(ctx context.Context, v *model.Viewer, q source.Query) ([]*model.Post, error) {
	p.invalidate()
	return p.fakeProvider.Fetch(ctx, v, q)
}

func TestGetTimelineDropsPageInvalidatedDuringBuild(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.user(t, "viewer", nil)

	prov := &invalidatingProvider{fakeProvider: fakeProvider{name: "public", posts: []*model.Post{post("old", 5)}}}
	prov.invalidate = func() {
		_, err := s.cache.Invalidate(ctx, "viewer")
		assert.NoError(t, err)
	}
	agg := NewAggregator([]source.Provider{prov}, ranking.NewScorer(ranking.DefaultWeights), 2)
	svc := NewTimelineService(agg, s.cache, s.users, s.graph, PageLimits{Default: 5, Max: 8})

	page, err := svc.GetTimeline(ctx, "viewer", 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, pageIDs(page))
	assert.False(t, s.mr.Exists(s.cache.PageKey("viewer", "")))

	// 没有并发失效时正常回填
	prov.invalidate = func() {}
	_, err = svc.GetTimeline(ctx, "viewer", 0, "")
	require.NoError(t, err)
	assert.True(t, s.mr.Exists(s.cache.PageKey("viewer", "")))
}

func TestGetTimelineInvalidCursorServesFirstPage(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.user(t, "viewer", nil)
	s.post(t, "p1", "author", 1, model.VisibilityPublic)

	page, err := s.svc.GetTimeline(ctx, "viewer", 0, "%%%garbage")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, pageIDs(page))
	assert.True(t, s.mr.Exists(s.cache.PageKey("viewer", "")))
	assert.False(t, s.mr.Exists(s.cache.PageKey("viewer", "%%%garbage")))
}

func TestGetTimelineAffinityFromConnections(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.user(t, "viewer", nil)
	require.NoError(t, s.graph.Connect(ctx, "friend", "viewer", model.ConnectionAccepted))
	s.post(t, "from-friend", "friend", 30, model.VisibilityPublic)
	s.post(t, "from-stranger", "stranger", 1, model.VisibilityPublic)

	page, err := s.svc.GetTimeline(ctx, "viewer", 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"from-friend", "from-stranger"}, pageIDs(page))
}

func TestGetTimelineCancelledContext(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.svc.GetTimeline(ctx, "viewer", 0, "")
	assert.ErrorIs(t, err, context.Canceled)
}
