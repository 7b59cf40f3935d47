package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-feed/config"
	"github.com/d60-Lab/timeline-feed/internal/feedcache"
	"github.com/d60-Lab/timeline-feed/internal/model"
	"github.com/d60-Lab/timeline-feed/internal/ranking"
	"github.com/d60-Lab/timeline-feed/internal/repository"
	"github.com/d60-Lab/timeline-feed/internal/service"
	"github.com/d60-Lab/timeline-feed/internal/source"
	"github.com/d60-Lab/timeline-feed/pkg/cache"
	"github.com/d60-Lab/timeline-feed/pkg/database"
)

// missCache 永远未命中，用来测量无缓存的构建耗时
type missCache struct{ *feedcache.Manager }

func (missCache) Get(context.Context, string, string) (*feedcache.Entry, error) {
	return nil, feedcache.ErrMiss
}

func (missCache) PutIfCurrent(context.Context, string, string, *feedcache.Entry, time.Duration, int64) (bool, error) {
	return false, nil
}

type request struct {
	userID string
	size   int
	depth  int // 连续翻几页
}

func main() {
	ctx := context.Background()
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	mustDo(database.Migrate(db))
	client := must(cache.NewRedisClient(ctx, cfg.Redis))
	defer client.Close()

	users := envInt("USERS", 2000)
	circles := envInt("CIRCLES", 50)
	posts := envInt("POSTS", 50000)
	reqCount := envInt("REQUESTS", 5000)

	fmt.Println("Setting up test data...")
	ids := seed(ctx, db, users, circles, posts)
	fmt.Printf("Test data ready: users=%d circles=%d posts=%d\n", users, circles, posts)

	postRepo := repository.NewPostRepository(db)
	userRepo := repository.NewUserRepository(db)
	graph := repository.NewGraphRepository(db)
	pages := feedcache.NewManager(client, feedcache.OptionsFromConfig(cfg.Timeline))
	agg := service.NewAggregator(source.Defaults(postRepo), ranking.NewScorer(ranking.WeightsFromConfig(cfg.Ranking)), cfg.Timeline.Oversample)
	limits := service.PageLimits{Default: cfg.Timeline.DefaultPageSize, Max: cfg.Timeline.MaxPageSize}

	live := service.NewTimelineService(agg, missCache{pages}, userRepo, graph, limits)
	cached := service.NewTimelineService(agg, pages, userRepo, graph, limits)

	reqs := makeRequests(ids, reqCount)
	noCache := runScenario(ctx, live, reqs, false, client)
	cold := runScenario(ctx, cached, reqs, false, client)
	warm := runScenario(ctx, cached, reqs, true, client)

	fmt.Printf("\nTimeline read latency (%d req, %d users, %s + Redis)\n", len(reqs), users, cfg.Database.Driver)
	for _, r := range []struct {
		name string
		res  scenarioResult
	}{{"No cache", noCache}, {"Redis cold", cold}, {"Redis warm", warm}} {
		fmt.Printf("%-12s avg=%v p95=%v p99=%v pages=%d cache_keys=%d mem=%s\n",
			r.name, avg(r.res.durations), pct(r.res.durations, 0.95), pct(r.res.durations, 0.99),
			r.res.pages, r.res.cacheKeys, formatBytes(r.res.memoryBytes))
	}
}

func seed(ctx context.Context, db *gorm.DB, users, circles, posts int) []string {
	graph := repository.NewGraphRepository(db)
	now := time.Now().UTC()
	rnd := rand.New(rand.NewSource(42))

	rows := make([]model.User, users)
	ids := make([]string, users)
	for i := range rows {
		id := uuid.NewString()
		last := now.Add(-time.Duration(rnd.Intn(72)) * time.Hour)
		rows[i] = model.User{ID: id, Username: "bench_" + id[:8], LastActiveAt: &last}
		ids[i] = id
	}
	mustDo(db.CreateInBatches(&rows, 1000).Error)

	circleIDs := make([]string, circles)
	for i := range circleIDs {
		circleIDs[i] = uuid.NewString()
	}
	for _, id := range ids {
		mustDo(graph.JoinCircle(ctx, id, circleIDs[rnd.Intn(circles)]))
		peer := ids[rnd.Intn(len(ids))]
		if peer != id {
			mustDo(graph.Connect(ctx, id, peer, model.ConnectionAccepted))
		}
	}

	batch := make([]model.Post, 0, 1000)
	links := make([]model.PostCircle, 0, 1000)
	flush := func() {
		if len(batch) > 0 {
			mustDo(db.CreateInBatches(&batch, 1000).Error)
		}
		if len(links) > 0 {
			mustDo(db.CreateInBatches(&links, 1000).Error)
		}
		batch, links = batch[:0], links[:0]
	}
	for i := 0; i < posts; i++ {
		p := model.Post{
			ID:              uuid.NewString(),
			AuthorID:        ids[rnd.Intn(len(ids))],
			Visibility:      model.VisibilityPublic,
			EngagementCount: int64(rnd.Intn(500)),
			CreatedAt:       now.Add(-time.Duration(i) * time.Minute),
		}
		if rnd.Intn(4) == 0 {
			p.Visibility = model.VisibilityCircle
			links = append(links, model.PostCircle{PostID: p.ID, CircleID: circleIDs[rnd.Intn(circles)]})
		}
		batch = append(batch, p)
		if len(batch) == cap(batch) {
			flush()
		}
	}
	flush()
	return ids
}

type scenarioResult struct {
	durations   []time.Duration
	pages       int
	cacheKeys   int
	memoryBytes int64
}

func runScenario(ctx context.Context, svc service.TimelineService, reqs []request, warm bool, client *redis.Client) scenarioResult {
	client.FlushAll(ctx)

	if warm {
		fmt.Print("  Warming cache...")
		for _, r := range reqs {
			walk(ctx, svc, r, nil)
		}
		fmt.Println(" done")
	}

	fmt.Print("  Running benchmark...")
	out := make([]time.Duration, 0, len(reqs)*2)
	pages := 0
	for _, r := range reqs {
		pages += walk(ctx, svc, r, &out)
	}
	fmt.Println(" done")

	keys, _ := client.Keys(ctx, "*").Result()
	var memBytes int64
	if info, err := client.Info(ctx, "memory").Result(); err == nil {
		memBytes = parseRedisMemory(info)
	}
	return scenarioResult{durations: out, pages: pages, cacheKeys: len(keys), memoryBytes: memBytes}
}

// walk 沿游标翻页，记录每页耗时
func walk(ctx context.Context, svc service.TimelineService, r request, out *[]time.Duration) int {
	cursor := ""
	n := 0
	for d := 0; d < r.depth; d++ {
		start := time.Now()
		page, err := svc.GetTimeline(ctx, r.userID, r.size, cursor)
		if err != nil {
			panic(err)
		}
		if out != nil {
			*out = append(*out, time.Since(start))
		}
		n++
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	return n
}

func makeRequests(userIDs []string, n int) []request {
	sizes := []int{10, 20, 50}
	out := make([]request, n)
	rnd := rand.New(rand.NewSource(42))
	// 少数热门用户占大部分请求
	hot := userIDs[:int(math.Max(1, float64(len(userIDs))/20))]
	for i := 0; i < n; i++ {
		uid := userIDs[rnd.Intn(len(userIDs))]
		if rnd.Float64() < 0.7 {
			uid = hot[rnd.Intn(len(hot))]
		}
		depth := 1
		if rnd.Float64() > 0.72 {
			depth = 2 + rnd.Intn(5)
		}
		out[i] = request{userID: uid, size: sizes[rnd.Intn(len(sizes))], depth: depth}
	}
	return out
}

// parseRedisMemory 取 INFO memory 中的 used_memory
func parseRedisMemory(info string) int64 {
	for _, line := range strings.Split(info, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "used_memory:"); ok {
			n, _ := strconv.ParseInt(v, 10, 64)
			return n
		}
	}
	return 0
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range vs {
		sum += v
	}
	return sum / time.Duration(len(vs))
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), vs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func mustDo(err error) {
	if err != nil {
		panic(err)
	}
}
