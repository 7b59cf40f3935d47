package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

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

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range vs {
		sum += d
	}
	return sum / time.Duration(len(vs))
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

// 发帖 -> outbox -> 定向失效 全链路延迟，以及失效后读者首页能否立即看到新帖
func main() {
	ctx := context.Background()
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	if err := database.Migrate(db); err != nil {
		panic(err)
	}
	client := must(cache.NewRedisClient(ctx, cfg.Redis))
	defer client.Close()

	N := envInt("N", 5000)        // 作者的好友数
	POSTS := envInt("POSTS", 100) // 发帖数
	WORKERS := envInt("WORKERS", 8)
	CLAIM := envInt("CLAIM", 64)

	posts := repository.NewPostRepository(db)
	users := repository.NewUserRepository(db)
	graph := repository.NewGraphRepository(db)
	publisher := service.NewPublisher(db)

	// 一个作者 + N 个互为好友的读者
	now := time.Now().UTC()
	author := model.User{ID: uuid.NewString(), Username: "author_" + uuid.NewString()[:8], LastActiveAt: &now}
	if err := users.Create(ctx, &author); err != nil {
		panic(err)
	}
	readers := make([]model.User, N)
	for i := range readers {
		id := uuid.NewString()
		readers[i] = model.User{ID: id, Username: "reader_" + id[:8], LastActiveAt: &now}
	}
	if err := db.CreateInBatches(&readers, 1000).Error; err != nil {
		panic(err)
	}
	for i := range readers {
		if err := graph.Connect(ctx, author.ID, readers[i].ID, model.ConnectionAccepted); err != nil {
			panic(err)
		}
	}

	pages := feedcache.NewManager(client, feedcache.OptionsFromConfig(cfg.Timeline))
	agg := service.NewAggregator(source.Defaults(posts), ranking.NewScorer(ranking.WeightsFromConfig(cfg.Ranking)), cfg.Timeline.Oversample)
	timeline := service.NewTimelineService(agg, pages, users, graph, service.PageLimits{Default: 20, Max: 100})

	refreshOpts := service.RefreshOptionsFromConfig(cfg.Refresh)
	refreshOpts.RetryBackoff = 10 * time.Millisecond
	refresher := service.NewRefresher(pages, graph, users, timeline, nil, refreshOpts)
	stopWorkers := refresher.Start(WORKERS)
	defer stopWorkers(context.Background())

	outboxCfg := cfg.Outbox
	outboxCfg.ClaimLimit = CLAIM
	outboxCfg.PollInterval = 20 * time.Millisecond
	relay := service.NewOutboxRelay(repository.NewOutboxRepository(db), posts, refresher, outboxCfg)
	stopRelay := relay.Start()
	defer stopRelay(context.Background())

	watcher := readers[0].ID
	pubDurations := make([]time.Duration, 0, POSTS)
	relayLat := make([]time.Duration, 0, POSTS)
	jobLat := make([]time.Duration, 0, POSTS)
	stale := 0

	timeout := time.After(5 * time.Minute)
	for i := 0; i < POSTS; i++ {
		// 先读一次，保证探针用户的首页在缓存里
		if _, err := timeline.GetTimeline(ctx, watcher, 20, ""); err != nil {
			panic(err)
		}

		st := time.Now()
		post := &model.Post{AuthorID: author.ID, Visibility: model.VisibilityPublic}
		if _, err := publisher.Publish(ctx, post); err != nil {
			panic(err)
		}
		pubDurations = append(pubDurations, time.Since(st))

		select {
		case d := <-relay.Metrics():
			relayLat = append(relayLat, d)
		case <-timeout:
			fmt.Printf("timeout waiting for relay: got=%d want=%d\n", len(relayLat), POSTS)
			goto PRINT
		}
		select {
		case d := <-refresher.Metrics():
			jobLat = append(jobLat, d)
		case <-timeout:
			fmt.Printf("timeout waiting for refresh jobs: got=%d want=%d\n", len(jobLat), POSTS)
			goto PRINT
		}

		page, err := timeline.GetTimeline(ctx, watcher, 20, "")
		if err != nil {
			panic(err)
		}
		found := false
		for _, p := range page.Posts {
			if p.ID == post.ID {
				found = true
				break
			}
		}
		if !found {
			stale++
		}
	}

PRINT:
	fmt.Printf("N=%d POSTS=%d WORKERS=%d CLAIM=%d\n", N, POSTS, WORKERS, CLAIM)
	fmt.Printf("Publish tx latency:            avg=%v p95=%v p99=%v\n", avg(pubDurations), pct(pubDurations, 0.95), pct(pubDurations, 0.99))
	fmt.Printf("Outbox -> job enqueued:        samples=%d avg=%v p95=%v p99=%v\n", len(relayLat), avg(relayLat), pct(relayLat, 0.95), pct(relayLat, 0.99))
	fmt.Printf("Job enqueued -> invalidated:   samples=%d avg=%v p95=%v p99=%v\n", len(jobLat), avg(jobLat), pct(jobLat, 0.95), pct(jobLat, 0.99))
	fmt.Printf("Probe first page missing new post after invalidation: %d/%d\n", stale, len(jobLat))
}
