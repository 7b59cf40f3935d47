// Package feedcache 管理时间线缓存：键、TTL 策略、读写与按用户整体失效。
// 其他组件不直接访问 Redis。
package feedcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/timeline-feed/config"
	"github.com/d60-Lab/timeline-feed/internal/model"
)

var (
	// ErrMiss 缓存未命中
	ErrMiss = errors.New("timeline cache miss")
	// ErrCacheUnavailable Redis 不可用；调用方应绕过缓存
	ErrCacheUnavailable = errors.New("timeline cache unavailable")
)

// Entry 缓存的一页；PageSize 不一致时按未命中处理
type Entry struct {
	model.TimelinePage
	PageSize int `json:"page_size"`
}

// invalidateScript 原子地删除索引集合里的全部页面键和索引本身，并推进该用户的代数。
// 所有键共享同一个 hash tag，集群模式下落在同一 slot。
var invalidateScript = redis.NewScript(`
local keys = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(keys) do
  redis.call('DEL', k)
end
redis.call('DEL', KEYS[1])
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
return #keys
`)

// putIfCurrentScript 仅当代数未变时写入页面，失效之前开始的构建不会回填旧数据
var putIfCurrentScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[3]) or '0'
if gen ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[2], KEYS[1])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`)

// Options 缓存策略
type Options struct {
	Prefix            string
	ActiveTTL         time.Duration
	InactiveTTL       time.Duration
	ActivityThreshold time.Duration
}

// DefaultOptions 活跃用户 15 分钟，其余 60 分钟
var DefaultOptions = Options{
	Prefix:            "timeline",
	ActiveTTL:         15 * time.Minute,
	InactiveTTL:       60 * time.Minute,
	ActivityThreshold: 24 * time.Hour,
}

func OptionsFromConfig(cfg config.TimelineConfig) Options {
	return Options{
		Prefix:            cfg.KeyPrefix,
		ActiveTTL:         cfg.ActiveTTL,
		InactiveTTL:       cfg.InactiveTTL,
		ActivityThreshold: cfg.ActivityThreshold,
	}
}

// Manager 时间线缓存的唯一入口
type Manager struct {
	rdb  redis.UniversalClient
	opts Options
}

func NewManager(rdb redis.UniversalClient, opts Options) *Manager {
	if opts.Prefix == "" {
		opts.Prefix = DefaultOptions.Prefix
	}
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = DefaultOptions.ActiveTTL
	}
	if opts.InactiveTTL <= 0 {
		opts.InactiveTTL = DefaultOptions.InactiveTTL
	}
	if opts.ActivityThreshold <= 0 {
		opts.ActivityThreshold = DefaultOptions.ActivityThreshold
	}
	return &Manager{rdb: rdb, opts: opts}
}

// PageKey 首页与游标页使用不同后缀，二者不会冲突
func (m *Manager) PageKey(userID, cursor string) string {
	if cursor == "" {
		return fmt.Sprintf("%s:{%s}:first", m.opts.Prefix, userID)
	}
	return fmt.Sprintf("%s:{%s}:c:%s", m.opts.Prefix, userID, cursor)
}

// IndexKey 记录该用户所有已写入页面键的集合
func (m *Manager) IndexKey(userID string) string {
	return fmt.Sprintf("%s:{%s}:keys", m.opts.Prefix, userID)
}

// GenKey 该用户的失效代数，每次 Invalidate 加一
func (m *Manager) GenKey(userID string) string {
	return fmt.Sprintf("%s:{%s}:gen", m.opts.Prefix, userID)
}

// TTLFor 最近活跃（阈值内）的用户用短 TTL，不活跃或活跃时间未知用长 TTL
func (m *Manager) TTLFor(u *model.User, now time.Time) time.Duration {
	if u.ActiveSince(now.Add(-m.opts.ActivityThreshold)) {
		return m.opts.ActiveTTL
	}
	return m.opts.InactiveTTL
}

func (m *Manager) Get(ctx context.Context, userID, cursor string) (*Entry, error) {
	key := m.PageKey(userID, cursor)
	data, err := m.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("%w: get %s: %w", ErrCacheUnavailable, key, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// 损坏的条目按未命中处理，下一次写入会覆盖
		_ = m.rdb.Del(ctx, key).Err()
		return nil, ErrMiss
	}
	return &e, nil
}

func (m *Manager) Put(ctx context.Context, userID, cursor string, e *Entry, ttl time.Duration) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal timeline entry: %w", err)
	}
	key := m.PageKey(userID, cursor)
	idx := m.IndexKey(userID)

	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, key, payload, ttl)
	pipe.SAdd(ctx, idx, key)
	pipe.Expire(ctx, idx, m.indexTTL(ttl))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrCacheUnavailable, key, err)
	}
	return nil
}

// Generation 读取用户当前的失效代数，从未失效过为 0
func (m *Manager) Generation(ctx context.Context, userID string) (int64, error) {
	gen, err := m.rdb.Get(ctx, m.GenKey(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: generation %s: %w", ErrCacheUnavailable, userID, err)
	}
	return gen, nil
}

// PutIfCurrent 与 Put 相同，但只在代数仍为 gen 时写入；返回是否写入
func (m *Manager) PutIfCurrent(ctx context.Context, userID, cursor string, e *Entry, ttl time.Duration, gen int64) (bool, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshal timeline entry: %w", err)
	}
	key := m.PageKey(userID, cursor)
	keys := []string{key, m.IndexKey(userID), m.GenKey(userID)}
	ok, err := putIfCurrentScript.Run(ctx, m.rdb, keys,
		strconv.FormatInt(gen, 10), payload, ttl.Milliseconds(), m.indexTTL(ttl).Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: put %s: %w", ErrCacheUnavailable, key, err)
	}
	return ok == 1, nil
}

// indexTTL 索引至少与最长的页面一样长寿
func (m *Manager) indexTTL(ttl time.Duration) time.Duration {
	if ttl < m.opts.InactiveTTL {
		return m.opts.InactiveTTL
	}
	return ttl
}

// Invalidate 删除该用户的所有页面（首页和所有游标页），返回删除的页面数
func (m *Manager) Invalidate(ctx context.Context, userID string) (int, error) {
	keys := []string{m.IndexKey(userID), m.GenKey(userID)}
	n, err := invalidateScript.Run(ctx, m.rdb, keys, m.opts.InactiveTTL.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: invalidate %s: %w", ErrCacheUnavailable, userID, err)
	}
	return n, nil
}

// Ping 健康检查
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	return nil
}
