package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/timeline-feed/config"
)

// NewRedisClient 创建 Redis 客户端并做一次连通性检查。
// 检查失败时仍返回可用的客户端，由调用方决定是否降级运行。
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
		// 命令读写超时跟随调用方 ctx 的 deadline
		ContextTimeoutEnabled: true,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}
