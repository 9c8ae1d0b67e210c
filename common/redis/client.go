package redis

import (
	"context"
	"fmt"
	"time"

	"wisefido-telemetry/common/config"

	"github.com/go-redis/redis/v8"
)

// Client Redis客户端类型别名
type Client = redis.Client

// 投影读写与 XADD 都是小请求；阻塞的 XREADGROUP 由 go-redis 按 BLOCK 时长单独放宽读超时
const (
	dialTimeout  = 5 * time.Second
	readTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second
)

// NewRedisClient 创建投影库 / 事件流共用的 Redis 客户端
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})
}

// Ping 探活，错误中带上地址便于排查
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis %s: %w", client.Options().Addr, err)
	}
	return nil
}

// Close 关闭连接；未启用 Redis 时 client 为 nil
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
