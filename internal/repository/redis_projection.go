package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"wisefido-telemetry/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ProjectionKeyPrefix 投影 key 前缀：device:projection:{deviceId}
const ProjectionKeyPrefix = "device:projection:"

const scanBatch = 200

// maxCASAttempts WATCH 冲突时的重试上限
const maxCASAttempts = 16

// RedisProjectionRepository 基于 Redis 的投影库（JSON value）
type RedisProjectionRepository struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	// afterRead 测试用：在 WATCH 读取之后、EXEC 之前调用
	afterRead func()
}

func NewRedisProjectionRepository(client *redis.Client, logger *zap.Logger) *RedisProjectionRepository {
	return &RedisProjectionRepository{
		client: client,
		prefix: ProjectionKeyPrefix,
		logger: logger,
	}
}

func (r *RedisProjectionRepository) key(deviceID int64) string {
	return r.prefix + strconv.FormatInt(deviceID, 10)
}

func (r *RedisProjectionRepository) Find(ctx context.Context, deviceID int64) (*models.DeviceProjection, error) {
	raw, err := r.client.Get(ctx, r.key(deviceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable("failed to get projection", err)
	}
	return r.decode(r.key(deviceID), raw), nil
}

// decode 无法解析的值按不存在处理，下一条事件会覆盖它
func (r *RedisProjectionRepository) decode(key, raw string) *models.DeviceProjection {
	var p models.DeviceProjection
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		r.logger.Warn("Malformed projection treated as absent",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil
	}
	return &p
}

// Save 无 TTL：投影只会被 DeleteAll 清除
func (r *RedisProjectionRepository) Save(ctx context.Context, projection *models.DeviceProjection) error {
	jsonData, err := json.Marshal(projection)
	if err != nil {
		return fmt.Errorf("failed to marshal projection: %w", err)
	}
	if err := r.client.Set(ctx, r.key(projection.DeviceID), jsonData, 0).Err(); err != nil {
		return unavailable("failed to set projection", err)
	}
	return nil
}

// SaveIfNotOlder WATCH key 后读取、比较、MULTI/EXEC 写入；key 被并发修改时重读重试
func (r *RedisProjectionRepository) SaveIfNotOlder(ctx context.Context, projection *models.DeviceProjection) (bool, error) {
	jsonData, err := json.Marshal(projection)
	if err != nil {
		return false, fmt.Errorf("failed to marshal projection: %w", err)
	}
	key := r.key(projection.DeviceID)
	ts := lastUpdated(projection)

	var applied bool
	txf := func(tx *redis.Tx) error {
		applied = false

		var existing *models.DeviceProjection
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			existing = r.decode(key, raw)
		}

		if r.afterRead != nil {
			r.afterRead()
		}
		if !existing.Accepts(ts) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, jsonData, 0)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return applied, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return false, unavailable("failed to save projection", err)
		}
		r.logger.Debug("Projection changed concurrently, retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt),
		)
	}
	return false, unavailable("failed to save projection", fmt.Errorf("%s: too much contention after %d attempts", key, maxCASAttempts))
}

func (r *RedisProjectionRepository) FindAll(ctx context.Context) ([]models.DeviceProjection, error) {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.DeviceProjection, 0, len(keys))
	for start := 0; start < len(keys); start += scanBatch {
		end := start + scanBatch
		if end > len(keys) {
			end = len(keys)
		}
		values, err := r.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, unavailable("failed to mget projections", err)
		}
		for i, v := range values {
			// 扫描与读取之间 key 可能已被删除
			s, ok := v.(string)
			if !ok {
				continue
			}
			var p models.DeviceProjection
			if err := json.Unmarshal([]byte(s), &p); err != nil {
				r.logger.Warn("Skipping malformed projection",
					zap.String("key", keys[start+i]),
					zap.Error(err),
				)
				continue
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *RedisProjectionRepository) DeleteAll(ctx context.Context) error {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += scanBatch {
		end := start + scanBatch
		if end > len(keys) {
			end = len(keys)
		}
		if err := r.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return unavailable("failed to delete projections", err)
		}
	}
	r.logger.Warn("Deleted all projections", zap.Int("count", len(keys)))
	return nil
}

func (r *RedisProjectionRepository) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		k, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, unavailable("failed to scan projections", err)
		}
		keys = append(keys, k...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
