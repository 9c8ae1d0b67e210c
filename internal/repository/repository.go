package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-telemetry/internal/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// WriteStore 写模型存储：append-only，ID 由存储分配
type WriteStore interface {
	// Save 追加一条记录，返回带 ID / RecordedAt 的副本；从不覆盖已有记录
	Save(ctx context.Context, obs *models.Observation) (*models.Observation, error)
	FindByID(ctx context.Context, id int64) (*models.Observation, error)
	FindAll(ctx context.Context) ([]models.Observation, error)
	// DeleteAll 仅用于测试/重置
	DeleteAll(ctx context.Context) error
}

// ProjectionStore 读模型存储：deviceId -> 最新快照
type ProjectionStore interface {
	// Find 不存在时返回 (nil, nil)
	Find(ctx context.Context, deviceID int64) (*models.DeviceProjection, error)
	// Save 按 deviceId 无条件覆盖
	Save(ctx context.Context, projection *models.DeviceProjection) error
	// SaveIfNotOlder 原子地比较并写入：仅当已有快照 Accepts(projection.LastUpdated) 时覆盖
	// 多个消费者实例共享同一存储时也不会让 lastUpdated 回退
	SaveIfNotOlder(ctx context.Context, projection *models.DeviceProjection) (applied bool, err error)
	FindAll(ctx context.Context) ([]models.DeviceProjection, error)
	// DeleteAll 仅用于测试/重置
	DeleteAll(ctx context.Context) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

func lastUpdated(p *models.DeviceProjection) time.Time {
	if p.LastUpdated == nil {
		return time.Time{}
	}
	return *p.LastUpdated
}

func cloneProjection(p *models.DeviceProjection) *models.DeviceProjection {
	out := &models.DeviceProjection{DeviceID: p.DeviceID}
	if p.LastTemperature != nil {
		v := *p.LastTemperature
		out.LastTemperature = &v
	}
	if p.LastUpdated != nil {
		v := *p.LastUpdated
		out.LastUpdated = &v
	}
	return out
}
