package projector

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/repository"

	"go.uber.org/zap"
)

const lockStripes = 64

// ProjectionUpdater 将事件应用到读模型（last-write-wins，时间戳相同则覆盖）
type ProjectionUpdater struct {
	store   repository.ProjectionStore
	metrics *metrics.Metrics
	logger  *zap.Logger

	// 同一进程内按 deviceId 串行化，减少 WATCH 冲突重试
	locks [lockStripes]sync.Mutex
}

// NewProjectionUpdater 创建 updater；m 可为 nil
func NewProjectionUpdater(store repository.ProjectionStore, m *metrics.Metrics, logger *zap.Logger) *ProjectionUpdater {
	return &ProjectionUpdater{
		store:   store,
		metrics: m,
		logger:  logger,
	}
}

// OnEvent 实现 bus.Handler；存储错误原样返回，由总线重试
// 比较与写入由 store.SaveIfNotOlder 原子完成，多实例消费同一设备时 lastUpdated 也不会回退
func (u *ProjectionUpdater) OnEvent(ctx context.Context, event models.TelemetryEvent) error {
	mu := u.lockFor(event.DeviceID)
	mu.Lock()
	defer mu.Unlock()

	temperature := event.Temperature
	ts := event.Timestamp
	applied, err := u.store.SaveIfNotOlder(ctx, &models.DeviceProjection{
		DeviceID:        event.DeviceID,
		LastTemperature: &temperature,
		LastUpdated:     &ts,
	})
	if err != nil {
		return fmt.Errorf("apply projection for device %d: %w", event.DeviceID, err)
	}

	if !applied {
		u.metrics.IncProjection(metrics.ResultIgnored)
		u.logger.Debug("Ignoring stale telemetry event",
			zap.Int64("device_id", event.DeviceID),
			zap.Time("event_timestamp", ts),
		)
		return nil
	}

	u.metrics.IncProjection(metrics.ResultUpdated)
	u.logger.Debug("Projection updated",
		zap.Int64("device_id", event.DeviceID),
		zap.Float64("temperature", temperature),
		zap.Time("timestamp", ts),
	)
	return nil
}

func (u *ProjectionUpdater) lockFor(deviceID int64) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(deviceID, 10)))
	return &u.locks[h.Sum32()%lockStripes]
}
