package service

import (
	"context"
	"fmt"
	"time"

	"wisefido-telemetry/internal/bus"
	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/repository"

	"go.uber.org/zap"
)

// RecordTelemetryCommand 记录一条读数；指针字段为 nil 表示缺失
type RecordTelemetryCommand struct {
	DeviceID    *int64
	Temperature *float64
	Timestamp   *time.Time
}

// Validate 列出全部缺失字段
func (c RecordTelemetryCommand) Validate() error {
	verr := &models.ValidationError{}
	if c.DeviceID == nil {
		verr.Add("deviceId")
	}
	if c.Temperature == nil {
		verr.Add("temperature")
	}
	if c.Timestamp == nil {
		verr.Add("timestamp")
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// CommandService 写路径：追加到写库，然后发布事件
type CommandService struct {
	store     repository.WriteStore
	publisher bus.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewCommandService 创建命令服务
func NewCommandService(store repository.WriteStore, publisher bus.Publisher, m *metrics.Metrics, logger *zap.Logger) *CommandService {
	return &CommandService{
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Record 校验、追加、发布
// 追加与发布不在同一事务：发布失败时返回已保存的记录和包装 ErrPublishFailed 的错误
func (s *CommandService) Record(ctx context.Context, cmd RecordTelemetryCommand) (*models.Observation, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	saved, err := s.store.Save(ctx, &models.Observation{
		DeviceID:    *cmd.DeviceID,
		Temperature: *cmd.Temperature,
		Timestamp:   cmd.Timestamp.UTC(),
	})
	if err != nil {
		s.logger.Error("Failed to append observation",
			zap.Int64("device_id", *cmd.DeviceID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("append observation: %w", err)
	}
	s.metrics.IncRecorded()

	if err := s.publisher.Publish(ctx, saved.Event()); err != nil {
		s.metrics.IncPublishFailure()
		s.logger.Warn("Observation stored but event not published",
			zap.Int64("observation_id", saved.ID),
			zap.Int64("device_id", saved.DeviceID),
			zap.Error(err),
		)
		return saved, fmt.Errorf("observation %d stored: %w: %w", saved.ID, models.ErrPublishFailed, err)
	}

	s.logger.Debug("Observation recorded",
		zap.Int64("observation_id", saved.ID),
		zap.Int64("device_id", saved.DeviceID),
		zap.Float64("temperature", saved.Temperature),
	)
	return saved, nil
}
