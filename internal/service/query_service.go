package service

import (
	"context"
	"fmt"

	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/repository"

	"go.uber.org/zap"
)

// QueryService 读路径：只读投影库
type QueryService struct {
	store  repository.ProjectionStore
	logger *zap.Logger
}

func NewQueryService(store repository.ProjectionStore, logger *zap.Logger) *QueryService {
	return &QueryService{store: store, logger: logger}
}

// ListLatest 每个设备的最新温度；无数据时返回空切片（非 nil），顺序不保证
func (s *QueryService) ListLatest(ctx context.Context) ([]models.DeviceTemperature, error) {
	projections, err := s.store.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projections: %w", err)
	}

	out := make([]models.DeviceTemperature, 0, len(projections))
	for _, p := range projections {
		if p.LastTemperature == nil || p.LastUpdated == nil {
			s.logger.Debug("Skipping uninitialised projection", zap.Int64("device_id", p.DeviceID))
			continue
		}
		out = append(out, models.DeviceTemperature{
			DeviceID:    p.DeviceID,
			Temperature: *p.LastTemperature,
			Timestamp:   *p.LastUpdated,
		})
	}
	return out, nil
}
