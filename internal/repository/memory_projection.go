package repository

import (
	"context"
	"sync"

	"wisefido-telemetry/internal/models"
)

// MemoryProjectionRepository 内存投影库（并发安全 map）
type MemoryProjectionRepository struct {
	mu   sync.RWMutex
	data map[int64]*models.DeviceProjection
}

func NewMemoryProjectionRepository() *MemoryProjectionRepository {
	return &MemoryProjectionRepository{data: make(map[int64]*models.DeviceProjection)}
}

func (r *MemoryProjectionRepository) Find(_ context.Context, deviceID int64) (*models.DeviceProjection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.data[deviceID]
	if !ok {
		return nil, nil
	}
	return cloneProjection(p), nil
}

func (r *MemoryProjectionRepository) Save(_ context.Context, projection *models.DeviceProjection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[projection.DeviceID] = cloneProjection(projection)
	return nil
}

func (r *MemoryProjectionRepository) SaveIfNotOlder(_ context.Context, projection *models.DeviceProjection) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.data[projection.DeviceID].Accepts(lastUpdated(projection)) {
		return false, nil
	}
	r.data[projection.DeviceID] = cloneProjection(projection)
	return true, nil
}

func (r *MemoryProjectionRepository) FindAll(_ context.Context) ([]models.DeviceProjection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.DeviceProjection, 0, len(r.data))
	for _, p := range r.data {
		out = append(out, *cloneProjection(p))
	}
	return out, nil
}

func (r *MemoryProjectionRepository) DeleteAll(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = make(map[int64]*models.DeviceProjection)
	return nil
}
