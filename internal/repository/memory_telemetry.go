package repository

import (
	"context"
	"sync"
	"time"

	"wisefido-telemetry/internal/models"
)

// MemoryTelemetryRepository 内存写库（测试 / 本地联调用）
type MemoryTelemetryRepository struct {
	mu     sync.RWMutex
	nextID int64
	rows   []models.Observation
	now    func() time.Time
}

func NewMemoryTelemetryRepository() *MemoryTelemetryRepository {
	return &MemoryTelemetryRepository{now: time.Now}
}

func (r *MemoryTelemetryRepository) Save(_ context.Context, obs *models.Observation) (*models.Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	saved := *obs
	saved.ID = r.nextID
	saved.RecordedAt = r.now().UTC()
	r.rows = append(r.rows, saved)
	return &saved, nil
}

func (r *MemoryTelemetryRepository) FindByID(_ context.Context, id int64) (*models.Observation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.rows {
		if r.rows[i].ID == id {
			obs := r.rows[i]
			return &obs, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryTelemetryRepository) FindAll(_ context.Context) ([]models.Observation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Observation, len(r.rows))
	copy(out, r.rows)
	return out, nil
}

// DeleteAll 清空数据；ID 序列不重置，保证 ID 单调
func (r *MemoryTelemetryRepository) DeleteAll(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rows = nil
	return nil
}
