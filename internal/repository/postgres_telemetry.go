package repository

import (
	"context"
	"database/sql"
	"errors"

	"wisefido-telemetry/internal/models"

	"go.uber.org/zap"
)

const telemetrySchema = `
CREATE TABLE IF NOT EXISTS telemetry (
	id          BIGSERIAL PRIMARY KEY,
	device_id   BIGINT           NOT NULL,
	temperature DOUBLE PRECISION NOT NULL,
	timestamp   TIMESTAMPTZ      NOT NULL,
	recorded_at TIMESTAMPTZ      NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_telemetry_device_id ON telemetry (device_id);
`

// PostgresTelemetryRepository telemetry 表（append-only 写库）
type PostgresTelemetryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresTelemetryRepository(db *sql.DB, logger *zap.Logger) *PostgresTelemetryRepository {
	return &PostgresTelemetryRepository{db: db, logger: logger}
}

// EnsureSchema 建表（已存在则跳过）
func (r *PostgresTelemetryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, telemetrySchema); err != nil {
		return unavailable("failed to ensure telemetry schema", err)
	}
	return nil
}

// Save 插入一条记录，id / recorded_at 由数据库生成
func (r *PostgresTelemetryRepository) Save(ctx context.Context, obs *models.Observation) (*models.Observation, error) {
	query := `
		INSERT INTO telemetry (device_id, temperature, timestamp)
		VALUES ($1, $2, $3)
		RETURNING id, recorded_at
	`

	saved := *obs
	err := r.db.QueryRowContext(ctx, query, obs.DeviceID, obs.Temperature, obs.Timestamp.UTC()).
		Scan(&saved.ID, &saved.RecordedAt)
	if err != nil {
		return nil, unavailable("failed to insert telemetry", err)
	}

	r.logger.Debug("Saved telemetry",
		zap.Int64("id", saved.ID),
		zap.Int64("device_id", saved.DeviceID),
	)
	return &saved, nil
}

func (r *PostgresTelemetryRepository) FindByID(ctx context.Context, id int64) (*models.Observation, error) {
	query := `
		SELECT id, device_id, temperature, timestamp, recorded_at
		FROM telemetry
		WHERE id = $1
	`

	var obs models.Observation
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&obs.ID, &obs.DeviceID, &obs.Temperature, &obs.Timestamp, &obs.RecordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("failed to query telemetry", err)
	}
	return &obs, nil
}

func (r *PostgresTelemetryRepository) FindAll(ctx context.Context) ([]models.Observation, error) {
	query := `
		SELECT id, device_id, temperature, timestamp, recorded_at
		FROM telemetry
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, unavailable("failed to query telemetry", err)
	}
	defer rows.Close()

	out := []models.Observation{}
	for rows.Next() {
		var obs models.Observation
		if err := rows.Scan(&obs.ID, &obs.DeviceID, &obs.Temperature, &obs.Timestamp, &obs.RecordedAt); err != nil {
			return nil, unavailable("failed to scan telemetry", err)
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("failed to iterate telemetry", err)
	}
	return out, nil
}

// DeleteAll 批量清空（仅用于测试 / 管理命令）
func (r *PostgresTelemetryRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM telemetry`); err != nil {
		return unavailable("failed to delete telemetry", err)
	}
	r.logger.Warn("Deleted all telemetry rows")
	return nil
}
