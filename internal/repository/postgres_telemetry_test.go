package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"wisefido-telemetry/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresTelemetryRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresTelemetryRepository(db, zap.NewNop())
	return db, mock, repo
}

func TestPostgresTelemetry_Save_ReturnsStoreAssignedFields(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	ts := time.Date(2025, 1, 31, 13, 0, 0, 0, time.UTC)
	recordedAt := ts.Add(2 * time.Second)

	mock.ExpectQuery(`INSERT INTO telemetry`).
		WithArgs(int64(1), 10.0, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "recorded_at"}).AddRow(int64(42), recordedAt))

	saved, err := repo.Save(context.Background(), &models.Observation{DeviceID: 1, Temperature: 10.0, Timestamp: ts})

	require.NoError(t, err)
	assert.Equal(t, int64(42), saved.ID)
	assert.True(t, saved.RecordedAt.Equal(recordedAt))
	assert.Equal(t, int64(1), saved.DeviceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTelemetry_Save_ConnectionFailure(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO telemetry`).
		WillReturnError(errors.New("dial tcp: connection refused"))

	_, err := repo.Save(context.Background(), &models.Observation{DeviceID: 1, Temperature: 10.0, Timestamp: time.Now()})

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTelemetry_FindAll_OrderedByID(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	ts := time.Date(2025, 1, 31, 13, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "device_id", "temperature", "timestamp", "recorded_at"}).
		AddRow(int64(1), int64(1), 10.0, ts, ts).
		AddRow(int64(2), int64(1), 10.0, ts, ts)

	mock.ExpectQuery(`SELECT id, device_id, temperature, timestamp, recorded_at\s+FROM telemetry\s+ORDER BY id`).
		WillReturnRows(rows)

	all, err := repo.FindAll(context.Background())

	require.NoError(t, err)
	// 重复 payload 不去重
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].ID)
	assert.Equal(t, int64(2), all[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTelemetry_FindAll_Empty(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, device_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_id", "temperature", "timestamp", "recorded_at"}))

	all, err := repo.FindAll(context.Background())

	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Len(t, all, 0)
}

func TestPostgresTelemetry_FindByID_NotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_id", "temperature", "timestamp", "recorded_at"}))

	_, err := repo.FindByID(context.Background(), 99)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTelemetry_EnsureSchemaAndDeleteAll(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS telemetry`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM telemetry`).WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	require.NoError(t, repo.DeleteAll(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
