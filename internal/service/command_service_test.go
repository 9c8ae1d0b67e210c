package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 1, 31, 13, 0, 0, 0, time.UTC)

func int64Ptr(v int64) *int64 { return &v }

func float64Ptr(v float64) *float64 { return &v }

func timePtr(v time.Time) *time.Time { return &v }

// MockPublisher 是 bus.Publisher 的 mock 实现
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event models.TelemetryEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// unavailableStore 写库不可达
type unavailableStore struct {
	repository.WriteStore
}

func (unavailableStore) Save(context.Context, *models.Observation) (*models.Observation, error) {
	return nil, models.ErrStoreUnavailable
}

func TestRecord_MissingFieldsRejected(t *testing.T) {
	store := repository.NewMemoryTelemetryRepository()
	pub := &MockPublisher{}
	svc := NewCommandService(store, pub, nil, zap.NewNop())

	obs, err := svc.Record(context.Background(), RecordTelemetryCommand{})
	assert.Nil(t, obs)

	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, map[string]string{
		"deviceId":    "deviceId cannot be null",
		"temperature": "temperature cannot be null",
		"timestamp":   "timestamp cannot be null",
	}, verr.FieldMap())

	all, err := store.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestRecord_SingleMissingField(t *testing.T) {
	svc := NewCommandService(repository.NewMemoryTelemetryRepository(), &MockPublisher{}, nil, zap.NewNop())

	_, err := svc.Record(context.Background(), RecordTelemetryCommand{
		DeviceID:  int64Ptr(1),
		Timestamp: timePtr(t0),
	})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "temperature", verr.Fields[0].Field)
}

func TestRecord_AppendsThenPublishes(t *testing.T) {
	store := repository.NewMemoryTelemetryRepository()
	pub := &MockPublisher{}
	want := models.TelemetryEvent{DeviceID: 1, Temperature: 21.5, Timestamp: t0}
	pub.On("Publish", mock.Anything, want).Return(nil).Once()

	svc := NewCommandService(store, pub, nil, zap.NewNop())
	obs, err := svc.Record(context.Background(), RecordTelemetryCommand{
		DeviceID:    int64Ptr(1),
		Temperature: float64Ptr(21.5),
		Timestamp:   timePtr(t0),
	})
	require.NoError(t, err)
	require.NotNil(t, obs)
	assert.Equal(t, int64(1), obs.ID)
	assert.False(t, obs.RecordedAt.IsZero())

	all, err := store.FindAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	pub.AssertExpectations(t)
}

func TestRecord_NormalisesTimestampToUTC(t *testing.T) {
	store := repository.NewMemoryTelemetryRepository()
	pub := &MockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	local := t0.In(time.FixedZone("UTC+8", 8*3600))
	obs, err := NewCommandService(store, pub, nil, zap.NewNop()).Record(context.Background(), RecordTelemetryCommand{
		DeviceID:    int64Ptr(1),
		Temperature: float64Ptr(1),
		Timestamp:   timePtr(local),
	})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, obs.Timestamp.Location())
	assert.True(t, obs.Timestamp.Equal(t0))
}

func TestRecord_StoreFailureDoesNotPublish(t *testing.T) {
	pub := &MockPublisher{}
	svc := NewCommandService(unavailableStore{}, pub, nil, zap.NewNop())

	obs, err := svc.Record(context.Background(), RecordTelemetryCommand{
		DeviceID:    int64Ptr(1),
		Temperature: float64Ptr(1),
		Timestamp:   timePtr(t0),
	})
	assert.Nil(t, obs)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestRecord_PublishFailureKeepsRow(t *testing.T) {
	store := repository.NewMemoryTelemetryRepository()
	pub := &MockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	svc := NewCommandService(store, pub, nil, zap.NewNop())
	obs, err := svc.Record(context.Background(), RecordTelemetryCommand{
		DeviceID:    int64Ptr(2),
		Temperature: float64Ptr(3),
		Timestamp:   timePtr(t0),
	})
	assert.ErrorIs(t, err, models.ErrPublishFailed)
	require.NotNil(t, obs)
	assert.Equal(t, int64(2), obs.DeviceID)

	all, err := store.FindAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
