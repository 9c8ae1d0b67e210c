package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqttcommon "wisefido-telemetry/common/mqtt"
	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMQTT 记录订阅，测试中直接回调 handler
type fakeMQTT struct {
	mu           sync.Mutex
	handler      mqttcommon.MessageHandler
	topic        string
	qos          byte
	unsubscribed []string
	subErr       error
}

func (f *fakeMQTT) Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.topic, f.qos, f.handler = topic, qos, handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	return nil
}

func (f *fakeMQTT) deliver(topic string, payload string) error {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	return h(topic, []byte(payload))
}

func (f *fakeMQTT) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

// MockRecorder 是 Recorder 的 mock 实现
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Record(ctx context.Context, cmd service.RecordTelemetryCommand) (*models.Observation, error) {
	args := m.Called(ctx, cmd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Observation), args.Error(1)
}

func startConsumer(t *testing.T, client *fakeMQTT, rec Recorder) (*MQTTConsumer, context.CancelFunc) {
	t.Helper()
	c := NewMQTTConsumer(client, rec, "telemetry/+/temperature", 1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	require.Eventually(t, client.subscribed, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, cancel
}

func TestMQTTConsumer_RecordsTemperature(t *testing.T) {
	client := &fakeMQTT{}
	rec := &MockRecorder{}
	ts := time.Date(2025, 1, 31, 13, 0, 0, 0, time.UTC)

	rec.On("Record", mock.Anything, mock.MatchedBy(func(cmd service.RecordTelemetryCommand) bool {
		return cmd.DeviceID != nil && *cmd.DeviceID == 42 &&
			cmd.Temperature != nil && *cmd.Temperature == 36.6 &&
			cmd.Timestamp != nil && cmd.Timestamp.Equal(ts)
	})).Return(&models.Observation{ID: 7, DeviceID: 42}, nil).Once()

	startConsumer(t, client, rec)
	assert.Equal(t, "telemetry/+/temperature", client.topic)
	assert.Equal(t, byte(1), client.qos)

	require.NoError(t, client.deliver("telemetry/42/temperature", `{"temperature":36.6,"timestamp":"2025-01-31T13:00:00Z"}`))
	rec.AssertExpectations(t)
}

func TestMQTTConsumer_InvalidTopicOrPayload(t *testing.T) {
	client := &fakeMQTT{}
	rec := &MockRecorder{}
	startConsumer(t, client, rec)

	assert.Error(t, client.deliver("telemetry", `{}`))
	assert.Error(t, client.deliver("telemetry/abc/temperature", `{"temperature":1}`))

	err := client.deliver("telemetry/1/temperature", `not-json`)
	var dfe *models.DataFormatError
	assert.ErrorAs(t, err, &dfe)

	rec.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestMQTTConsumer_ValidationErrorPropagates(t *testing.T) {
	client := &fakeMQTT{}
	rec := &MockRecorder{}
	verr := &models.ValidationError{}
	verr.Add("timestamp")
	rec.On("Record", mock.Anything, mock.Anything).Return(nil, verr)

	startConsumer(t, client, rec)

	err := client.deliver("telemetry/1/temperature", `{"temperature":1}`)
	var got *models.ValidationError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, "timestamp", got.Fields[0].Field)
}

func TestMQTTConsumer_SubscribeFailure(t *testing.T) {
	client := &fakeMQTT{subErr: errors.New("not connected")}
	c := NewMQTTConsumer(client, &MockRecorder{}, "telemetry/+/temperature", 1, zap.NewNop())

	err := c.Start(context.Background())
	assert.Error(t, err)
}

func TestMQTTConsumer_StopUnsubscribes(t *testing.T) {
	client := &fakeMQTT{}
	c, _ := startConsumer(t, client, &MockRecorder{})

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, []string{"telemetry/+/temperature"}, client.unsubscribed)
}
