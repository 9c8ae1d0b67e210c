package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 1, 31, 13, 0, 0, 0, time.UTC)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Delay: 5 * time.Millisecond}
}

func newTestMemoryBus(opts Options) (*MemoryBus, *MemoryDeadLetters) {
	dlq := NewMemoryDeadLetters()
	opts.DeadLetters = dlq
	return NewMemoryBus(opts, zap.NewNop()), dlq
}

// recorder 按 deviceId 记录收到的事件
type recorder struct {
	mu     sync.Mutex
	events map[int64][]models.TelemetryEvent
	total  int
}

func newRecorder() *recorder {
	return &recorder{events: make(map[int64][]models.TelemetryEvent)}
}

func (r *recorder) handle(_ context.Context, e models.TelemetryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[e.DeviceID] = append(r.events[e.DeviceID], e)
	r.total++
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *recorder) forDevice(id int64) []models.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.TelemetryEvent(nil), r.events[id]...)
}

func TestLaneFor_DeterministicAndInRange(t *testing.T) {
	for id := int64(-50); id < 50; id++ {
		lane := laneFor(id, 3)
		assert.GreaterOrEqual(t, lane, 0)
		assert.Less(t, lane, 3)
		assert.Equal(t, lane, laneFor(id, 3))
	}
	assert.Equal(t, 0, laneFor(42, 1))
}

func TestMemoryBus_DeliversEveryEvent(t *testing.T) {
	b, dlq := newTestMemoryBus(Options{Retry: fastRetry()})
	rec := newRecorder()

	sub, err := b.Subscribe(context.Background(), rec.handle)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 9; i++ {
		require.NoError(t, b.Publish(context.Background(), models.TelemetryEvent{
			DeviceID: int64(i % 3), Temperature: float64(i), Timestamp: t0,
		}))
	}

	require.Eventually(t, func() bool { return rec.count() == 9 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, dlq.List())
}

func TestMemoryBus_PreservesPerDeviceOrder(t *testing.T) {
	b, _ := newTestMemoryBus(Options{Concurrency: 3, Retry: fastRetry()})
	rec := newRecorder()

	sub, err := b.Subscribe(context.Background(), rec.handle)
	require.NoError(t, err)
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		for _, id := range []int64{1, 2, 3, 4} {
			require.NoError(t, b.Publish(context.Background(), models.TelemetryEvent{
				DeviceID: id, Temperature: float64(i), Timestamp: t0.Add(time.Duration(i) * time.Second),
			}))
		}
	}

	require.Eventually(t, func() bool { return rec.count() == 4*n }, 2*time.Second, 5*time.Millisecond)
	for _, id := range []int64{1, 2, 3, 4} {
		got := rec.forDevice(id)
		require.Len(t, got, n)
		for i, e := range got {
			assert.Equal(t, float64(i), e.Temperature, "device %d out of order at %d", id, i)
		}
	}
}

func TestMemoryBus_RetriesThenSucceeds(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	b, dlq := newTestMemoryBus(Options{Retry: fastRetry(), Metrics: m})

	var calls int32
	sub, err := b.Subscribe(context.Background(), func(ctx context.Context, e models.TelemetryEvent) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return errors.New("store unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(context.Background(), models.TelemetryEvent{DeviceID: 1, Temperature: 10, Timestamp: t0}))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.OutcomeSuccess)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.OutcomeRetry)))
	assert.Empty(t, dlq.List())
}

func TestMemoryBus_PoisonMessageIsolated(t *testing.T) {
	b, dlq := newTestMemoryBus(Options{Concurrency: 1, Retry: fastRetry()})
	rec := newRecorder()

	var poisonCalls int32
	sub, err := b.Subscribe(context.Background(), func(ctx context.Context, e models.TelemetryEvent) error {
		if e.DeviceID == 7 {
			atomic.AddInt32(&poisonCalls, 1)
			return errors.New("cannot apply")
		}
		return rec.handle(ctx, e)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(context.Background(), models.TelemetryEvent{DeviceID: 7, Temperature: 1, Timestamp: t0}))
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), models.TelemetryEvent{DeviceID: 8, Temperature: float64(i), Timestamp: t0}))
	}

	require.Eventually(t, func() bool { return rec.count() == 5 && len(dlq.List()) == 1 }, time.Second, 5*time.Millisecond)

	letters := dlq.List()
	require.Len(t, letters, 1)
	dl := letters[0]
	assert.Equal(t, 4, dl.Attempts)
	assert.Equal(t, int32(4), atomic.LoadInt32(&poisonCalls))
	require.NotNil(t, dl.Event)
	assert.Equal(t, int64(7), dl.Event.DeviceID)
	assert.JSONEq(t, `{"deviceId":7,"temperature":1,"timestamp":"2025-01-31T13:00:00Z"}`, string(dl.Payload))

	var poison *PoisonMessageError
	require.ErrorAs(t, dl.Err, &poison)
	assert.Equal(t, 4, poison.Attempts)
}

func TestMemoryBus_HandlerPanicCountsAsFailure(t *testing.T) {
	b, dlq := newTestMemoryBus(Options{Retry: RetryPolicy{MaxRetries: 1, Delay: time.Millisecond}})

	sub, err := b.Subscribe(context.Background(), func(ctx context.Context, e models.TelemetryEvent) error {
		panic("boom")
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(context.Background(), models.TelemetryEvent{DeviceID: 1, Timestamp: t0}))
	require.Eventually(t, func() bool { return len(dlq.List()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, dlq.List()[0].Attempts)
	assert.Contains(t, dlq.List()[0].Err.Error(), "handler panic")
}

func TestMemoryBus_BacklogDeliveredToFirstSubscriber(t *testing.T) {
	b, _ := newTestMemoryBus(Options{Retry: fastRetry()})
	rec := newRecorder()

	require.NoError(t, b.Publish(context.Background(), models.TelemetryEvent{DeviceID: 1, Temperature: 1, Timestamp: t0}))
	require.NoError(t, b.Publish(context.Background(), models.TelemetryEvent{DeviceID: 1, Temperature: 2, Timestamp: t0}))

	sub, err := b.Subscribe(context.Background(), rec.handle)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	got := rec.forDevice(1)
	assert.Equal(t, 1.0, got[0].Temperature)
	assert.Equal(t, 2.0, got[1].Temperature)
}

func TestMemoryBus_FanOutToEverySubscriber(t *testing.T) {
	b, _ := newTestMemoryBus(Options{Retry: fastRetry()})
	first, second := newRecorder(), newRecorder()

	s1, err := b.Subscribe(context.Background(), first.handle)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := b.Subscribe(context.Background(), second.handle)
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, b.Publish(context.Background(), models.TelemetryEvent{DeviceID: 1, Timestamp: t0}))
	require.Eventually(t, func() bool { return first.count() == 1 && second.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryBus_ShutdownAbortsRetryWithoutDeadLetter(t *testing.T) {
	b, dlq := newTestMemoryBus(Options{Retry: RetryPolicy{MaxRetries: 3, Delay: time.Hour}})

	ctx, cancel := context.WithCancel(context.Background())
	called := make(chan struct{}, 1)
	sub, err := b.Subscribe(ctx, func(ctx context.Context, e models.TelemetryEvent) error {
		select {
		case called <- struct{}{}:
		default:
		}
		return errors.New("down")
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), models.TelemetryEvent{DeviceID: 1, Timestamp: t0}))
	<-called

	cancel()
	done := make(chan struct{})
	go func() {
		_ = sub.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}
	assert.Empty(t, dlq.List())
}

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	b, _ := newTestMemoryBus(Options{})
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), models.TelemetryEvent{DeviceID: 1, Timestamp: t0})
	assert.ErrorIs(t, err, ErrBusClosed)

	_, err = b.Subscribe(context.Background(), newRecorder().handle)
	assert.ErrorIs(t, err, ErrBusClosed)
}

type failingSink struct{ calls int32 }

func (f *failingSink) DeadLetter(context.Context, DeadLetter) error {
	atomic.AddInt32(&f.calls, 1)
	return errors.New("webhook down")
}

func TestFanoutSink_SecondaryFailureIgnored(t *testing.T) {
	primary := NewMemoryDeadLetters()
	secondary := &failingSink{}
	sink := NewFanoutSink(zap.NewNop(), primary, secondary)

	require.NoError(t, sink.DeadLetter(context.Background(), DeadLetter{SourceID: "1", Payload: []byte("{}")}))
	assert.Len(t, primary.List(), 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&secondary.calls))

	failing := NewFanoutSink(zap.NewNop(), &failingSink{}, primary)
	assert.Error(t, failing.DeadLetter(context.Background(), DeadLetter{SourceID: "2"}))
	assert.Len(t, primary.List(), 1)
}
