package bus

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"

	"go.uber.org/zap"
)

// envelope 一条待投递消息
type envelope struct {
	id      string
	payload []byte
	event   models.TelemetryEvent
	// ack 在处理成功或进入死信后调用
	ack func(ctx context.Context)
}

// dispatcher 将消息按 deviceId 分配到 lane，每个 lane 串行处理
type dispatcher struct {
	handler Handler
	opts    Options
	logger  *zap.Logger

	lanes []chan envelope
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func newDispatcher(parent context.Context, handler Handler, opts Options, logger *zap.Logger) *dispatcher {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(parent)

	d := &dispatcher{
		handler: handler,
		opts:    opts,
		logger:  logger,
		lanes:   make([]chan envelope, opts.Concurrency),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan envelope, opts.LaneBuffer)
		d.wg.Add(1)
		go d.runLane(i, d.lanes[i])
	}
	return d
}

// laneFor FNV-1a(deviceId) mod n
func laneFor(deviceID int64, n int) int {
	if n <= 1 {
		return 0
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(deviceID))
	h := fnv.New32a()
	h.Write(b[:])
	return int(h.Sum32() % uint32(n))
}

// dispatch 入队；lane 满时阻塞直到有空位或 ctx 取消
func (d *dispatcher) dispatch(ctx context.Context, env envelope) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrBusClosed
	}

	lane := d.lanes[laneFor(env.event.PartitionKey(), len(d.lanes))]
	select {
	case lane <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrBusClosed
	}
}

// stop 关闭入口，等待已入队消息处理完
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
}

func (d *dispatcher) runLane(idx int, lane <-chan envelope) {
	defer d.wg.Done()
	for env := range lane {
		if d.deliver(env) && env.ack != nil {
			env.ack(d.ctx)
		}
	}
	d.logger.Debug("Lane stopped", zap.Int("lane", idx))
}

// deliver 调用 handler，失败按 RetryPolicy 重试，耗尽后写入死信
// 返回 false 表示消息未完成（应保留待重投）
func (d *dispatcher) deliver(env envelope) bool {
	var err error
	attempts := 0
	for attempt := 0; attempt <= d.opts.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			d.opts.Metrics.IncDelivery(metrics.OutcomeRetry)
			select {
			case <-d.ctx.Done():
				d.logger.Warn("Retry aborted by shutdown",
					zap.String("message_id", env.id),
					zap.Int("attempts", attempts),
				)
				return false
			case <-time.After(d.opts.Retry.Delay):
			}
		}

		attempts++
		if err = d.invoke(env.event); err == nil {
			d.opts.Metrics.IncDelivery(metrics.OutcomeSuccess)
			return true
		}

		d.logger.Warn("Event handler failed",
			zap.String("message_id", env.id),
			zap.Int64("device_id", env.event.DeviceID),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
	}

	if d.ctx.Err() != nil {
		// 停机导致的失败不算毒消息
		return false
	}

	poison := &PoisonMessageError{SourceID: env.id, Event: env.event, Attempts: attempts, Err: err}
	event := env.event
	return d.deadLetter(DeadLetter{
		SourceID: env.id,
		Payload:  env.payload,
		Event:    &event,
		Attempts: attempts,
		Err:      poison,
		FailedAt: time.Now().UTC(),
	})
}

func (d *dispatcher) deadLetter(dl DeadLetter) bool {
	d.opts.Metrics.IncDelivery(metrics.OutcomeDeadLetter)
	d.logger.Error("Moving message to dead letter",
		zap.String("message_id", dl.SourceID),
		zap.Int("attempts", dl.Attempts),
		zap.Error(dl.Err),
	)

	if d.opts.DeadLetters == nil {
		return true
	}
	if err := d.opts.DeadLetters.DeadLetter(d.ctx, dl); err != nil {
		// 死信写入失败：不确认，留待重投
		d.logger.Error("Failed to write dead letter",
			zap.String("message_id", dl.SourceID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// invoke handler panic 视为一次失败
func (d *dispatcher) invoke(event models.TelemetryEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler(d.ctx, event)
}
