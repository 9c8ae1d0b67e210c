package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"
)

const (
	DefaultEventsChannel     = "telemetry.events"
	DefaultDeadLetterChannel = "telemetry.events.dlt"
	DefaultConsumerGroup     = "telemetry-consumer-group"

	DefaultMaxRetries  = 3
	DefaultRetryDelay  = time.Second
	DefaultConcurrency = 3
	DefaultLaneBuffer  = 64
)

// ErrBusClosed 总线已关闭
var ErrBusClosed = errors.New("event bus closed")

// Handler 事件处理函数；返回错误即触发重试
type Handler func(ctx context.Context, event models.TelemetryEvent) error

// Publisher 发布事件
type Publisher interface {
	Publish(ctx context.Context, event models.TelemetryEvent) error
}

// Subscriber 注册消费者
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)
}

// Subscription 停止消费；已入队的消息处理完后返回
type Subscription interface {
	Close() error
}

// Bus 发布 + 订阅
type Bus interface {
	Publisher
	Subscriber
}

// RetryPolicy 固定间隔重试：最多 1 + MaxRetries 次调用
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// DefaultRetryPolicy 3 次重试，间隔 1 秒
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, Delay: DefaultRetryDelay}
}

// Options 消费端配置
type Options struct {
	// Concurrency worker lane 数量；同一 deviceId 总是路由到同一 lane
	Concurrency int
	// LaneBuffer 每个 lane 的队列长度（满时 Publish/读取阻塞）
	LaneBuffer  int
	Retry       RetryPolicy
	DeadLetters DeadLetterSink
	Metrics     *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.LaneBuffer <= 0 {
		o.LaneBuffer = DefaultLaneBuffer
	}
	if o.Retry.MaxRetries < 0 {
		o.Retry.MaxRetries = 0
	}
	return o
}

// DeadLetter 重试耗尽（或无法解析）的消息，Payload 保持原样
type DeadLetter struct {
	SourceID string
	Payload  []byte
	Event    *models.TelemetryEvent
	Attempts int
	Err      error
	FailedAt time.Time
}

// DeadLetterSink 死信出口
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// PoisonMessageError 消息重试耗尽
type PoisonMessageError struct {
	SourceID string
	Event    models.TelemetryEvent
	Attempts int
	Err      error
}

func (e *PoisonMessageError) Error() string {
	return fmt.Sprintf("message %s failed after %d attempts: %v", e.SourceID, e.Attempts, e.Err)
}

func (e *PoisonMessageError) Unwrap() error {
	return e.Err
}
