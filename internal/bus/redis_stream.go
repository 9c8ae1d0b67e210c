package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	rediscommon "wisefido-telemetry/common/redis"
	"wisefido-telemetry/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StreamConfig Redis Streams 总线配置
type StreamConfig struct {
	Stream           string
	DeadLetterStream string
	Group            string
	Consumer         string
	BatchSize        int64
	Block            time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Stream == "" {
		c.Stream = DefaultEventsChannel
	}
	if c.DeadLetterStream == "" {
		c.DeadLetterStream = DefaultDeadLetterChannel
	}
	if c.Group == "" {
		c.Group = DefaultConsumerGroup
	}
	if c.Consumer == "" {
		c.Consumer = "telemetry-consumer-" + uuid.NewString()[:8]
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	return c
}

// StreamBus 基于 Redis Streams 消费者组的事件总线
// 消息在处理成功或写入死信后才 XACK；未 ACK 的消息在下次启动时重新投递
type StreamBus struct {
	client *redis.Client
	cfg    StreamConfig
	opts   Options
	logger *zap.Logger
}

// NewStreamBus 创建总线；未配置死信出口时写入 cfg.DeadLetterStream
func NewStreamBus(client *redis.Client, cfg StreamConfig, opts Options, logger *zap.Logger) *StreamBus {
	cfg = cfg.withDefaults()
	if opts.DeadLetters == nil {
		opts.DeadLetters = NewStreamDeadLetterSink(client, cfg.DeadLetterStream)
	}
	return &StreamBus{
		client: client,
		cfg:    cfg,
		opts:   opts,
		logger: logger,
	}
}

// Config 生效配置
func (b *StreamBus) Config() StreamConfig {
	return b.cfg
}

// Publish XADD 到事件流（data 字段为 JSON 消息体）
func (b *StreamBus) Publish(ctx context.Context, event models.TelemetryEvent) error {
	id, err := rediscommon.PublishJSONToStream(ctx, b.client, b.cfg.Stream, event)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.cfg.Stream, err)
	}
	b.logger.Debug("Published telemetry event",
		zap.String("stream", b.cfg.Stream),
		zap.String("message_id", id),
		zap.Int64("device_id", event.DeviceID),
	)
	return nil
}

// Subscribe 加入消费者组并开始消费
func (b *StreamBus) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if err := rediscommon.CreateConsumerGroup(ctx, b.client, b.cfg.Stream, b.cfg.Group); err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithCancel(ctx)
	sub := &streamSubscription{
		bus:    b,
		d:      newDispatcher(ctx, handler, b.opts, b.logger),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.run(readCtx)

	b.logger.Info("Subscribed to event stream",
		zap.String("stream", b.cfg.Stream),
		zap.String("group", b.cfg.Group),
		zap.String("consumer", b.cfg.Consumer),
		zap.Int("concurrency", sub.d.opts.Concurrency),
	)
	return sub, nil
}

type streamSubscription struct {
	bus    *StreamBus
	d      *dispatcher
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close 停止读取，等待已入队消息处理完
func (s *streamSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.d.stop()
	})
	return nil
}

func (s *streamSubscription) run(ctx context.Context) {
	defer close(s.done)

	// 先处理本消费者上次未 ACK 的消息
	if err := s.recoverPending(ctx); err != nil && ctx.Err() == nil {
		s.bus.logger.Warn("Failed to recover pending messages", zap.Error(err))
	}

	backoff := time.Second
	maxBackoff := 30 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		cfg := s.bus.cfg
		messages, err := rediscommon.ReadFromStream(ctx, s.bus.client, cfg.Stream, cfg.Group, cfg.Consumer, ">", cfg.BatchSize, cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.bus.logger.Error("Failed to read from stream",
				zap.String("stream", cfg.Stream),
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			if !s.handle(ctx, msg) {
				return
			}
		}
	}
}

// recoverPending 分页读取 PEL 中属于本消费者的消息（不阻塞）
func (s *streamSubscription) recoverPending(ctx context.Context) error {
	cfg := s.bus.cfg
	start := "0"
	recovered := 0
	for {
		messages, err := rediscommon.ReadFromStream(ctx, s.bus.client, cfg.Stream, cfg.Group, cfg.Consumer, start, cfg.BatchSize, -1)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			break
		}
		for _, msg := range messages {
			if !s.handle(ctx, msg) {
				return ctx.Err()
			}
			start = msg.ID
		}
		recovered += len(messages)
	}
	if recovered > 0 {
		s.bus.logger.Info("Recovered pending messages", zap.Int("count", recovered))
	}
	return nil
}

// handle 解析并入队；返回 false 表示读取应停止
func (s *streamSubscription) handle(ctx context.Context, msg rediscommon.StreamMessage) bool {
	payload := fieldBytes(msg.Values, "data")
	event, err := models.ParseTelemetryEvent(payload)
	if err != nil {
		// 格式错误不会因重试而恢复，直接进入死信
		if s.d.deadLetter(DeadLetter{
			SourceID: msg.ID,
			Payload:  payload,
			Err:      err,
			FailedAt: time.Now().UTC(),
		}) {
			s.ack(s.d.ctx, msg.ID)
		}
		return true
	}

	env := envelope{
		id:      msg.ID,
		payload: payload,
		event:   event,
		ack: func(ackCtx context.Context) {
			s.ack(ackCtx, msg.ID)
		},
	}
	if err := s.d.dispatch(ctx, env); err != nil {
		return false
	}
	return true
}

func (s *streamSubscription) ack(ctx context.Context, id string) {
	cfg := s.bus.cfg
	if err := rediscommon.Ack(ctx, s.bus.client, cfg.Stream, cfg.Group, id); err != nil {
		s.bus.logger.Error("Failed to ack message",
			zap.String("message_id", id),
			zap.Error(err),
		)
	}
}

func fieldBytes(values map[string]interface{}, key string) []byte {
	switch v := values[key].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	case nil:
		return nil
	default:
		return []byte(fmt.Sprint(v))
	}
}

func fieldInt(values map[string]interface{}, key string) int {
	n, _ := strconv.Atoi(string(fieldBytes(values, key)))
	return n
}
