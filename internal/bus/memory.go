package bus

import (
	"context"
	"encoding/json"
	"sync"

	"wisefido-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryBus 进程内事件总线（单实例 / 测试用）
// 每个订阅者独立收到全部事件；没有订阅者时事件暂存，首个订阅者注册后补投
type MemoryBus struct {
	opts   Options
	logger *zap.Logger

	mu      sync.RWMutex
	subs    []*memorySubscription
	backlog []envelope
	closed  bool
}

// NewMemoryBus 创建进程内总线；未配置死信出口时使用 MemoryDeadLetters
func NewMemoryBus(opts Options, logger *zap.Logger) *MemoryBus {
	if opts.DeadLetters == nil {
		opts.DeadLetters = NewMemoryDeadLetters()
	}
	return &MemoryBus{
		opts:   opts,
		logger: logger,
	}
}

// DeadLetters 当前死信出口
func (b *MemoryBus) DeadLetters() DeadLetterSink {
	return b.opts.DeadLetters
}

// Publish 发布事件
func (b *MemoryBus) Publish(ctx context.Context, event models.TelemetryEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	env := envelope{id: uuid.NewString(), payload: payload, event: event}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	if len(b.subs) > 0 {
		defer b.mu.RUnlock()
		for _, sub := range b.subs {
			if err := sub.d.dispatch(ctx, env); err != nil {
				return err
			}
		}
		return nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	// 加写锁后再检查一次
	for _, sub := range b.subs {
		if err := sub.d.dispatch(ctx, env); err != nil {
			return err
		}
	}
	if len(b.subs) == 0 {
		b.backlog = append(b.backlog, env)
	}
	return nil
}

// Subscribe 注册 handler，立即开始消费
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus: b,
		d:   newDispatcher(ctx, handler, b.opts, b.logger),
	}

	backlog := b.backlog
	b.backlog = nil
	for _, env := range backlog {
		if err := sub.d.dispatch(ctx, env); err != nil {
			sub.d.stop()
			return nil, err
		}
	}

	b.subs = append(b.subs, sub)
	b.logger.Info("Subscribed to memory bus",
		zap.Int("concurrency", sub.d.opts.Concurrency),
		zap.Int("backlog", len(backlog)),
	)
	return sub, nil
}

// Close 关闭总线及全部订阅
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.d.stop()
	}
	return nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]*memorySubscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s != sub {
			subs = append(subs, s)
		}
	}
	b.subs = subs
}

type memorySubscription struct {
	bus  *MemoryBus
	d    *dispatcher
	once sync.Once
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.remove(s)
		s.d.stop()
	})
	return nil
}

// MemoryDeadLetters 进程内死信队列
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

func (m *MemoryDeadLetters) DeadLetter(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl.Payload = append([]byte(nil), dl.Payload...)
	m.letters = append(m.letters, dl)
	return nil
}

// List 死信快照
func (m *MemoryDeadLetters) List() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, len(m.letters))
	copy(out, m.letters)
	return out
}
