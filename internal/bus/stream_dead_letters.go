package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	rediscommon "wisefido-telemetry/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamDeadLetterSink 死信写入 Redis Stream；data 字段保持原始消息体
type StreamDeadLetterSink struct {
	client *redis.Client
	stream string
}

func NewStreamDeadLetterSink(client *redis.Client, stream string) *StreamDeadLetterSink {
	if stream == "" {
		stream = DefaultDeadLetterChannel
	}
	return &StreamDeadLetterSink{client: client, stream: stream}
}

func (s *StreamDeadLetterSink) DeadLetter(ctx context.Context, dl DeadLetter) error {
	errMsg := ""
	if dl.Err != nil {
		errMsg = dl.Err.Error()
	}
	failedAt := dl.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}

	_, err := rediscommon.PublishToStream(ctx, s.client, s.stream, map[string]interface{}{
		"data":      dl.Payload,
		"error":     errMsg,
		"attempts":  dl.Attempts,
		"source_id": dl.SourceID,
		"failed_at": failedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("dead letter to %s: %w", s.stream, err)
	}
	return nil
}

// DeadLetterEntry 死信流中的一条记录
type DeadLetterEntry struct {
	ID       string    `json:"id"`
	SourceID string    `json:"sourceId"`
	Payload  string    `json:"payload"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
}

// StreamDeadLetters 死信流运维：查看与重放
type StreamDeadLetters struct {
	client           *redis.Client
	stream           string
	deadLetterStream string
	logger           *zap.Logger
}

func NewStreamDeadLetters(client *redis.Client, stream, deadLetterStream string, logger *zap.Logger) *StreamDeadLetters {
	if stream == "" {
		stream = DefaultEventsChannel
	}
	if deadLetterStream == "" {
		deadLetterStream = DefaultDeadLetterChannel
	}
	return &StreamDeadLetters{
		client:           client,
		stream:           stream,
		deadLetterStream: deadLetterStream,
		logger:           logger,
	}
}

// List 按写入顺序列出死信；count <= 0 表示全部
func (d *StreamDeadLetters) List(ctx context.Context, count int64) ([]DeadLetterEntry, error) {
	messages, err := rediscommon.RangeStream(ctx, d.client, d.deadLetterStream, count)
	if err != nil {
		return nil, err
	}

	entries := make([]DeadLetterEntry, 0, len(messages))
	for _, msg := range messages {
		failedAt, _ := time.Parse(time.RFC3339Nano, string(fieldBytes(msg.Values, "failed_at")))
		entries = append(entries, DeadLetterEntry{
			ID:       msg.ID,
			SourceID: string(fieldBytes(msg.Values, "source_id")),
			Payload:  string(fieldBytes(msg.Values, "data")),
			Error:    string(fieldBytes(msg.Values, "error")),
			Attempts: fieldInt(msg.Values, "attempts"),
			FailedAt: failedAt,
		})
	}
	return entries, nil
}

// ErrDeadLetterNotFound 指定的死信不存在
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// Replay 将死信原样重新发布到事件流并从死信流删除；ids 为空时重放全部
func (d *StreamDeadLetters) Replay(ctx context.Context, ids ...string) (int, error) {
	var messages []redis.XMessage
	if len(ids) == 0 {
		all, err := d.client.XRange(ctx, d.deadLetterStream, "-", "+").Result()
		if err != nil {
			return 0, err
		}
		messages = all
	} else {
		for _, id := range ids {
			found, err := d.client.XRangeN(ctx, d.deadLetterStream, id, id, 1).Result()
			if err != nil {
				return 0, err
			}
			if len(found) == 0 {
				return 0, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
			}
			messages = append(messages, found[0])
		}
	}

	replayed := 0
	for _, msg := range messages {
		newID, err := rediscommon.PublishToStream(ctx, d.client, d.stream, map[string]interface{}{
			"data":      fieldBytes(msg.Values, "data"),
			"timestamp": time.Now().Unix(),
		})
		if err != nil {
			return replayed, fmt.Errorf("replay %s: %w", msg.ID, err)
		}
		if err := d.client.XDel(ctx, d.deadLetterStream, msg.ID).Err(); err != nil {
			return replayed, fmt.Errorf("remove replayed %s: %w", msg.ID, err)
		}
		replayed++
		d.logger.Info("Replayed dead letter",
			zap.String("dead_letter_id", msg.ID),
			zap.String("message_id", newID),
		)
	}
	return replayed, nil
}

// Purge 清空死信流
func (d *StreamDeadLetters) Purge(ctx context.Context) (int64, error) {
	n, err := d.client.XLen(ctx, d.deadLetterStream).Result()
	if err != nil {
		return 0, err
	}
	if err := d.client.Del(ctx, d.deadLetterStream).Err(); err != nil {
		return 0, err
	}
	return n, nil
}
