package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqttcommon "wisefido-telemetry/common/mqtt"
	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/service"

	"go.uber.org/zap"
)

// MQTTSubscriber MQTT 订阅能力（common/mqtt.Client 实现）
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Recorder 写路径
type Recorder interface {
	Record(ctx context.Context, cmd service.RecordTelemetryCommand) (*models.Observation, error)
}

// mqttTemperaturePayload 主题 telemetry/{deviceId}/temperature 的消息体
type mqttTemperaturePayload struct {
	Temperature *float64   `json:"temperature"`
	Timestamp   *time.Time `json:"timestamp"`
}

// MQTTConsumer MQTT消息消费者：设备直接上报温度
type MQTTConsumer struct {
	mqttClient MQTTSubscriber
	recorder   Recorder
	topic      string
	qos        byte
	logger     *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(mqttClient MQTTSubscriber, recorder Recorder, topic string, qos byte, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		mqttClient: mqttClient,
		recorder:   recorder,
		topic:      topic,
		qos:        qos,
		logger:     logger,
	}
}

// Start 订阅并阻塞到 ctx 取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	handler := func(topic string, payload []byte) error {
		return c.handleMessage(ctx, topic, payload)
	}
	if err := c.mqttClient.Subscribe(c.topic, c.qos, handler); err != nil {
		return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
	}

	c.logger.Info("MQTT consumer started", zap.String("topic", c.topic))

	// 等待上下文取消
	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.mqttClient.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 解析主题中的 deviceId 和消息体，交给命令服务
func (c *MQTTConsumer) handleMessage(ctx context.Context, topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	// 主题格式: telemetry/{deviceId}/temperature
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return fmt.Errorf("invalid topic format: %s", topic)
	}
	deviceID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid device id in topic %s: %w", topic, err)
	}

	var msg mqttTemperaturePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return &models.DataFormatError{Message: "invalid MQTT temperature payload", Err: err}
	}

	obs, err := c.recorder.Record(ctx, service.RecordTelemetryCommand{
		DeviceID:    &deviceID,
		Temperature: msg.Temperature,
		Timestamp:   msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("record telemetry from %s: %w", topic, err)
	}

	c.logger.Debug("Recorded MQTT telemetry",
		zap.Int64("device_id", deviceID),
		zap.Int64("observation_id", obs.ID),
	)
	return nil
}
