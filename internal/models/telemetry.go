package models

import (
	"encoding/json"
	"time"
)

// Observation 写模型：一条不可变的温度读数（append-only）
type Observation struct {
	ID          int64     `json:"id"`
	DeviceID    int64     `json:"deviceId"`
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// Event 由写模型生成对应的事件
func (o *Observation) Event() TelemetryEvent {
	return TelemetryEvent{
		DeviceID:    o.DeviceID,
		Temperature: o.Temperature,
		Timestamp:   o.Timestamp,
	}
}

// TelemetryEvent 事件总线上的消息（可能被重复投递）
type TelemetryEvent struct {
	DeviceID    int64     `json:"deviceId"`
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
}

// PartitionKey 分区键：同一设备的事件路由到同一 lane
func (e TelemetryEvent) PartitionKey() int64 {
	return e.DeviceID
}

// telemetryEventWire 解析用：区分字段缺失与零值
type telemetryEventWire struct {
	DeviceID    *int64     `json:"deviceId"`
	Temperature *float64   `json:"temperature"`
	Timestamp   *time.Time `json:"timestamp"`
}

// ParseTelemetryEvent 解析事件消息体；缺少任一字段视为格式错误，零值时间戳合法
func ParseTelemetryEvent(payload []byte) (TelemetryEvent, error) {
	var wire telemetryEventWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return TelemetryEvent{}, &DataFormatError{Message: "invalid telemetry event payload", Err: err}
	}
	switch {
	case wire.DeviceID == nil:
		return TelemetryEvent{}, &DataFormatError{Message: "telemetry event without deviceId"}
	case wire.Temperature == nil:
		return TelemetryEvent{}, &DataFormatError{Message: "telemetry event without temperature"}
	case wire.Timestamp == nil:
		return TelemetryEvent{}, &DataFormatError{Message: "telemetry event without timestamp"}
	}
	return TelemetryEvent{
		DeviceID:    *wire.DeviceID,
		Temperature: *wire.Temperature,
		Timestamp:   *wire.Timestamp,
	}, nil
}

// DeviceProjection 读模型：每个设备最新的温度
// LastTemperature / LastUpdated 为 nil 表示尚未应用过任何事件
type DeviceProjection struct {
	DeviceID        int64      `json:"deviceId"`
	LastTemperature *float64   `json:"lastTemperature"`
	LastUpdated     *time.Time `json:"lastUpdated"`
}

// Accepts 是否应用时间戳为 ts 的事件：不存在、未初始化、更新或相同时间戳（后处理者胜）
func (p *DeviceProjection) Accepts(ts time.Time) bool {
	if p == nil || p.LastUpdated == nil {
		return true
	}
	return !ts.Before(*p.LastUpdated)
}

// DeviceTemperature 查询结果
type DeviceTemperature struct {
	DeviceID    int64     `json:"deviceId"`
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
}
