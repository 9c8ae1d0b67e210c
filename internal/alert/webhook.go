package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-telemetry/internal/bus"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DeadLetterAlert 死信通知内容
type DeadLetterAlert struct {
	Source    string          `json:"source"`
	MessageID string          `json:"messageId"`
	DeviceID  *int64          `json:"deviceId,omitempty"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Raw       string          `json:"raw,omitempty"`
	FailedAt  time.Time       `json:"failedAt"`
}

// WebhookNotifier 死信写入后 POST 到告警 webhook
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhookNotifier 创建 webhook 通知器
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Content-Type", "application/json")

	return &WebhookNotifier{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// DeadLetter 实现 bus.DeadLetterSink
func (n *WebhookNotifier) DeadLetter(ctx context.Context, dl bus.DeadLetter) error {
	alert := DeadLetterAlert{
		Source:    "wisefido-telemetry",
		MessageID: dl.SourceID,
		Attempts:  dl.Attempts,
		FailedAt:  dl.FailedAt,
	}
	if dl.Event != nil {
		id := dl.Event.DeviceID
		alert.DeviceID = &id
	}
	if dl.Err != nil {
		alert.Error = dl.Err.Error()
	}
	// 非法 JSON 以字符串形式附带
	if json.Valid(dl.Payload) {
		alert.Payload = dl.Payload
	} else {
		alert.Raw = string(dl.Payload)
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(alert).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to call dead letter webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("dead letter webhook returned %d", resp.StatusCode())
	}

	n.logger.Info("Dead letter alert sent",
		zap.String("message_id", dl.SourceID),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}
