package alert

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ZapChannel 把告警写进结构化日志。
type ZapChannel struct {
	log *zap.Logger
}

func NewZapChannel(log *zap.Logger) *ZapChannel {
	return &ZapChannel{log: log}
}

func (c *ZapChannel) Send(a Alert) error {
	fields := make([]zap.Field, 0, len(a.Fields)+1)
	fields = append(fields, zap.String("level", a.Level))
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch a.Level {
	case "ERROR", "CRITICAL":
		c.log.Error(a.Message, fields...)
	default:
		c.log.Warn(a.Message, fields...)
	}
	return nil
}

func (c *ZapChannel) Name() string { return "zap" }

// WebhookChannel 把告警 POST 到外部 webhook（值守群机器人等）。
type WebhookChannel struct {
	url  string
	http *resty.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:  url,
		http: resty.New().SetTimeout(5 * time.Second).SetRetryCount(2),
	}
}

func (c *WebhookChannel) Send(a Alert) error {
	resp, err := c.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"level":   a.Level,
			"message": a.Message,
			"ts":      a.Timestamp.UTC().Format(time.RFC3339),
			"fields":  a.Fields,
		}).
		Post(c.url)
	if err != nil {
		return errors.Wrap(err, "webhook post")
	}
	if resp.StatusCode() >= 300 {
		return errors.Errorf("webhook status %d", resp.StatusCode())
	}
	return nil
}

func (c *WebhookChannel) Name() string { return "webhook" }
