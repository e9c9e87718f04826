// Package feed 消费 StandX 行情/仓位 WebSocket 流，写入最新值存储。
package feed

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"standx-quoter/metrics"
)

// Config WS 连接配置。
type Config struct {
	URL              string `yaml:"url"`
	ReconnectSeconds int    `yaml:"reconnect_seconds"`
}

// client 重连式 WS 消费者骨架：掉线后固定间隔重连，直到 ctx 结束。
type client struct {
	name      string
	url       string
	reconnect time.Duration
	log       *zap.Logger
	met       *metrics.Collector

	onOpen    func(conn *websocket.Conn) error
	onMessage func(raw []byte)
}

func newClient(name string, cfg Config, log *zap.Logger, met *metrics.Collector) client {
	rc := time.Duration(cfg.ReconnectSeconds) * time.Second
	if rc <= 0 {
		rc = time.Second
	}
	return client{
		name:      name,
		url:       cfg.URL,
		reconnect: rc,
		log:       log.With(zap.String("feed", name)),
		met:       met,
	}
}

// Run 阻塞运行直到 ctx 结束。每轮：拨号、发订阅、循环读取。
func (c *client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnect):
		}
	}
}

func (c *client) runOnce(ctx context.Context) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.met.WSFailures.Inc()
		c.log.Warn("ws dial failed", zap.Error(err))
		return
	}
	c.met.WSConnects.Inc()
	defer conn.Close()

	// ctx 结束时关闭连接，打断阻塞中的 ReadMessage
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if c.onOpen != nil {
		if err := c.onOpen(conn); err != nil {
			c.met.WSFailures.Inc()
			c.log.Warn("ws subscribe failed", zap.Error(err))
			return
		}
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.met.WSFailures.Inc()
				c.log.Warn("ws read failed", zap.Error(err))
			}
			return
		}
		if c.onMessage != nil {
			c.onMessage(raw)
		}
	}
}
