package alert

import (
	"fmt"
	"sync"
	"time"
)

// Alert 告警信息
type Alert struct {
	Level     string                 // "INFO", "WARNING", "ERROR", "CRITICAL"
	Message   string                 // 告警消息
	Timestamp time.Time              // 告警时间
	Fields    map[string]interface{} // 附加字段
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 告警管理器。nil manager 的发送方法为 no-op，便于可选装配。
type Manager struct {
	channels []Channel
	throttle *Throttler
	mu       sync.RWMutex
}

// Throttler 同一条告警在 interval 内只发一次，避免重启风暴刷爆通道。
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
	}
}

// Allow 检查该 key 是否允许发送
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.lastSent[key] = now
	return true
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// Send 发送告警到所有通道；被限流时静默忽略。
func (m *Manager) Send(a Alert) {
	if m == nil {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	key := fmt.Sprintf("%s:%s", a.Level, a.Message)
	if !m.throttle.Allow(key) {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		// 单个通道失败不影响其余通道
		_ = ch.Send(a)
	}
}

// Warning 发送 WARNING 级别告警
func (m *Manager) Warning(message string, fields map[string]interface{}) {
	m.Send(Alert{Level: "WARNING", Message: message, Fields: fields})
}

// Error 发送 ERROR 级别告警
func (m *Manager) Error(message string, fields map[string]interface{}) {
	m.Send(Alert{Level: "ERROR", Message: message, Fields: fields})
}

// Critical 发送 CRITICAL 级别告警
func (m *Manager) Critical(message string, fields map[string]interface{}) {
	m.Send(Alert{Level: "CRITICAL", Message: message, Fields: fields})
}
