// Package backoff 实现撤单退避：窗口内撤单越密集，下次挂单前等待越久。
package backoff

import (
	"math"
	"sync"
	"time"
)

// Growth 惩罚增长方式。
type Growth string

const (
	GrowthExponential Growth = "exponential"
	GrowthLinear      Growth = "linear"
)

// Config 退避参数。
type Config struct {
	BaseSeconds   float64 `yaml:"base_seconds"`   // 初始等待时间
	Factor        float64 `yaml:"factor"`         // 指数退避的倍数
	WindowSeconds float64 `yaml:"window_seconds"` // 滑动窗口长度
	MaxSeconds    float64 `yaml:"max_seconds"`    // 最大等待时间，0 表示不封顶
	Growth        Growth  `yaml:"growth"`         // exponential 或 linear
	StepSeconds   float64 `yaml:"step_seconds"`   // linear 模式下每次递增秒数
	// ZeroAtFirstEvent 为 true 时，窗口内首个事件的目标惩罚为 0 而不是 base。
	// 两种行为历史上都存在过，通过配置显式选择。
	ZeroAtFirstEvent bool `yaml:"zero_at_first_event"`
}

// DefaultConfig 与线上长期使用的参数一致。
func DefaultConfig() Config {
	return Config{
		BaseSeconds:   2,
		Factor:        2,
		WindowSeconds: 90,
		MaxSeconds:    600,
		Growth:        GrowthExponential,
	}
}

// Governor 维护带惯性的撤单退避状态。
//
// 惩罚只能被瞬间抬高，不能瞬间变轻：一串撤单要立刻换来足够长的冷却，
// 而平静期只按时间常数缓慢恢复（半衰期 window/2）。
type Governor struct {
	cfg   Config
	clock Clock

	mu     sync.Mutex
	events []time.Time
	cur    float64
	lastTs time.Time
}

// New 创建 Governor；clock 传 nil 则使用系统时钟。
func New(cfg Config, clock Clock) *Governor {
	if cfg.BaseSeconds <= 0 {
		cfg.BaseSeconds = 2
	}
	if cfg.Factor <= 1 {
		cfg.Factor = 2
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 90
	}
	if cfg.Growth == "" {
		cfg.Growth = GrowthExponential
	}
	if cfg.Growth == GrowthLinear && cfg.StepSeconds <= 0 {
		cfg.StepSeconds = cfg.BaseSeconds
	}
	if clock == nil {
		clock = SystemClock
	}
	g := &Governor{cfg: cfg, clock: clock}
	g.cur = g.floor()
	return g
}

// floor 是衰减的下界。zero_at_first_event 模式下惩罚可以完全归零。
func (g *Governor) floor() float64 {
	if g.cfg.ZeroAtFirstEvent {
		return 0
	}
	return g.cfg.BaseSeconds
}

// Penalty 追加 n 个窗口事件但不计算等待时间。
// 调用方检测到更恶劣的失败（例如价格冲出 throttle 阈值）时，自己先睡一段
// 固定时长，再用 Penalty 预充事件，使下一次自然计算已经带上足够的惩罚。
func (g *Governor) Penalty(n int) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i < n; i++ {
		g.events = append(g.events, now)
	}
}

// Record 追加一个撤单事件，不计算等待时间。
func (g *Governor) Record() { g.Penalty(1) }

// NextSleep 记录本次撤单并返回挂单前应等待的时长。
func (g *Governor) NextSleep() time.Duration {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	// 1) 时间衰减：每 window/2 秒衰减一个 factor。
	if !g.lastTs.IsZero() {
		dt := now.Sub(g.lastTs).Seconds()
		if dt > 0 {
			decayPower := dt * 2 / g.cfg.WindowSeconds
			g.cur = math.Max(g.floor(), g.cur/math.Pow(g.cfg.Factor, decayPower))
		}
	}
	g.lastTs = now

	// 2) 维护窗口内事件
	cutoff := now.Add(-time.Duration(g.cfg.WindowSeconds * float64(time.Second)))
	i := 0
	for ; i < len(g.events); i++ {
		if g.events[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		g.events = g.events[i:]
	}
	g.events = append(g.events, now)

	// 3) 窗口惩罚
	retries := len(g.events) - 1
	target := g.target(retries)

	// 4) 惩罚只抬不降
	g.cur = math.Max(g.cur, target)

	if g.cfg.MaxSeconds > 0 {
		g.cur = math.Min(g.cur, g.cfg.MaxSeconds)
	}

	// 与历史实现一致，保留两位小数
	rounded := math.Round(g.cur*100) / 100
	return time.Duration(rounded * float64(time.Second))
}

func (g *Governor) target(retries int) float64 {
	if g.cfg.ZeroAtFirstEvent {
		if retries == 0 {
			return 0
		}
		retries--
	}
	switch g.cfg.Growth {
	case GrowthLinear:
		return g.cfg.BaseSeconds + g.cfg.StepSeconds*float64(retries)
	default:
		return g.cfg.BaseSeconds * math.Pow(g.cfg.Factor, float64(retries))
	}
}

// Pending 返回窗口内未过期事件数，仅用于日志/指标。
func (g *Governor) Pending() int {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := now.Add(-time.Duration(g.cfg.WindowSeconds * float64(time.Second)))
	n := 0
	for _, ts := range g.events {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
