// Package quoter 维护以中间价为中心的常驻限价报价。
//
// 控制循环是一个小状态机：无报价时通过门控决定能否挂出，挂出后持续
// 盯住触发条件，任一触发都整组撤单，出现仓位立即转清仓。撤单越频繁，
// 下一次挂单前的退避越久，由 backoff.Governor 统一治理。
package quoter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"standx-quoter/backoff"
	"standx-quoter/infrastructure/alert"
	"standx-quoter/market"
	"standx-quoter/metrics"
	"standx-quoter/order"
)

// State 引擎状态。
type State int

const (
	StateNoQuote State = iota
	StateQuoteActive
	StateCooldown
	StatePositionUnwind
)

func (s State) String() string {
	switch s {
	case StateNoQuote:
		return "no_quote"
	case StateQuoteActive:
		return "quote_active"
	case StateCooldown:
		return "cooldown"
	case StatePositionUnwind:
		return "position_unwind"
	default:
		return "unknown"
	}
}

// Side 报价方向配置。
type Side string

const (
	SideBoth     Side = "both"
	SideBuyOnly  Side = "buy"
	SideSellOnly Side = "sell"
)

// SkipWindowConfig 禁止报价的时间窗。WeekdaysOnly 为 true 时周末不生效。
type SkipWindowConfig struct {
	Enabled      bool   `yaml:"enabled"`
	StartHour    int    `yaml:"start_hour"`
	EndHour      int    `yaml:"end_hour"`
	Timezone     string `yaml:"timezone"`
	WeekdaysOnly bool   `yaml:"weekdays_only"`
}

// Config 报价引擎参数。
type Config struct {
	Side           Side    `yaml:"side"`            // both / buy / sell
	SpreadBps      float64 `yaml:"spread_bps"`      // 挂单距中间价的基点
	MinBps         float64 `yaml:"min_bps"`         // 在场挂单允许的最小基点距离
	MaxBps         float64 `yaml:"max_bps"`         // 在场挂单允许的最大基点距离
	ThrottleBps    float64 `yaml:"throttle_bps"`    // 超过该偏离视为行情异动
	MinDepth       float64 `yaml:"min_depth"`       // 目标价位前方的最小挂量，0 不检查
	TargetNotional float64 `yaml:"target_notional"` // 单腿名义价值（USD）

	TickMs         int `yaml:"tick_ms"`           // 控制循环周期
	PlaceMaxAgeMs  int `yaml:"place_max_age_ms"`  // 挂单前允许的盘口年龄
	ActiveMaxAgeMs int `yaml:"active_max_age_ms"` // 在场期间允许的盘口年龄

	ThrottlePauseSeconds    int `yaml:"throttle_pause_seconds"`    // 行情异动后的固定暂停
	ThrottlePenalty         int `yaml:"throttle_penalty"`          // 异动预充的退避事件数
	PositionCooldownSeconds int `yaml:"position_cooldown_seconds"` // 清仓后的固定冷却

	SkipWindow SkipWindowConfig `yaml:"skip_window"`
	Workers    int              `yaml:"workers"`
}

// DefaultConfig 线上默认值。
func DefaultConfig() Config {
	return Config{
		Side:                    SideBoth,
		SpreadBps:               8.5,
		MinBps:                  7,
		MaxBps:                  10,
		ThrottleBps:             12,
		MinDepth:                4,
		TargetNotional:          500,
		TickMs:                  50,
		PlaceMaxAgeMs:           300,
		ActiveMaxAgeMs:          600,
		ThrottlePauseSeconds:    300,
		ThrottlePenalty:         3,
		PositionCooldownSeconds: 900,
		SkipWindow: SkipWindowConfig{
			Timezone:     "Asia/Shanghai",
			WeekdaysOnly: true,
		},
		Workers: order.DefaultWorkers,
	}
}

// Unwinder 清仓入口，由 unwind.Engine 实现。
type Unwinder interface {
	Run(ctx context.Context) error
}

// Components 引擎依赖，集中装配便于测试替换。
type Components struct {
	Gateway  order.Gateway
	Store    *market.Store
	Governor *backoff.Governor
	Unwinder Unwinder
	Logger   *zap.Logger
	Metrics  *metrics.Collector
	Alerts   *alert.Manager // 可为 nil
	Now      func() time.Time
}

// Engine 报价维护引擎。非并发安全：Run 必须独占调用。
type Engine struct {
	cfg    Config
	ins    market.Instrument
	gw     order.Gateway
	ex     *order.Executor
	store  *market.Store
	gov    *backoff.Governor
	unw    Unwinder
	log    *zap.Logger
	met    *metrics.Collector
	alerts *alert.Manager
	now    func() time.Time
	loc    *time.Location

	state      State
	legs       []order.Resting
	lastStatus time.Time
}

// New 创建引擎并校验依赖与参数。
func New(cfg Config, ins market.Instrument, c Components) (*Engine, error) {
	if c.Gateway == nil || c.Store == nil || c.Governor == nil || c.Unwinder == nil {
		return nil, errors.New("quoter: gateway, store, governor and unwinder are required")
	}
	if c.Logger == nil || c.Metrics == nil {
		return nil, errors.New("quoter: logger and metrics are required")
	}
	if cfg.SpreadBps <= 0 {
		return nil, errors.New("quoter: spread_bps must be positive")
	}
	if cfg.MinBps >= cfg.MaxBps {
		return nil, fmt.Errorf("quoter: min_bps %v must be below max_bps %v", cfg.MinBps, cfg.MaxBps)
	}
	if cfg.SpreadBps < cfg.MinBps || cfg.SpreadBps > cfg.MaxBps {
		return nil, fmt.Errorf("quoter: spread_bps %v outside [%v, %v]", cfg.SpreadBps, cfg.MinBps, cfg.MaxBps)
	}
	switch cfg.Side {
	case "", SideBoth, SideBuyOnly, SideSellOnly:
	default:
		return nil, fmt.Errorf("quoter: unknown side %q", cfg.Side)
	}
	if cfg.Side == "" {
		cfg.Side = SideBoth
	}
	if cfg.TickMs <= 0 {
		cfg.TickMs = 50
	}
	if cfg.PlaceMaxAgeMs <= 0 {
		cfg.PlaceMaxAgeMs = 300
	}
	if cfg.ActiveMaxAgeMs < cfg.PlaceMaxAgeMs {
		cfg.ActiveMaxAgeMs = cfg.PlaceMaxAgeMs * 2
	}
	tz := cfg.SkipWindow.Timezone
	if tz == "" {
		tz = "Asia/Shanghai"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("quoter: load timezone %q: %w", tz, err)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Engine{
		cfg:    cfg,
		ins:    ins,
		gw:     c.Gateway,
		ex:     order.NewExecutor(c.Gateway, cfg.Workers),
		store:  c.Store,
		gov:    c.Governor,
		unw:    c.Unwinder,
		log:    c.Logger,
		met:    c.Metrics,
		alerts: c.Alerts,
		now:    c.Now,
		loc:    loc,
	}, nil
}

// State 返回当前状态，仅用于观测。
func (e *Engine) State() State { return e.state }

// Run 运行控制循环直到 ctx 结束或出现引擎级错误。
// 退出前会撤掉自己挂出的报价腿；全量清理由上层监督循环兜底。
func (e *Engine) Run(ctx context.Context) error {
	tick := time.Duration(e.cfg.TickMs) * time.Millisecond
	e.log.Info("quote engine starting",
		zap.String("symbol", e.ins.Symbol),
		zap.String("side", string(e.cfg.Side)),
		zap.Float64("spread_bps", e.cfg.SpreadBps),
		zap.Float64("target_notional", e.cfg.TargetNotional))
	for {
		if ctx.Err() != nil {
			e.shutdownCleanup()
			return ctx.Err()
		}
		var err error
		switch e.state {
		case StateQuoteActive:
			err = e.tickActive(ctx)
		default:
			err = e.tickNoQuote(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				e.shutdownCleanup()
			}
			return err
		}
		if err := sleepCtx(ctx, tick); err != nil {
			e.shutdownCleanup()
			return err
		}
	}
}

// tickNoQuote 走一遍挂单门控，全部通过才挂出新报价。
func (e *Engine) tickNoQuote(ctx context.Context) error {
	if p := e.store.Position(); !p.Flat() {
		e.met.Position.Set(p.Qty)
		e.log.Warn("resting position found before quoting", zap.Float64("qty", p.Qty))
		return e.runUnwind(ctx)
	}
	now := e.now()
	if e.inSkipWindow(now) {
		e.sweepStrays(ctx)
		_, err := e.sleepInterruptible(ctx, 10*time.Second, false)
		return err
	}
	b := e.store.Book()
	age := b.Age(now)
	if age > time.Duration(e.cfg.PlaceMaxAgeMs)*time.Millisecond {
		_, err := e.sleepInterruptible(ctx, time.Second, false)
		return err
	}
	mid := b.Mid()
	if mid <= 0 || math.IsNaN(mid) {
		return fmt.Errorf("quoter: invalid mid price %v", mid)
	}
	e.met.MidPrice.Set(mid)
	e.met.BookAgeSeconds.Set(age.Seconds())

	buyPrice := e.ins.RoundPrice(mid * (1 - e.cfg.SpreadBps/10000))
	sellPrice := e.ins.RoundPrice(mid * (1 + e.cfg.SpreadBps/10000))

	if !e.placementDepthOK(b, buyPrice, sellPrice) {
		d := e.gov.NextSleep()
		e.log.Info("thin book at quote prices, backing off",
			zap.Float64("buy_depth", b.DepthAbove(buyPrice)),
			zap.Float64("sell_depth", b.DepthBelow(sellPrice)),
			zap.Float64("min_depth", e.cfg.MinDepth),
			zap.Duration("sleep", d))
		e.met.BackoffSleeps.Observe(d.Seconds())
		_, err := e.sleepInterruptible(ctx, d, true)
		return err
	}

	e.sweepStrays(ctx)
	return e.placeQuote(ctx, mid, buyPrice, sellPrice)
}

// placeQuote 并发挂出报价腿。任一腿失败则撤掉已成功的腿并上抛，
// 不允许半边报价滞留在场。
func (e *Engine) placeQuote(ctx context.Context, mid, buyPrice, sellPrice float64) error {
	var ops []order.Op
	var pending []order.Resting
	if e.cfg.Side != SideSellOnly {
		qty := e.ins.QuoteQty(e.cfg.TargetNotional, buyPrice)
		ops = append(ops, order.Op{
			ID:   order.SideBuy,
			Kind: order.OpCreate,
			Create: &order.Request{
				Side: order.SideBuy, Price: buyPrice, Qty: qty, PostOnly: true,
			},
		})
		pending = append(pending, order.Resting{Side: order.SideBuy, Price: buyPrice, Qty: qty})
	}
	if e.cfg.Side != SideBuyOnly {
		qty := e.ins.QuoteQty(e.cfg.TargetNotional, sellPrice)
		ops = append(ops, order.Op{
			ID:   order.SideSell,
			Kind: order.OpCreate,
			Create: &order.Request{
				Side: order.SideSell, Price: sellPrice, Qty: qty, PostOnly: true,
			},
		})
		pending = append(pending, order.Resting{Side: order.SideSell, Price: sellPrice, Qty: qty})
	}

	now := e.now()
	results := e.ex.ExecuteAll(ctx, ops)
	var placed []order.Resting
	var errs []error
	for _, leg := range pending {
		r := results[leg.Side]
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("quoter: place %s leg: %w", leg.Side, r.Err))
			continue
		}
		leg.ClOrdID = r.ClOrdID
		leg.PlacedAt = now
		placed = append(placed, leg)
		e.met.QuotesPlaced.Inc()
	}
	e.legs = placed
	if len(errs) > 0 {
		if err := e.cancelAll(ctx, "place_failed"); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	e.state = StateQuoteActive
	e.log.Info("quote placed",
		zap.Float64("mid", mid),
		zap.Float64("buy_price", buyPrice),
		zap.Float64("sell_price", sellPrice),
		zap.Int("legs", len(placed)))
	return nil
}

// tickActive 盯住在场报价：仓位最优先，其次时效、基点区间与深度。
func (e *Engine) tickActive(ctx context.Context) error {
	if p := e.store.Position(); !p.Flat() {
		e.met.Position.Set(p.Qty)
		e.log.Warn("position detected while quoting", zap.Float64("qty", p.Qty))
		if err := e.cancelAll(ctx, "position"); err != nil {
			e.log.Warn("cancel on position failed, unwinding anyway", zap.Error(err))
		}
		e.sweepStrays(ctx)
		return e.runUnwind(ctx)
	}
	now := e.now()
	b := e.store.Book()
	age := b.Age(now)
	if age > time.Duration(e.cfg.ActiveMaxAgeMs)*time.Millisecond {
		e.log.Warn("book stale while quoting", zap.Duration("age", age))
		if err := e.cancelAll(ctx, "stale"); err != nil {
			return err
		}
		return e.cooldown(ctx)
	}
	mid := b.Mid()
	if mid <= 0 || math.IsNaN(mid) {
		return fmt.Errorf("quoter: invalid mid price %v", mid)
	}
	e.met.MidPrice.Set(mid)
	e.met.BookAgeSeconds.Set(age.Seconds())

	trigger := ""
	worst := 0.0
	for _, leg := range e.legs {
		bps := legBps(leg, mid)
		if bps > worst {
			worst = bps
		}
		if bps < e.cfg.MinBps || bps > e.cfg.MaxBps {
			trigger = "bps"
		}
	}
	if trigger == "" && !e.legsDepthOK(b) {
		trigger = "depth"
	}
	e.statusLog(now, mid, b)
	if trigger == "" {
		return nil
	}

	e.log.Info("quote trigger",
		zap.String("reason", trigger),
		zap.Float64("mid", mid),
		zap.Float64("worst_bps", worst))
	if err := e.cancelAll(ctx, trigger); err != nil {
		return err
	}
	if trigger == "bps" && worst > e.cfg.ThrottleBps {
		return e.throttlePause(ctx, worst)
	}
	return e.cooldown(ctx)
}

// cooldown 撤单后的常规退避等待，仓位出现时提前结束。
func (e *Engine) cooldown(ctx context.Context) error {
	e.state = StateCooldown
	d := e.gov.NextSleep()
	e.met.BackoffSleeps.Observe(d.Seconds())
	e.log.Info("cancel cooldown",
		zap.Duration("sleep", d),
		zap.Int("window_events", e.gov.Pending()))
	interrupted, err := e.sleepInterruptible(ctx, d, true)
	if err != nil {
		return err
	}
	if interrupted {
		e.log.Warn("cooldown cut short by position")
	}
	e.state = StateNoQuote
	return nil
}

// throttlePause 行情异动：固定暂停并预充退避事件，替代常规 NextSleep。
func (e *Engine) throttlePause(ctx context.Context, worst float64) error {
	e.state = StateCooldown
	d := time.Duration(e.cfg.ThrottlePauseSeconds) * time.Second
	e.gov.Penalty(e.cfg.ThrottlePenalty)
	e.log.Warn("price moved past throttle band",
		zap.Float64("worst_bps", worst),
		zap.Float64("throttle_bps", e.cfg.ThrottleBps),
		zap.Duration("sleep", d))
	e.met.BackoffSleeps.Observe(d.Seconds())
	if _, err := e.sleepInterruptible(ctx, d, true); err != nil {
		return err
	}
	e.state = StateNoQuote
	return nil
}

// runUnwind 清仓并执行固定冷却。清仓错误告警但不终止引擎，
// 因为 unwind 自身已尽力把仓位清掉。
func (e *Engine) runUnwind(ctx context.Context) error {
	e.state = StatePositionUnwind
	if err := e.unw.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		e.log.Error("unwind finished with errors", zap.Error(err))
		e.alerts.Error("position unwind reported errors",
			map[string]interface{}{"error": err.Error()})
	}
	e.met.Position.Set(0)
	e.state = StateCooldown
	d := time.Duration(e.cfg.PositionCooldownSeconds) * time.Second
	e.log.Info("post-unwind cooldown", zap.Duration("sleep", d))
	if _, err := e.sleepInterruptible(ctx, d, false); err != nil {
		return err
	}
	e.state = StateNoQuote
	return nil
}

// cancelAll 并发撤掉全部在场报价腿并清空本地记录。
func (e *Engine) cancelAll(ctx context.Context, reason string) error {
	if len(e.legs) == 0 {
		return nil
	}
	ops := make([]order.Op, 0, len(e.legs))
	for _, leg := range e.legs {
		ops = append(ops, order.Op{ID: leg.Side, Kind: order.OpCancel, ClOrdID: leg.ClOrdID})
	}
	e.met.QuoteCancels.WithLabelValues(reason).Add(float64(len(ops)))
	var errs []error
	for id, r := range e.ex.ExecuteAll(ctx, ops) {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("quoter: cancel %s leg: %w", id, r.Err))
		}
	}
	e.legs = nil
	return errors.Join(errs...)
}

// sweepStrays 撤掉账户下所有在场订单，不限于本引擎记录的腿。
// 重启或上次异常退出可能留下孤儿挂单。
func (e *Engine) sweepStrays(ctx context.Context) {
	ids, err := e.gw.QueryOpenOrders(ctx)
	if err != nil {
		e.log.Warn("open order query failed", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	e.log.Info("cancelling stray orders", zap.Int("count", len(ids)))
	if err := e.gw.CancelOrders(ctx, ids); err != nil {
		e.log.Warn("stray cancel failed", zap.Error(err))
	}
}

func (e *Engine) placementDepthOK(b *market.Book, buyPrice, sellPrice float64) bool {
	if e.cfg.MinDepth <= 0 {
		return true
	}
	if e.cfg.Side != SideSellOnly && b.DepthAbove(buyPrice) < e.cfg.MinDepth {
		return false
	}
	if e.cfg.Side != SideBuyOnly && b.DepthBelow(sellPrice) < e.cfg.MinDepth {
		return false
	}
	return true
}

func (e *Engine) legsDepthOK(b *market.Book) bool {
	if e.cfg.MinDepth <= 0 {
		return true
	}
	for _, leg := range e.legs {
		d := b.DepthAbove(leg.Price)
		if leg.Side == order.SideSell {
			d = b.DepthBelow(leg.Price)
		}
		if d < e.cfg.MinDepth {
			return false
		}
	}
	return true
}

func (e *Engine) inSkipWindow(now time.Time) bool {
	w := e.cfg.SkipWindow
	if !w.Enabled {
		return false
	}
	local := now.In(e.loc)
	if w.WeekdaysOnly {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	h := local.Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	// 跨午夜窗口
	return h >= w.StartHour || h < w.EndHour
}

// statusLog 每秒最多一行的状态日志。
func (e *Engine) statusLog(now time.Time, mid float64, b *market.Book) {
	if now.Sub(e.lastStatus) < time.Second {
		return
	}
	e.lastStatus = now
	qty := 0.0
	if p := e.store.Position(); p != nil {
		qty = p.Qty
	}
	fields := []zap.Field{
		zap.String("state", e.state.String()),
		zap.Float64("mid", mid),
		zap.Float64("position", qty),
	}
	for _, leg := range e.legs {
		d := b.DepthAbove(leg.Price)
		if leg.Side == order.SideSell {
			d = b.DepthBelow(leg.Price)
		}
		fields = append(fields,
			zap.Float64(leg.Side+"_bps", legBps(leg, mid)),
			zap.Float64(leg.Side+"_depth", d))
	}
	e.log.Info("quote status", fields...)
}

// sleepInterruptible 分 1 秒片段睡眠。watchPosition 为 true 时，
// 仓位一出现立即返回，让下一个 tick 走清仓分支。
func (e *Engine) sleepInterruptible(ctx context.Context, d time.Duration, watchPosition bool) (bool, error) {
	for remain := d; remain > 0; remain -= time.Second {
		step := time.Second
		if remain < step {
			step = remain
		}
		if err := sleepCtx(ctx, step); err != nil {
			return false, err
		}
		if watchPosition && !e.store.Position().Flat() {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) shutdownCleanup() {
	if len(e.legs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.log.Info("cancelling quote on shutdown", zap.Int("legs", len(e.legs)))
	if err := e.cancelAll(ctx, "shutdown"); err != nil {
		e.log.Warn("shutdown cancel failed", zap.Error(err))
	}
}

// legBps 在场挂单距中间价的基点距离。
func legBps(leg order.Resting, mid float64) float64 {
	return math.Abs(mid-leg.Price) / mid * 10000
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
