// Package unwind 把已成交仓位清到零：先挂 maker 腿按成本价被动退出，
// 超时或查询失败后转为小步 taker 清扫，保证有界终止。
package unwind

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"standx-quoter/market"
	"standx-quoter/metrics"
	"standx-quoter/order"
)

// Config 清仓参数。
type Config struct {
	PollIntervalMs      int     `yaml:"poll_interval_ms"`      // 仓位轮询间隔
	ShortTimeoutSeconds int     `yaml:"short_timeout_seconds"` // 小仓位 maker 等待上限
	LongTimeoutSeconds  int     `yaml:"long_timeout_seconds"`  // 大仓位 maker 等待上限
	LargeNotional       float64 `yaml:"large_notional"`        // 名义价值达到该值视为大仓位
	StepQty             float64 `yaml:"step_qty"`              // taker 清扫单笔数量
	TakerPauseMs        int     `yaml:"taker_pause_ms"`        // 两笔 taker 之间的停顿
	Workers             int     `yaml:"workers"`               // 批量挂撤单并发度
}

// DefaultConfig 线上默认值。
func DefaultConfig() Config {
	return Config{
		PollIntervalMs:      1000,
		ShortTimeoutSeconds: 180,
		LongTimeoutSeconds:  1800,
		LargeNotional:       5000,
		StepQty:             0.1,
		TakerPauseMs:        5000,
		Workers:             order.DefaultWorkers,
	}
}

// Engine 单次调用把全部仓位清零。可重入：每一步都以实时仓位查询为准，
// 中断后重新调用会从真实状态继续。
type Engine struct {
	cfg Config
	gw  order.Gateway
	ex  *order.Executor
	log *zap.Logger
	met *metrics.Collector
}

// New 创建清仓引擎。
func New(cfg Config, gw order.Gateway, log *zap.Logger, met *metrics.Collector) *Engine {
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = 1000
	}
	if cfg.ShortTimeoutSeconds <= 0 {
		cfg.ShortTimeoutSeconds = 180
	}
	if cfg.LongTimeoutSeconds < cfg.ShortTimeoutSeconds {
		cfg.LongTimeoutSeconds = cfg.ShortTimeoutSeconds
	}
	if cfg.StepQty <= 0 {
		cfg.StepQty = 0.1
	}
	if cfg.TakerPauseMs < 0 {
		cfg.TakerPauseMs = 0
	}
	return &Engine{
		cfg: cfg,
		gw:  gw,
		ex:  order.NewExecutor(gw, cfg.Workers),
		log: log,
		met: met,
	}
}

// Run 清仓一次。返回过程中遇到的错误；即便出错，也会先尽力把仓位清掉
// 再上抛，让调用方既能告警又不至于带着裸仓位等人工介入。
func (e *Engine) Run(ctx context.Context) error {
	positions, err := e.gw.QueryPositions(ctx)
	if err != nil {
		return fmt.Errorf("unwind: query positions: %w", err)
	}
	legs := openLegs(positions)
	if len(legs) == 0 {
		e.log.Info("no position to unwind")
		return nil
	}

	var errs []error

	// maker 腿：按成本价 reduce-only 限价全量挂出，所有腿并发
	ops := make([]order.Op, 0, len(legs))
	for i, p := range legs {
		price := p.EntryPrice
		if price <= 0 {
			// 交易所偶尔回报零成本价，此时没有被动退出的锚点，留给 taker 清扫
			e.log.Warn("leg without entry price, skipping maker leg", zap.Float64("qty", p.Qty))
			continue
		}
		e.log.Info("placing maker unwind leg",
			zap.String("side", p.CloseSide()),
			zap.Float64("price", price),
			zap.Float64("qty", p.AbsQty()))
		ops = append(ops, order.Op{
			ID:   fmt.Sprintf("maker-%d", i),
			Kind: order.OpCreate,
			Create: &order.Request{
				Side:       p.CloseSide(),
				Price:      price,
				Qty:        p.AbsQty(),
				ReduceOnly: true,
			},
		})
	}
	var makerIDs []string
	for id, r := range e.ex.ExecuteAll(ctx, ops) {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("unwind: place %s: %w", id, r.Err))
			continue
		}
		makerIDs = append(makerIDs, r.ClOrdID)
	}

	// 轮询实时仓位直到清零或预算耗尽；查询本身失败立即转 taker。
	// 没有任何 maker 腿在场时（无成本价锚点或挂单全部失败），
	// 被动等待毫无意义，直接转 taker 清扫。
	var pollErr error
	if len(makerIDs) > 0 {
		budget := e.pollBudget(legs)
		interval := time.Duration(e.cfg.PollIntervalMs) * time.Millisecond
		filled := false
		for i := 0; i < budget; i++ {
			if err := sleepCtx(ctx, interval); err != nil {
				pollErr = err
				break
			}
			ps, err := e.gw.QueryPositions(ctx)
			if err != nil {
				pollErr = fmt.Errorf("unwind: poll positions: %w", err)
				break
			}
			if len(openLegs(ps)) == 0 {
				filled = true
				break
			}
		}

		if filled {
			e.log.Info("position unwound passively", zap.Int("maker_legs", len(makerIDs)))
			e.met.UnwindRuns.WithLabelValues("maker_filled").Inc()
			return errors.Join(errs...)
		}

		// maker 超时或查询失败：撤掉 maker 腿，转小步 taker 清扫
		if pollErr != nil {
			e.log.Warn("maker poll aborted, falling back to taker sweep", zap.Error(pollErr))
			errs = append(errs, pollErr)
		} else {
			e.log.Info("maker legs timed out, falling back to taker sweep",
				zap.Int("budget_polls", budget))
		}
	} else {
		e.log.Warn("no maker leg resting, going straight to taker sweep")
	}
	cancelOps := make([]order.Op, 0, len(makerIDs))
	for i, id := range makerIDs {
		cancelOps = append(cancelOps, order.Op{
			ID:      fmt.Sprintf("cancel-%d", i),
			Kind:    order.OpCancel,
			ClOrdID: id,
		})
	}
	for id, r := range e.ex.ExecuteAll(ctx, cancelOps) {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("unwind: %s: %w", id, r.Err))
		}
	}

	if err := e.takerSweep(ctx); err != nil {
		errs = append(errs, err)
		e.met.UnwindRuns.WithLabelValues("failed").Inc()
	} else {
		e.met.UnwindRuns.WithLabelValues("taker_swept").Inc()
	}
	return errors.Join(errs...)
}

// takerSweep 以 StepQty 为单位市价减仓，每步之间停顿，直到仓位查询确认为零。
// 小步清扫比单笔大市价单更能控制流动性差时的冲击成本。
func (e *Engine) takerSweep(ctx context.Context) error {
	pause := time.Duration(e.cfg.TakerPauseMs) * time.Millisecond

	ps, err := e.gw.QueryPositions(ctx)
	if err != nil {
		return fmt.Errorf("unwind: sweep query: %w", err)
	}
	total := 0.0
	for _, p := range openLegs(ps) {
		total += p.AbsQty()
	}
	if total == 0 {
		return nil
	}
	// 有界终止：理论步数的三倍加余量，超过即认输上抛
	maxSteps := int(math.Ceil(total/e.cfg.StepQty))*3 + 20

	var sweepErrs []error
	for step := 0; ; step++ {
		open := openLegs(ps)
		if len(open) == 0 {
			e.log.Info("position swept to zero", zap.Int("steps", step))
			return errors.Join(sweepErrs...)
		}
		if step >= maxSteps {
			sweepErrs = append(sweepErrs,
				fmt.Errorf("unwind: taker sweep did not converge after %d steps", step))
			return errors.Join(sweepErrs...)
		}
		for _, p := range open {
			qty := math.Min(e.cfg.StepQty, p.AbsQty())
			e.log.Info("taker sweep step",
				zap.String("side", p.CloseSide()),
				zap.Float64("qty", qty),
				zap.Float64("remaining", p.AbsQty()))
			if err := e.gw.CreateMarketOrder(ctx, p.CloseSide(), qty, true); err != nil {
				sweepErrs = append(sweepErrs, fmt.Errorf("unwind: taker step: %w", err))
			} else {
				e.met.TakerSweeps.Inc()
			}
		}
		if err := sleepCtx(ctx, pause); err != nil {
			sweepErrs = append(sweepErrs, err)
			return errors.Join(sweepErrs...)
		}
		if ps, err = e.gw.QueryPositions(ctx); err != nil {
			sweepErrs = append(sweepErrs, fmt.Errorf("unwind: sweep query: %w", err))
			return errors.Join(sweepErrs...)
		}
	}
}

func (e *Engine) pollBudget(legs []market.Position) int {
	timeout := e.cfg.ShortTimeoutSeconds
	for _, p := range legs {
		if p.Notional >= e.cfg.LargeNotional && e.cfg.LargeNotional > 0 {
			timeout = e.cfg.LongTimeoutSeconds
			break
		}
	}
	budget := timeout * 1000 / e.cfg.PollIntervalMs
	if budget < 1 {
		budget = 1
	}
	return budget
}

func openLegs(ps []market.Position) []market.Position {
	var out []market.Position
	for _, p := range ps {
		if p.Qty != 0 {
			out = append(out, p)
		}
	}
	return out
}

// sleepCtx 可中断睡眠：ctx 结束立即返回其错误。
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
