// quoter 报价守护进程：装配行情流、签名网关与报价引擎，
// 由监督循环托底——引擎任何异常退出都先清场、清仓，再冷却重启。
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"standx-quoter/backoff"
	"standx-quoter/config"
	"standx-quoter/feed"
	"standx-quoter/gateway"
	"standx-quoter/infrastructure/alert"
	"standx-quoter/infrastructure/logger"
	"standx-quoter/market"
	"standx-quoter/metrics"
	"standx-quoter/order"
	"standx-quoter/quoter"
	"standx-quoter/unwind"
)

const recoverySeconds = 60

func main() {
	cfgPath := flag.String("config", "configs/quoter.yaml", "配置文件路径")
	authFile := flag.String("auth", "", "auth 文件路径，覆盖配置")
	bps := flag.Float64("bps", 0, "覆盖 quote.spread_bps，0 表示用配置值")
	minBps := flag.Float64("minBps", 0, "覆盖 quote.min_bps")
	maxBps := flag.Float64("maxBps", 0, "覆盖 quote.max_bps")
	throttleBps := flag.Float64("throttleBps", 0, "覆盖 quote.throttle_bps")
	minDep := flag.Float64("minDep", -1, "覆盖 quote.min_depth，-1 表示用配置值")
	notional := flag.Float64("position", 0, "覆盖单腿名义价值（USD）")
	metricsAddr := flag.String("metricsAddr", "", "覆盖 metrics.addr")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *authFile != "" {
		cfg.Gateway.AuthFile = *authFile
	}
	if *bps > 0 {
		cfg.Quote.SpreadBps = *bps
	}
	if *minBps > 0 {
		cfg.Quote.MinBps = *minBps
	}
	if *maxBps > 0 {
		cfg.Quote.MaxBps = *maxBps
	}
	if *throttleBps > 0 {
		cfg.Quote.ThrottleBps = *throttleBps
	}
	if *minDep >= 0 {
		cfg.Quote.MinDepth = *minDep
	}
	if *notional > 0 {
		cfg.Quote.TargetNotional = *notional
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("配置校验失败: %v", err)
	}

	lg, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Close()
	zl := lg.Logger

	met := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Addr != "" {
		metrics.StartServer(cfg.Metrics.Addr)
	}

	channels := []alert.Channel{alert.NewZapChannel(zl)}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel(cfg.Alert.WebhookURL))
	}
	alerts := alert.NewManager(channels, time.Duration(cfg.Alert.ThrottleSeconds)*time.Second)

	creds, err := gateway.NewCredentialStore(cfg.Gateway.AuthFile)
	if err != nil {
		log.Fatalf("加载凭据失败: %v", err)
	}
	gw := gateway.NewClient(cfg.Gateway, creds, cfg.Instrument, zl, met)
	store := market.NewStore()
	gov := backoff.New(cfg.Backoff, nil)
	unwinder := unwind.New(cfg.Unwind, gw, zl, met)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := creds.Watch(ctx, zl); err != nil && ctx.Err() == nil {
			zl.Warn("credential watcher stopped", zap.Error(err))
		}
	}()

	bookFeed := feed.NewBookFeed(cfg.Feed.Config, cfg.Instrument.Symbol, cfg.Feed.Channel, store, zl, met)
	go bookFeed.Run(ctx)
	posFeed := feed.NewPositionFeed(cfg.Feed.Config,
		func() string { return creds.Current().AccessToken }, store, zl, met)
	go posFeed.Run(ctx)

	notifyReady(ctx, zl)

	// 监督循环：引擎异常退出后先清场清仓，冷却期内每秒再清一次，
	// 防止交易所侧的异步成交在恢复期留下新挂单。
	for ctx.Err() == nil {
		engine, err := quoter.New(cfg.Quote, cfg.Instrument, quoter.Components{
			Gateway:  gw,
			Store:    store,
			Governor: gov,
			Unwinder: unwinder,
			Logger:   zl,
			Metrics:  met,
			Alerts:   alerts,
		})
		if err != nil {
			log.Fatalf("初始化报价引擎失败: %v", err)
		}
		err = engine.Run(ctx)
		if ctx.Err() != nil {
			break
		}
		met.Restarts.Inc()
		zl.Error("engine exited, entering recovery", zap.Error(err))
		// WS 盘口此刻可能已断流，REST 行情帮助区分故障面
		if mid, merr := gw.QueryMidPrice(ctx); merr == nil {
			zl.Info("rest mid price at failure", zap.Float64("mid", mid))
		} else if ctx.Err() == nil {
			zl.Warn("rest mid price unavailable", zap.Error(merr))
		}
		alerts.Error("quote engine restarted", map[string]interface{}{"error": err.Error()})
		runRecovery(ctx, gw, unwinder, zl, alerts)
	}

	finalCleanup(gw, zl)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	zl.Info("quoter stopped")
}

// notifyReady 上报 systemd READY，并按 WatchdogSec 的一半周期喂狗。
func notifyReady(ctx context.Context, zl *zap.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		zl.Warn("sd_notify failed", zap.Error(err))
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

// runRecovery 异常重启前的恢复期：清场、清仓，然后每秒清一次在场订单。
func runRecovery(ctx context.Context, gw order.Gateway, unwinder *unwind.Engine, zl *zap.Logger, alerts *alert.Manager) {
	cancelOpenOrders(ctx, gw, zl)
	if err := unwinder.Run(ctx); err != nil && ctx.Err() == nil {
		zl.Error("recovery unwind reported errors", zap.Error(err))
		alerts.Error("recovery unwind reported errors", map[string]interface{}{"error": err.Error()})
	}
	for i := 0; i < recoverySeconds; i++ {
		if ctx.Err() != nil {
			return
		}
		cancelOpenOrders(ctx, gw, zl)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func cancelOpenOrders(ctx context.Context, gw order.Gateway, zl *zap.Logger) {
	ids, err := gw.QueryOpenOrders(ctx)
	if err != nil {
		if ctx.Err() == nil {
			zl.Warn("cleanup open order query failed", zap.Error(err))
		}
		return
	}
	if len(ids) == 0 {
		return
	}
	zl.Info("cleanup cancelling open orders", zap.Int("count", len(ids)))
	if err := gw.CancelOrders(ctx, ids); err != nil {
		zl.Warn("cleanup cancel failed", zap.Error(err))
	}
}

// finalCleanup 退出前最后一次清场，使用独立的短超时上下文。
func finalCleanup(gw order.Gateway, zl *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	cancelOpenOrders(ctx, gw, zl)
}
