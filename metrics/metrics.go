// Package metrics 提供 Prometheus 指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 汇集引擎各环节的指标。
type Collector struct {
	QuotesPlaced   prometheus.Counter
	QuoteCancels   *prometheus.CounterVec // reason: bps/stale/depth/position/place_failed/shutdown
	BackoffSleeps  prometheus.Histogram
	GatewayCalls   *prometheus.CounterVec // action
	GatewayErrors  *prometheus.CounterVec // action
	WSConnects     prometheus.Counter
	WSFailures     prometheus.Counter
	Position       prometheus.Gauge
	MidPrice       prometheus.Gauge
	BookAgeSeconds prometheus.Gauge
	UnwindRuns     *prometheus.CounterVec // outcome: maker_filled/taker_swept/failed
	TakerSweeps    prometheus.Counter
	Restarts       prometheus.Counter
}

// New 在 reg 上注册全部指标；测试可传独立 registry。
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		QuotesPlaced: f.NewCounter(prometheus.CounterOpts{
			Name: "quoter_quotes_placed_total",
			Help: "已挂出的报价腿数量",
		}),
		QuoteCancels: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quoter_quote_cancels_total",
			Help: "按原因统计的撤价次数",
		}, []string{"reason"}),
		BackoffSleeps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quoter_backoff_sleep_seconds",
			Help:    "退避等待时长分布",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 300, 600},
		}),
		GatewayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quoter_gateway_requests_total",
			Help: "网关请求数量",
		}, []string{"action"}),
		GatewayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quoter_gateway_errors_total",
			Help: "网关失败数量",
		}, []string{"action"}),
		WSConnects: f.NewCounter(prometheus.CounterOpts{
			Name: "quoter_ws_connects_total",
			Help: "WS 连接次数",
		}),
		WSFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "quoter_ws_failures_total",
			Help: "WS 断开/失败次数",
		}),
		Position: f.NewGauge(prometheus.GaugeOpts{
			Name: "quoter_position_qty",
			Help: "最新仓位数量（带符号）",
		}),
		MidPrice: f.NewGauge(prometheus.GaugeOpts{
			Name: "quoter_mid_price",
			Help: "最新中间价",
		}),
		BookAgeSeconds: f.NewGauge(prometheus.GaugeOpts{
			Name: "quoter_book_age_seconds",
			Help: "盘口快照年龄",
		}),
		UnwindRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quoter_unwind_runs_total",
			Help: "清仓结果统计",
		}, []string{"outcome"}),
		TakerSweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "quoter_taker_sweeps_total",
			Help: "taker 清仓分笔次数",
		}),
		Restarts: f.NewCounter(prometheus.CounterOpts{
			Name: "quoter_engine_restarts_total",
			Help: "引擎异常重启次数",
		}),
	}
}

// StartServer 启动 Prometheus 指标服务器。
func StartServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}
