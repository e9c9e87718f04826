// Package config 加载并校验 YAML 运行配置。
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"standx-quoter/backoff"
	"standx-quoter/feed"
	"standx-quoter/gateway"
	"standx-quoter/infrastructure/logger"
	"standx-quoter/market"
	"standx-quoter/quoter"
	"standx-quoter/unwind"
)

// FeedConfig 行情流配置。Channel 为 depth 时消费全量盘口，
// 为 price 时只消费中间价（此时深度门控需配置为 0）。
type FeedConfig struct {
	feed.Config `yaml:",inline"`
	Channel     string `yaml:"channel"`
}

// MetricsConfig 指标服务配置。Addr 为空则不启动。
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// AlertConfig 告警配置。WebhookURL 为空则只写日志。
type AlertConfig struct {
	WebhookURL      string `yaml:"webhook_url"`
	ThrottleSeconds int    `yaml:"throttle_seconds"`
}

// AppConfig 进程完整配置。
type AppConfig struct {
	Env        string            `yaml:"env"`
	Logger     logger.Config     `yaml:"logger"`
	Instrument market.Instrument `yaml:"instrument"`
	Gateway    gateway.Config    `yaml:"gateway"`
	Feed       FeedConfig        `yaml:"feed"`
	Quote      quoter.Config     `yaml:"quote"`
	Backoff    backoff.Config    `yaml:"backoff"`
	Unwind     unwind.Config     `yaml:"unwind"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Alert      AlertConfig       `yaml:"alert"`
}

// Default 各模块默认值的组合，YAML 只需覆盖差异项。
func Default() AppConfig {
	gw := gateway.DefaultConfig()
	return AppConfig{
		Env:        "prod",
		Logger:     logger.DefaultConfig(),
		Instrument: market.DefaultInstrument(),
		Gateway:    gw,
		Feed: FeedConfig{
			Config:  feed.Config{URL: gw.WSURL, ReconnectSeconds: 1},
			Channel: "depth",
		},
		Quote:   quoter.DefaultConfig(),
		Backoff: backoff.DefaultConfig(),
		Unwind:  unwind.DefaultConfig(),
		Metrics: MetricsConfig{Addr: ":9290"},
		Alert:   AlertConfig{ThrottleSeconds: 300},
	}
}

// Load 从 path 读取 YAML，覆盖默认值后校验。
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides 加载后用环境变量覆盖敏感/部署相关字段。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("STANDX_AUTH_FILE"); v != "" {
		cfg.Gateway.AuthFile = v
	}
	if v := os.Getenv("STANDX_ALERT_WEBHOOK"); v != "" {
		cfg.Alert.WebhookURL = v
	}
	return cfg, Validate(cfg)
}

// Validate 检查关键字段。各引擎构造时还有更细的参数校验。
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Gateway.BaseURL == "" {
		return errors.New("gateway.base_url is required")
	}
	if cfg.Gateway.AuthFile == "" {
		return errors.New("gateway.auth_file is required (or STANDX_AUTH_FILE)")
	}
	if cfg.Feed.URL == "" {
		return errors.New("feed.url is required")
	}
	if cfg.Feed.Channel != "depth" && cfg.Feed.Channel != "price" {
		return fmt.Errorf("feed.channel must be depth or price, got %q", cfg.Feed.Channel)
	}
	if cfg.Feed.Channel == "price" && cfg.Quote.MinDepth > 0 {
		return errors.New("feed.channel=price carries no depth, quote.min_depth must be 0")
	}
	if cfg.Instrument.Symbol == "" {
		return errors.New("instrument.symbol is required")
	}
	if cfg.Instrument.PriceDecimals < 0 || cfg.Instrument.QtyDecimals < 0 {
		return errors.New("instrument decimals must be >= 0")
	}
	if cfg.Quote.SpreadBps <= 0 {
		return errors.New("quote.spread_bps must be > 0")
	}
	if cfg.Quote.MinBps >= cfg.Quote.MaxBps {
		return fmt.Errorf("quote.min_bps %v must be below quote.max_bps %v",
			cfg.Quote.MinBps, cfg.Quote.MaxBps)
	}
	if cfg.Quote.TargetNotional <= 0 {
		return errors.New("quote.target_notional must be > 0")
	}
	if cfg.Quote.ThrottleBps < cfg.Quote.MaxBps {
		return fmt.Errorf("quote.throttle_bps %v must be >= quote.max_bps %v",
			cfg.Quote.ThrottleBps, cfg.Quote.MaxBps)
	}
	if cfg.Backoff.BaseSeconds < 0 || cfg.Backoff.WindowSeconds < 0 {
		return errors.New("backoff durations must be >= 0")
	}
	if cfg.Unwind.StepQty <= 0 {
		return errors.New("unwind.step_qty must be > 0")
	}
	return nil
}
