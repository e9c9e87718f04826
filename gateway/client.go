// Package gateway 实现 StandX 永续合约的签名 REST 网关。
package gateway

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"standx-quoter/market"
	"standx-quoter/metrics"
	"standx-quoter/order"
)

// Config 网关配置。
type Config struct {
	BaseURL        string  `yaml:"base_url"`
	WSURL          string  `yaml:"ws_url"`
	AuthFile       string  `yaml:"auth_file"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries"`
	RetryBaseMs    int     `yaml:"retry_base_ms"`
	Rate           float64 `yaml:"rate"`  // REST 限流：每秒令牌数
	Burst          int     `yaml:"burst"` // REST 限流：突发令牌数
}

// DefaultConfig 线上默认值。
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://perps.standx.com",
		WSURL:          "wss://perps.standx.com/ws-stream/v1",
		AuthFile:       "standx_auth.json",
		TimeoutSeconds: 10,
		MaxRetries:     5,
		RetryBaseMs:    200,
		Rate:           5,
		Burst:          10,
	}
}

// Client 签名 REST 客户端，实现 order.Gateway。
// 连接级失败与非 200 响应都会带抖动指数退避重试，且每次重试重新签名。
type Client struct {
	cfg     Config
	http    *resty.Client
	creds   *CredentialStore
	limiter RateLimiter
	ins     market.Instrument
	log     *zap.Logger
	met     *metrics.Collector
}

// NewClient 创建网关客户端。
func NewClient(cfg Config, creds *CredentialStore, ins market.Instrument, log *zap.Logger, met *metrics.Collector) *Client {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseMs <= 0 {
		cfg.RetryBaseMs = 200
	}
	httpc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)
	return &Client{
		cfg:     cfg,
		http:    httpc,
		creds:   creds,
		limiter: NewTokenBucketLimiter(cfg.Rate, cfg.Burst),
		ins:     ins,
		log:     log,
		met:     met,
	}
}

type newOrderPayload struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"order_type"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	MarginMode  string `json:"margin_mode"`
	TimeInForce string `json:"time_in_force"`
	ReduceOnly  bool   `json:"reduce_only"`
	ClOrdID     string `json:"cl_ord_id,omitempty"`
}

type orderInfo struct {
	ClOrdID string `json:"cl_ord_id"`
	Status  string `json:"status"`
	Price   string `json:"price"`
	Qty     string `json:"qty"`
}

type positionInfo struct {
	Symbol     string `json:"symbol"`
	Qty        string `json:"qty"`
	EntryPrice string `json:"entry_price"`
	Notional   string `json:"notional"`
}

type symbolPrice struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"mark_price"`
	MidPrice  string `json:"mid_price"`
}

// CreateOrder 挂一笔限价单，返回客户端订单号。
func (c *Client) CreateOrder(ctx context.Context, req order.Request) (string, error) {
	clOrdID := req.ClOrdID
	if clOrdID == "" {
		clOrdID = uuid.NewString()
	}
	tif := "gtc"
	if req.PostOnly {
		tif = "alo"
	}
	p := newOrderPayload{
		Symbol:      c.ins.Symbol,
		Side:        req.Side,
		OrderType:   "limit",
		Qty:         c.ins.FormatQty(req.Qty),
		Price:       c.ins.FormatPrice(req.Price),
		MarginMode:  "cross",
		TimeInForce: tif,
		ReduceOnly:  req.ReduceOnly,
		ClOrdID:     clOrdID,
	}
	if err := c.do(ctx, "new_order", resty.MethodPost, "/api/new_order", nil, p, nil); err != nil {
		return "", err
	}
	c.log.Info("order created",
		zap.String("cl_ord_id", clOrdID),
		zap.String("side", req.Side),
		zap.String("price", p.Price),
		zap.String("qty", p.Qty),
		zap.Bool("reduce_only", req.ReduceOnly),
		zap.String("tif", tif))
	return clOrdID, nil
}

// CreateMarketOrder 市价单（清仓用，始终 reduce-only 语义由调用方保证）。
func (c *Client) CreateMarketOrder(ctx context.Context, side string, qty float64, reduceOnly bool) error {
	p := newOrderPayload{
		Symbol:      c.ins.Symbol,
		Side:        side,
		OrderType:   "market",
		Qty:         c.ins.FormatQty(qty),
		MarginMode:  "cross",
		TimeInForce: "gtc",
		ReduceOnly:  reduceOnly,
	}
	if err := c.do(ctx, "new_order", resty.MethodPost, "/api/new_order", nil, p, nil); err != nil {
		return err
	}
	c.log.Info("market order sent", zap.String("side", side), zap.String("qty", p.Qty))
	return nil
}

// CancelOrders 按客户端订单号批量撤单；空列表为 no-op。
func (c *Client) CancelOrders(ctx context.Context, clOrdIDs []string) error {
	if len(clOrdIDs) == 0 {
		return nil
	}
	p := struct {
		ClOrdIDList []string `json:"cl_ord_id_list"`
	}{ClOrdIDList: clOrdIDs}
	if err := c.do(ctx, "cancel_orders", resty.MethodPost, "/api/cancel_orders", nil, p, nil); err != nil {
		return err
	}
	c.log.Info("orders cancelled", zap.Strings("cl_ord_ids", clOrdIDs))
	return nil
}

// QueryOrder 查询单笔订单状态。
func (c *Client) QueryOrder(ctx context.Context, clOrdID string) (order.State, error) {
	var oi orderInfo
	q := map[string]string{"cl_ord_id": clOrdID}
	if err := c.do(ctx, "query_order", resty.MethodGet, "/api/query_order", q, nil, &oi); err != nil {
		return order.State{}, err
	}
	price, _ := strconv.ParseFloat(oi.Price, 64)
	qty, _ := strconv.ParseFloat(oi.Qty, 64)
	return order.State{
		ClOrdID: oi.ClOrdID,
		Status:  order.Status(oi.Status),
		Price:   price,
		Qty:     qty,
	}, nil
}

// QueryOpenOrders 返回全部在场订单的客户端订单号。
func (c *Client) QueryOpenOrders(ctx context.Context) ([]string, error) {
	var list []orderInfo
	q := map[string]string{"symbol": c.ins.Symbol, "limit": "100"}
	if err := c.do(ctx, "query_open_orders", resty.MethodGet, "/api/query_open_orders", q, nil, &list); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, oi := range list {
		if oi.ClOrdID != "" {
			ids = append(ids, oi.ClOrdID)
		}
	}
	return ids, nil
}

// QueryPositions 返回当前全部仓位。
func (c *Client) QueryPositions(ctx context.Context) ([]market.Position, error) {
	var list []positionInfo
	q := map[string]string{"symbol": c.ins.Symbol}
	if err := c.do(ctx, "query_positions", resty.MethodGet, "/api/query_positions", q, nil, &list); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.Position, 0, len(list))
	for _, pi := range list {
		qty, _ := strconv.ParseFloat(pi.Qty, 64)
		entry, _ := strconv.ParseFloat(pi.EntryPrice, 64)
		notional, _ := strconv.ParseFloat(pi.Notional, 64)
		out = append(out, market.Position{
			Qty:        qty,
			EntryPrice: entry,
			Notional:   notional,
			ObservedAt: now,
		})
	}
	return out, nil
}

// QueryMidPrice REST 兜底行情（WS 断流时排查用）。
func (c *Client) QueryMidPrice(ctx context.Context) (float64, error) {
	var sp symbolPrice
	q := map[string]string{"symbol": c.ins.Symbol}
	if err := c.do(ctx, "query_symbol_price", resty.MethodGet, "/api/query_symbol_price", q, nil, &sp); err != nil {
		return 0, err
	}
	mid, err := strconv.ParseFloat(sp.MidPrice, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse mid_price")
	}
	return mid, nil
}

// do 执行一次带重试的请求。payload 非 nil 时编码为紧凑 JSON 参与签名，
// 每次尝试都重新生成签名头。404 不重试。
func (c *Client) do(ctx context.Context, action, method, path string, query map[string]string, payload any, out any) error {
	c.met.GatewayCalls.WithLabelValues(action).Inc()

	var body string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrapf(err, "%s: encode payload", action)
		}
		body = string(raw)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(c.cfg.RetryBaseMs) * time.Millisecond
			sleep := base<<(attempt-1) + time.Duration(rand.Int63n(int64(200*time.Millisecond)))
			select {
			case <-ctx.Done():
				c.met.GatewayErrors.WithLabelValues(action).Inc()
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
		c.limiter.Wait()

		req := c.http.R().
			SetContext(ctx).
			SetHeaders(signedHeaders(c.creds.Current(), body))
		if query != nil {
			req.SetQueryParams(query)
		}
		if body != "" {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			lastErr = errors.Wrapf(err, "%s", action)
			c.log.Warn("gateway request failed, retrying",
				zap.String("action", action), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		switch {
		case resp.StatusCode() == 200:
			if out != nil {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					c.met.GatewayErrors.WithLabelValues(action).Inc()
					return errors.Wrapf(err, "%s: decode response", action)
				}
			}
			return nil
		case resp.StatusCode() == 404:
			// 资源不存在，重试没有意义
			c.met.GatewayErrors.WithLabelValues(action).Inc()
			return errors.Errorf("%s: resource not found", action)
		default:
			lastErr = errors.Errorf("%s: status %d: %s", action, resp.StatusCode(), resp.String())
			c.log.Warn("gateway non-200, retrying",
				zap.String("action", action), zap.Int("attempt", attempt),
				zap.Int("status", resp.StatusCode()))
		}
	}
	c.met.GatewayErrors.WithLabelValues(action).Inc()
	return lastErr
}
