// Package order 定义订单模型、网关抽象与批量并发执行器。
package order

import (
	"context"
	"time"

	"standx-quoter/market"
)

// Side 订单方向，与交易所 API 取值一致。
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Status 订单生命周期状态。
type Status string

const (
	StatusOpen      Status = "open"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// Request 一笔限价单请求。
type Request struct {
	Side       string
	Price      float64
	Qty        float64
	ReduceOnly bool
	PostOnly   bool // post-only（ALO）：只挂不吃
	ClOrdID    string
}

// State 查询订单得到的视图。
type State struct {
	ClOrdID string
	Status  Status
	Price   float64
	Qty     float64
}

// Resting 引擎持有的在场挂单。
type Resting struct {
	ClOrdID  string
	Side     string
	Price    float64
	Qty      float64
	PlacedAt time.Time
}

// Gateway 订单网关。实现方负责签名与传输层重试，
// 这里所有错误都视为同一种"操作失败"，由调用方对账补救。
type Gateway interface {
	CreateOrder(ctx context.Context, req Request) (clOrdID string, err error)
	CreateMarketOrder(ctx context.Context, side string, qty float64, reduceOnly bool) error
	CancelOrders(ctx context.Context, clOrdIDs []string) error
	QueryOrder(ctx context.Context, clOrdID string) (State, error)
	QueryOpenOrders(ctx context.Context) ([]string, error)
	QueryPositions(ctx context.Context) ([]market.Position, error)
}
