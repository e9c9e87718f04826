package market

import "time"

// Position 单条仓位快照。Qty 带符号：正=多头，负=空头。
// 非零仓位是报价被吃掉的权威信号。
type Position struct {
	Qty        float64
	EntryPrice float64
	Notional   float64
	ObservedAt time.Time
}

// Flat 仓位是否为零。
func (p *Position) Flat() bool { return p == nil || p.Qty == 0 }

// CloseSide 返回平掉该仓位所需的下单方向。
func (p *Position) CloseSide() string {
	if p.Qty > 0 {
		return "sell"
	}
	return "buy"
}

// AbsQty 返回仓位数量绝对值。
func (p *Position) AbsQty() float64 {
	if p == nil {
		return 0
	}
	if p.Qty < 0 {
		return -p.Qty
	}
	return p.Qty
}
