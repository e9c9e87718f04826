// Package market 定义行情/仓位快照与最新值存储。
package market

import "time"

// Level 单个价位档。
type Level struct {
	Price float64
	Qty   float64
}

// Book 一帧完整的盘口快照，由行情协程整帧替换，核心只读。
type Book struct {
	Bids       []Level // 价格从高到低
	Asks       []Level // 价格从低到高
	ObservedAt time.Time
}

// BestBid 返回最优买价；空盘口返回 0。
func (b *Book) BestBid() float64 {
	if b == nil || len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk 返回最优卖价；空盘口返回 0。
func (b *Book) BestAsk() float64 {
	if b == nil || len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Mid 返回中间价；缺失任一侧返回 0。
func (b *Book) Mid() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// DepthAbove 统计买盘中价格不低于 p 的挂量，
// 即压在我方买单之上、会先于我方成交的量。
func (b *Book) DepthAbove(p float64) float64 {
	if b == nil {
		return 0
	}
	total := 0.0
	for _, lv := range b.Bids {
		if lv.Price < p {
			break
		}
		total += lv.Qty
	}
	return total
}

// DepthBelow 统计卖盘中价格不高于 p 的挂量。
func (b *Book) DepthBelow(p float64) float64 {
	if b == nil {
		return 0
	}
	total := 0.0
	for _, lv := range b.Asks {
		if lv.Price > p {
			break
		}
		total += lv.Qty
	}
	return total
}

// Age 返回快照距 now 的时长；nil 快照视为无限旧。
func (b *Book) Age(now time.Time) time.Duration {
	if b == nil || b.ObservedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(b.ObservedAt)
}
