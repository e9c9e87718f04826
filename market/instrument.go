package market

import "github.com/shopspring/decimal"

// Instrument 交易对的精度约定。价格/数量走字符串上行，精度在这里统一收口。
type Instrument struct {
	Symbol        string  `yaml:"symbol"`
	PriceDecimals int32   `yaml:"price_decimals"`
	QtyDecimals   int32   `yaml:"qty_decimals"`
	MinQty        float64 `yaml:"min_qty"`
}

// DefaultInstrument BTC-USD 永续的线上参数。
func DefaultInstrument() Instrument {
	return Instrument{
		Symbol:        "BTC-USD",
		PriceDecimals: 2,
		QtyDecimals:   4,
		MinQty:        0.0001,
	}
}

// RoundPrice 按价格精度四舍五入。
func (i Instrument) RoundPrice(p float64) float64 {
	f, _ := decimal.NewFromFloat(p).Round(i.PriceDecimals).Float64()
	return f
}

// RoundQty 按数量精度四舍五入。
func (i Instrument) RoundQty(q float64) float64 {
	f, _ := decimal.NewFromFloat(q).Round(i.QtyDecimals).Float64()
	return f
}

// FormatPrice 输出定长小数的价格字符串。
func (i Instrument) FormatPrice(p float64) string {
	return decimal.NewFromFloat(p).StringFixed(i.PriceDecimals)
}

// FormatQty 输出定长小数的数量字符串。
func (i Instrument) FormatQty(q float64) string {
	return decimal.NewFromFloat(q).StringFixed(i.QtyDecimals)
}

// QuoteQty 由目标名义价值和挂单价换算数量。
func (i Instrument) QuoteQty(notional, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return i.RoundQty(notional / price)
}
