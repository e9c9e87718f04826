package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"standx-quoter/market"
	"standx-quoter/metrics"
)

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type bookData struct {
	Bids [][]string `json:"bids"` // [price, qty]
	Asks [][]string `json:"asks"`
}

type priceData struct {
	MidPrice string `json:"mid_price"`
	BestBid  string `json:"best_bid"`
	BestAsk  string `json:"best_ask"`
}

type positionData struct {
	Qty        string `json:"qty"`
	EntryPrice string `json:"entry_price"`
	Notional   string `json:"notional"`
}

func parseLevels(raw [][]string) ([]market.Level, error) {
	out := make([]market.Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, errors.Errorf("level with %d fields", len(pair))
		}
		p, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse level price")
		}
		q, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse level qty")
		}
		out = append(out, market.Level{Price: p, Qty: q})
	}
	return out, nil
}

func parseBook(data []byte, now time.Time) (*market.Book, error) {
	var bd bookData
	if err := json.Unmarshal(data, &bd); err != nil {
		return nil, errors.Wrap(err, "parse book data")
	}
	bids, err := parseLevels(bd.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(bd.Asks)
	if err != nil {
		return nil, err
	}
	return &market.Book{Bids: bids, Asks: asks, ObservedAt: now}, nil
}

// parsePriceTick 将 price 频道消息转成只有最优档的盘口。
// 深度均为 0：price 频道没有挂量信息，深度门控需关闭或走 depth 频道。
func parsePriceTick(data []byte, now time.Time) (*market.Book, error) {
	var pd priceData
	if err := json.Unmarshal(data, &pd); err != nil {
		return nil, errors.Wrap(err, "parse price data")
	}
	bid, _ := strconv.ParseFloat(pd.BestBid, 64)
	ask, _ := strconv.ParseFloat(pd.BestAsk, 64)
	if bid == 0 || ask == 0 {
		// 退化为 mid±0
		mid, err := strconv.ParseFloat(pd.MidPrice, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse mid_price")
		}
		bid, ask = mid, mid
	}
	return &market.Book{
		Bids:       []market.Level{{Price: bid}},
		Asks:       []market.Level{{Price: ask}},
		ObservedAt: now,
	}, nil
}

func parsePosition(data []byte, now time.Time) (*market.Position, error) {
	var pd positionData
	if err := json.Unmarshal(data, &pd); err != nil {
		return nil, errors.Wrap(err, "parse position data")
	}
	qty, err := strconv.ParseFloat(pd.Qty, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse position qty")
	}
	entry, _ := strconv.ParseFloat(pd.EntryPrice, 64)
	notional, _ := strconv.ParseFloat(pd.Notional, 64)
	return &market.Position{Qty: qty, EntryPrice: entry, Notional: notional, ObservedAt: now}, nil
}

// BookFeed 订阅 depth（或 price）频道并把快照写进 store。
type BookFeed struct {
	c       client
	store   *market.Store
	symbol  string
	channel string // "depth" 或 "price"
}

// NewBookFeed 创建行情消费者。channel 传空默认 depth。
func NewBookFeed(cfg Config, symbol, channel string, store *market.Store, log *zap.Logger, met *metrics.Collector) *BookFeed {
	if channel == "" {
		channel = "depth"
	}
	f := &BookFeed{store: store, symbol: symbol, channel: channel}
	f.c = newClient("book", cfg, log, met)
	f.c.onOpen = f.subscribe
	f.c.onMessage = f.handle
	return f
}

func (f *BookFeed) subscribe(conn *websocket.Conn) error {
	return conn.WriteJSON(map[string]any{
		"subscribe": map[string]string{
			"channel": f.channel,
			"symbol":  f.symbol,
		},
	})
}

func (f *BookFeed) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		f.c.log.Warn("bad ws message", zap.Error(err))
		return
	}
	now := time.Now()
	switch env.Channel {
	case "depth":
		book, err := parseBook(env.Data, now)
		if err != nil {
			f.c.log.Warn("bad depth frame", zap.Error(err))
			return
		}
		f.store.SetBook(book)
	case "price":
		book, err := parsePriceTick(env.Data, now)
		if err != nil {
			f.c.log.Warn("bad price frame", zap.Error(err))
			return
		}
		f.store.SetBook(book)
	default:
		f.c.log.Debug("ignoring ws message", zap.String("channel", env.Channel))
	}
}

// Run 阻塞运行直到 ctx 结束。
func (f *BookFeed) Run(ctx context.Context) { f.c.Run(ctx) }

// PositionFeed 认证后订阅仓位频道。
type PositionFeed struct {
	c     client
	store *market.Store
	token func() string // 每次重连取最新 access token
}

// NewPositionFeed 创建仓位消费者。
func NewPositionFeed(cfg Config, token func() string, store *market.Store, log *zap.Logger, met *metrics.Collector) *PositionFeed {
	f := &PositionFeed{store: store, token: token}
	f.c = newClient("position", cfg, log, met)
	f.c.onOpen = f.authenticate
	f.c.onMessage = f.handle
	return f
}

func (f *PositionFeed) authenticate(conn *websocket.Conn) error {
	return conn.WriteJSON(map[string]any{
		"auth": map[string]any{
			"token":   f.token(),
			"streams": []map[string]string{{"channel": "position"}},
		},
	})
}

func (f *PositionFeed) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		f.c.log.Warn("bad ws message", zap.Error(err))
		return
	}
	if env.Channel != "position" {
		f.c.log.Debug("ignoring ws message", zap.String("channel", env.Channel))
		return
	}
	pos, err := parsePosition(env.Data, time.Now())
	if err != nil {
		f.c.log.Warn("bad position frame", zap.Error(err))
		return
	}
	f.store.SetPosition(pos)
}

// Run 阻塞运行直到 ctx 结束。
func (f *PositionFeed) Run(ctx context.Context) { f.c.Run(ctx) }
