package feed

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"standx-quoter/market"
	"standx-quoter/metrics"
)

func TestHandleDepthFrame(t *testing.T) {
	store := market.NewStore()
	f := NewBookFeed(Config{URL: "wss://example/ws"}, "BTC-USD", "depth",
		store, zap.NewNop(), metrics.New(prometheus.NewRegistry()))

	f.handle([]byte(`{
		"channel":"depth",
		"data":{
			"bids":[["99900.00","1.5"],["99800.00","2.5"]],
			"asks":[["100100.00","1.0"],["100200.00","0.7"]]
		}
	}`))

	b := store.Book()
	require.NotNil(t, b)
	assert.Equal(t, 99900.0, b.BestBid())
	assert.Equal(t, 100100.0, b.BestAsk())
	assert.Equal(t, 100000.0, b.Mid())
	assert.Equal(t, 4.0, b.DepthAbove(99800))
	assert.WithinDuration(t, time.Now(), b.ObservedAt, time.Second)
}

func TestHandlePriceFrame(t *testing.T) {
	store := market.NewStore()
	f := NewBookFeed(Config{URL: "wss://example/ws"}, "BTC-USD", "price",
		store, zap.NewNop(), metrics.New(prometheus.NewRegistry()))

	f.handle([]byte(`{"channel":"price","data":{"mid_price":"100000.0"}}`))
	b := store.Book()
	require.NotNil(t, b)
	assert.Equal(t, 100000.0, b.Mid())
	// price 频道没有深度信息
	assert.Equal(t, 0.0, b.DepthAbove(0))
}

func TestHandleMalformedFrameKeepsOldBook(t *testing.T) {
	store := market.NewStore()
	f := NewBookFeed(Config{URL: "wss://example/ws"}, "BTC-USD", "depth",
		store, zap.NewNop(), metrics.New(prometheus.NewRegistry()))

	f.handle([]byte(`{"channel":"depth","data":{"bids":[["not-a-number","1"]],"asks":[]}}`))
	assert.Nil(t, store.Book())

	f.handle([]byte(`{"channel":"depth","data":{"bids":[["99900","1"]],"asks":[["100100","1"]]}}`))
	old := store.Book()
	require.NotNil(t, old)

	// 坏帧不应覆盖好帧
	f.handle([]byte(`not json at all`))
	assert.Same(t, old, store.Book())
}

func TestHandlePositionFrame(t *testing.T) {
	store := market.NewStore()
	f := NewPositionFeed(Config{URL: "wss://example/ws"}, func() string { return "tok" },
		store, zap.NewNop(), metrics.New(prometheus.NewRegistry()))

	f.handle([]byte(`{"channel":"position","data":{"qty":"0.0100","entry_price":"99800.00","notional":"998.00"}}`))
	p := store.Position()
	require.NotNil(t, p)
	assert.False(t, p.Flat())
	assert.Equal(t, 0.01, p.Qty)
	assert.Equal(t, "sell", p.CloseSide())

	f.handle([]byte(`{"channel":"position","data":{"qty":"0","entry_price":"0","notional":"0"}}`))
	assert.True(t, store.Position().Flat())
}
