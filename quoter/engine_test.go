package quoter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"standx-quoter/backoff"
	"standx-quoter/market"
	"standx-quoter/metrics"
	"standx-quoter/order"
)

// fakeGateway 报价测试用网关桩。
type fakeGateway struct {
	mu        sync.Mutex
	created   []order.Request
	cancelled []string
	open      []string
	createErr map[string]error // 按方向注入失败
}

func (g *fakeGateway) CreateOrder(_ context.Context, req order.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.createErr[req.Side]; err != nil {
		return "", err
	}
	g.created = append(g.created, req)
	return fmt.Sprintf("cl-%s-%d", req.Side, len(g.created)), nil
}

func (g *fakeGateway) CreateMarketOrder(context.Context, string, float64, bool) error { return nil }

func (g *fakeGateway) CancelOrders(_ context.Context, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, ids...)
	return nil
}

func (g *fakeGateway) QueryOrder(_ context.Context, id string) (order.State, error) {
	return order.State{ClOrdID: id, Status: order.StatusOpen}, nil
}

func (g *fakeGateway) QueryOpenOrders(context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.open
	g.open = nil
	return out, nil
}

func (g *fakeGateway) QueryPositions(context.Context) ([]market.Position, error) { return nil, nil }

type fakeUnwinder struct {
	calls int
	err   error
}

func (u *fakeUnwinder) Run(context.Context) error {
	u.calls++
	return u.err
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.SpreadBps = 20
	cfg.MinBps = 15
	cfg.MaxBps = 25
	cfg.ThrottleBps = 1000
	cfg.MinDepth = 1
	cfg.TickMs = 1
	cfg.ThrottlePauseSeconds = 0
	cfg.PositionCooldownSeconds = 0
	cfg.SkipWindow.Enabled = false
	return cfg
}

func fastGovernor() *backoff.Governor {
	return backoff.New(backoff.Config{
		BaseSeconds:   0.01,
		Factor:        2,
		WindowSeconds: 90,
		MaxSeconds:    0.05,
	}, nil)
}

func freshBook(bid, ask, qty float64) *market.Book {
	return &market.Book{
		Bids:       []market.Level{{Price: bid, Qty: qty}},
		Asks:       []market.Level{{Price: ask, Qty: qty}},
		ObservedAt: time.Now(),
	}
}

func newTestEngine(t *testing.T, cfg Config, gw *fakeGateway, unw Unwinder) (*Engine, *market.Store) {
	t.Helper()
	store := market.NewStore()
	if unw == nil {
		unw = &fakeUnwinder{}
	}
	e, err := New(cfg, market.DefaultInstrument(), Components{
		Gateway:  gw,
		Store:    store,
		Governor: fastGovernor(),
		Unwinder: unw,
		Logger:   zap.NewNop(),
		Metrics:  metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	return e, store
}

func TestPlacesTwoSidedQuote(t *testing.T) {
	gw := &fakeGateway{}
	e, store := newTestEngine(t, fastConfig(), gw, nil)
	// mid = 100000，20bp 对应 99800 / 100200
	store.SetBook(freshBook(99990, 100010, 10))

	require.NoError(t, e.tickNoQuote(context.Background()))

	require.Len(t, gw.created, 2)
	bydir := map[string]order.Request{}
	for _, r := range gw.created {
		bydir[r.Side] = r
	}
	assert.Equal(t, 99800.0, bydir[order.SideBuy].Price)
	assert.Equal(t, 100200.0, bydir[order.SideSell].Price)
	// 500 USD / 99800 ≈ 0.0050
	assert.Equal(t, 0.005, bydir[order.SideBuy].Qty)
	assert.Equal(t, 0.005, bydir[order.SideSell].Qty)
	assert.True(t, bydir[order.SideBuy].PostOnly)
	assert.True(t, bydir[order.SideSell].PostOnly)
	assert.Equal(t, StateQuoteActive, e.State())
	assert.Len(t, e.legs, 2)
}

func TestOneSidedSellQuote(t *testing.T) {
	cfg := fastConfig()
	cfg.Side = SideSellOnly
	gw := &fakeGateway{}
	e, store := newTestEngine(t, cfg, gw, nil)
	store.SetBook(freshBook(99990, 100010, 10))

	require.NoError(t, e.tickNoQuote(context.Background()))
	require.Len(t, gw.created, 1)
	assert.Equal(t, order.SideSell, gw.created[0].Side)
	assert.Equal(t, StateQuoteActive, e.State())
}

func TestThinBookChargesBackoffAndSkipsPlacement(t *testing.T) {
	gw := &fakeGateway{}
	e, store := newTestEngine(t, fastConfig(), gw, nil)
	store.SetBook(freshBook(99990, 100010, 0.5)) // 低于 MinDepth=1

	require.NoError(t, e.tickNoQuote(context.Background()))
	assert.Empty(t, gw.created)
	assert.Equal(t, StateNoQuote, e.State())
	if got := e.gov.Pending(); got != 1 {
		t.Fatalf("depth gate must charge one backoff event, got %d", got)
	}
}

func TestStaleBookBlocksPlacement(t *testing.T) {
	gw := &fakeGateway{}
	e, store := newTestEngine(t, fastConfig(), gw, nil)
	b := freshBook(99990, 100010, 10)
	b.ObservedAt = time.Now().Add(-2 * time.Second)
	store.SetBook(b)

	require.NoError(t, e.tickNoQuote(context.Background()))
	assert.Empty(t, gw.created)
}

func TestInvalidMidIsEngineError(t *testing.T) {
	gw := &fakeGateway{}
	e, store := newTestEngine(t, fastConfig(), gw, nil)
	store.SetBook(&market.Book{
		Bids:       []market.Level{{Price: 99990, Qty: 10}},
		ObservedAt: time.Now(),
	})

	err := e.tickNoQuote(context.Background())
	require.Error(t, err, "a half-empty book must surface to the supervisor")
	assert.Empty(t, gw.created)
}

func TestPartialPlacementCancelsSuccessfulLeg(t *testing.T) {
	gw := &fakeGateway{createErr: map[string]error{order.SideSell: errors.New("rejected")}}
	e, store := newTestEngine(t, fastConfig(), gw, nil)
	store.SetBook(freshBook(99990, 100010, 10))

	err := e.tickNoQuote(context.Background())
	require.Error(t, err)
	require.Len(t, gw.created, 1, "buy leg went out")
	assert.Len(t, gw.cancelled, 1, "orphan buy leg must be pulled back")
	assert.Empty(t, e.legs)
}

func TestBpsBreachCancelsAllLegs(t *testing.T) {
	gw := &fakeGateway{}
	e, store := newTestEngine(t, fastConfig(), gw, nil)
	store.SetBook(freshBook(99990, 100010, 10))
	require.NoError(t, e.tickNoQuote(context.Background()))
	require.Equal(t, StateQuoteActive, e.State())

	// 行情上移：买腿距离拉大到约 30bp，超出 MaxBps=25
	store.SetBook(freshBook(100090, 100110, 10))
	require.NoError(t, e.tickActive(context.Background()))

	assert.Len(t, gw.cancelled, 2, "one leg out of band cancels the whole quote")
	assert.Empty(t, e.legs)
	assert.Equal(t, StateNoQuote, e.State())
	if got := e.gov.Pending(); got != 1 {
		t.Fatalf("cancel cycle must charge one backoff event, got %d", got)
	}
}

func TestThrottleBreachPreChargesPenalty(t *testing.T) {
	cfg := fastConfig()
	cfg.ThrottleBps = 25
	gw := &fakeGateway{}
	e, store := newTestEngine(t, cfg, gw, nil)
	store.SetBook(freshBook(99990, 100010, 10))
	require.NoError(t, e.tickNoQuote(context.Background()))

	// 行情暴move：买腿偏离约 120bp，远超 throttle
	store.SetBook(freshBook(100990, 101010, 10))
	require.NoError(t, e.tickActive(context.Background()))

	assert.Len(t, gw.cancelled, 2)
	assert.Equal(t, StateNoQuote, e.State())
	if got := e.gov.Pending(); got != cfg.ThrottlePenalty {
		t.Fatalf("throttle breach must pre-charge %d events, got %d", cfg.ThrottlePenalty, got)
	}
}

func TestDepthCollapseCancelsQuote(t *testing.T) {
	gw := &fakeGateway{}
	e, store := newTestEngine(t, fastConfig(), gw, nil)
	store.SetBook(freshBook(99990, 100010, 10))
	require.NoError(t, e.tickNoQuote(context.Background()))

	store.SetBook(freshBook(99990, 100010, 0.2))
	require.NoError(t, e.tickActive(context.Background()))
	assert.Len(t, gw.cancelled, 2)
	assert.Equal(t, StateNoQuote, e.State())
}

func TestStaleBookCancelsActiveQuote(t *testing.T) {
	gw := &fakeGateway{}
	e, store := newTestEngine(t, fastConfig(), gw, nil)
	store.SetBook(freshBook(99990, 100010, 10))
	require.NoError(t, e.tickNoQuote(context.Background()))

	b := freshBook(99990, 100010, 10)
	b.ObservedAt = time.Now().Add(-5 * time.Second)
	store.SetBook(b)
	require.NoError(t, e.tickActive(context.Background()))
	assert.Len(t, gw.cancelled, 2)
	assert.Equal(t, StateNoQuote, e.State())
}

func TestPositionCancelsQuoteAndUnwinds(t *testing.T) {
	gw := &fakeGateway{}
	unw := &fakeUnwinder{}
	e, store := newTestEngine(t, fastConfig(), gw, unw)
	store.SetBook(freshBook(99990, 100010, 10))
	require.NoError(t, e.tickNoQuote(context.Background()))
	require.Equal(t, StateQuoteActive, e.State())

	store.SetPosition(&market.Position{Qty: 0.01, EntryPrice: 99800})
	require.NoError(t, e.tickActive(context.Background()))

	assert.Len(t, gw.cancelled, 2, "all legs cancelled before unwinding")
	if unw.calls != 1 {
		t.Fatalf("unwinder must run exactly once, got %d", unw.calls)
	}
	assert.Equal(t, StateNoQuote, e.State())
}

func TestUnwindErrorDoesNotKillEngine(t *testing.T) {
	gw := &fakeGateway{}
	unw := &fakeUnwinder{err: errors.New("venue down")}
	e, store := newTestEngine(t, fastConfig(), gw, unw)
	store.SetPosition(&market.Position{Qty: -0.02, EntryPrice: 100200})
	store.SetBook(freshBook(99990, 100010, 10))

	require.NoError(t, e.tickNoQuote(context.Background()))
	if unw.calls != 1 {
		t.Fatalf("unwinder must still run, got %d calls", unw.calls)
	}
	assert.Equal(t, StateNoQuote, e.State())
}

func TestSkipWindowSweepsStraysInsteadOfQuoting(t *testing.T) {
	cfg := fastConfig()
	cfg.SkipWindow = SkipWindowConfig{
		Enabled:      true,
		StartHour:    0,
		EndHour:      24,
		Timezone:     "UTC",
		WeekdaysOnly: true,
	}
	gw := &fakeGateway{open: []string{"stray-1", "stray-2"}}
	e, store := newTestEngine(t, cfg, gw, nil)
	store.SetBook(freshBook(99990, 100010, 10))
	// 周一中午，窗口生效
	e.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := e.tickNoQuote(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "skip window sleep is interruptible")
	assert.Empty(t, gw.created)
	assert.Equal(t, []string{"stray-1", "stray-2"}, gw.cancelled)
}

func TestSkipWindowIgnoredOnWeekend(t *testing.T) {
	cfg := fastConfig()
	cfg.SkipWindow = SkipWindowConfig{
		Enabled:      true,
		StartHour:    0,
		EndHour:      24,
		Timezone:     "UTC",
		WeekdaysOnly: true,
	}
	gw := &fakeGateway{}
	e, store := newTestEngine(t, cfg, gw, nil)
	// 周六：窗口不生效，正常报价
	e.now = func() time.Time { return time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC) }
	b := freshBook(99990, 100010, 10)
	b.ObservedAt = e.now()
	store.SetBook(b)

	require.NoError(t, e.tickNoQuote(context.Background()))
	assert.Len(t, gw.created, 2)
}

func TestCooldownSleepCutShortByPosition(t *testing.T) {
	gw := &fakeGateway{}
	e, store := newTestEngine(t, fastConfig(), gw, nil)
	store.SetPosition(&market.Position{Qty: 0.01})

	interrupted, err := e.sleepInterruptible(context.Background(), 3*time.Second, true)
	require.NoError(t, err)
	assert.True(t, interrupted, "position must break the sleep at the next 1s boundary")
}

func TestRunStopsOnContextAndCancelsLegs(t *testing.T) {
	gw := &fakeGateway{}
	e, store := newTestEngine(t, fastConfig(), gw, nil)
	store.SetBook(freshBook(99990, 100010, 10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// 等报价挂出后再停
	deadline := time.After(2 * time.Second)
	for {
		gw.mu.Lock()
		n := len(gw.created)
		gw.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("quote never placed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Len(t, gw.cancelled, 2, "shutdown must pull the resting quote")
}

func TestNewRejectsBadConfig(t *testing.T) {
	gw := &fakeGateway{}
	store := market.NewStore()
	base := Components{
		Gateway:  gw,
		Store:    store,
		Governor: fastGovernor(),
		Unwinder: &fakeUnwinder{},
		Logger:   zap.NewNop(),
		Metrics:  metrics.New(prometheus.NewRegistry()),
	}

	cfg := fastConfig()
	cfg.SpreadBps = 50 // 超出 [min, max]
	if _, err := New(cfg, market.DefaultInstrument(), base); err == nil {
		t.Fatal("spread outside the band must be rejected")
	}

	cfg = fastConfig()
	cfg.Side = "short"
	if _, err := New(cfg, market.DefaultInstrument(), base); err == nil {
		t.Fatal("unknown side must be rejected")
	}

	cfg = fastConfig()
	if _, err := New(cfg, market.DefaultInstrument(), Components{}); err == nil {
		t.Fatal("missing components must be rejected")
	}
}
