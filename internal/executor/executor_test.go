package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perptrader/internal/exchange"
	"perptrader/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// memStore is an in-memory OrderStateStore.
type memStore struct {
	mu     sync.Mutex
	states map[string]*model.OrderState
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]*model.OrderState)}
}

func (s *memStore) key(botID, signalID string) string { return botID + "|" + signalID }

func (s *memStore) CreateOrderState(_ context.Context, st *model.OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(st.BotID, st.SignalID)
	if _, ok := s.states[k]; ok {
		return model.ErrDuplicateOrderState
	}
	if st.ID == "" {
		st.ID = k
	}
	cp := *st
	s.states[k] = &cp
	return nil
}

func (s *memStore) UpdateOrderState(_ context.Context, st *model.OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.states[s.key(st.BotID, st.SignalID)] = &cp
	return nil
}

func (s *memStore) ListOrderStatesByStatus(_ context.Context, statuses ...string) ([]model.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OrderState
	for _, st := range s.states {
		for _, want := range statuses {
			if st.Status == want {
				out = append(out, *st)
			}
		}
	}
	return out, nil
}

func (s *memStore) ListActiveOrderStatesByBot(_ context.Context, botID string) ([]model.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OrderState
	for _, st := range s.states {
		if st.BotID == botID && !model.IsTerminalStatus(st.Status) {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *memStore) ListTerminalOrderStatesWithExitIDs(context.Context) ([]model.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OrderState
	for _, st := range s.states {
		if model.IsTerminalStatus(st.Status) && (st.StopOrderID != 0 || st.TakeProfitOrderID != 0) {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *memStore) GetOrderState(_ context.Context, botID, signalID string) (*model.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[s.key(botID, signalID)]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

// memCache is an in-memory balance cache.
type memCache struct {
	mu   sync.Mutex
	vals map[string]string
}

func newMemCache() *memCache { return &memCache{vals: make(map[string]string)} }

func (c *memCache) CachedBalance(_ context.Context, id, env string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vals[id+"."+env]
	return v, ok, nil
}

func (c *memCache) SetCachedBalance(_ context.Context, id, env, balance string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals[id+"."+env] = balance
	return nil
}

func (c *memCache) InvalidateBalance(_ context.Context, id, env string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vals, id+"."+env)
	return nil
}

type singleClient struct{ client exchange.TradingClient }

func (p singleClient) ClientFor(context.Context, *model.BotConfig) (exchange.TradingClient, error) {
	return p.client, nil
}

func testBot() *model.BotConfig {
	return &model.BotConfig{
		ID:            "bot-1",
		CredentialID:  "cred-1",
		Symbol:        "BTCUSDT",
		Timeframe:     "2m",
		Status:        model.BotActive,
		Enabled:       true,
		SideWhitelist: model.WhitelistBoth,
		Leverage:      1,
		TakeProfitR:   d("1.5"),
	}
}

func newTestExecutor(t *testing.T, mock *exchange.MockExchange) (*Executor, *memStore) {
	t.Helper()
	store := newMemStore()
	bal := NewBalanceValidator(newMemCache(), time.Minute)
	ex := New(singleClient{mock}, store, bal, NewBotLocks(), Config{}, nil)
	ex.nonce = func() string { return "t1" }
	return ex, store
}

func armSignal() model.ArmSignal {
	return model.ArmSignal{
		Side:    model.SideLong,
		Symbol:  "BTCUSDT",
		TF:      "2m",
		TS:      1_700_000_040_000,
		IndTS:   1_700_000_040_000,
		Trigger: d("35010.678"),
		Stop:    d("34800.2"),
	}
}

func TestExecuteArm_QuantizesAndPlacesTrio(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.Filters = exchange.SymbolFilters{
		TickSize:    d("0.1"),
		StepSize:    d("0.001"),
		MinQty:      d("0.001"),
		MinNotional: d("5"),
	}
	mock.Mark = d("35005")
	ex, _ := newTestExecutor(t, mock)

	bot := testBot()
	bot.FixedNotional = d("49.01484") // 0.0014 of base at the quantized trigger

	st, err := ex.ExecuteArm(context.Background(), bot, armSignal())
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, st.Status)
	assert.True(t, st.TriggerPrice.Equal(d("35010.6")), "trigger floored to tick, got %s", st.TriggerPrice)
	assert.True(t, st.Quantity.Equal(d("0.001")), "raw 0.0014 floors to one step, got %s", st.Quantity)
	assert.NotZero(t, st.OrderID)
	assert.NotZero(t, st.StopOrderID)
	assert.NotZero(t, st.TakeProfitOrderID)

	require.Len(t, mock.Placed, 3)
	entry, stop, tp := mock.Placed[0], mock.Placed[1], mock.Placed[2]

	assert.Equal(t, exchange.TypeLimit, entry.Type)
	assert.Equal(t, exchange.SideBuy, entry.Side)
	assert.Equal(t, exchange.TimeInForceGTC, entry.TimeInForce)
	assert.True(t, entry.Price.Equal(d("35010.6")))
	assert.False(t, entry.ReduceOnly)

	prefix := bot.ClientIDPrefix()
	assert.Equal(t, exchange.TypeStopMarket, stop.Type)
	assert.Equal(t, exchange.SideSell, stop.Side)
	assert.True(t, stop.StopPrice.Equal(d("34800.2")))
	assert.True(t, stop.ReduceOnly)
	assert.Equal(t, prefix+"-sl-t1", stop.ClientOrderID)

	// TP = 35010.6 + 1.5 x (35010.6 - 34800.2) = 35326.2
	assert.Equal(t, exchange.TypeTakeProfitMarket, tp.Type)
	assert.True(t, tp.StopPrice.Equal(d("35326.2")), "got %s", tp.StopPrice)
	assert.True(t, tp.ReduceOnly)
	assert.Equal(t, prefix+"-tp-t1", tp.ClientOrderID)

	assert.Equal(t, 1, mock.Leverage["BTCUSDT"])
}

func TestExecuteArm_MinNotionalBumpOverBalance_Skips(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.Filters = exchange.SymbolFilters{
		TickSize:    d("0.1"),
		StepSize:    d("0.001"),
		MinQty:      d("0.001"),
		MinNotional: d("5"),
	}
	mock.Balance = d("3")
	ex, store := newTestExecutor(t, mock)

	bot := testBot()
	bot.FixedNotional = d("0.008") // raw qty 0.00008 at trigger 100

	sig := armSignal()
	sig.Trigger = d("100")
	sig.Stop = d("99.5")

	st, err := ex.ExecuteArm(context.Background(), bot, sig)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkippedLowBalance, st.Status)
	assert.True(t, st.Quantity.Equal(d("0.05")),
		"min notional lifts 0.00008 to 0.050, got %s", st.Quantity)
	assert.Empty(t, mock.Placed, "no order may reach the exchange")

	persisted, err := store.GetOrderState(context.Background(), bot.ID, sig.ID())
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, model.StatusSkippedLowBalance, persisted.Status)
}

func TestExecuteArm_StopLegFails_RollsBackEntry(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.Mark = d("35005")
	mock.FailPlace[exchange.TypeStopMarket] = &exchange.Error{
		Kind: exchange.KindRateLimit, Op: "place order", Code: -1003,
	}
	ex, _ := newTestExecutor(t, mock)

	bot := testBot()
	bot.FixedNotional = d("500")

	st, err := ex.ExecuteArm(context.Background(), bot, armSignal())
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, st.Status)
	assert.Zero(t, st.OrderID, "failed states carry no live order ids")
	assert.Zero(t, st.StopOrderID)

	require.Len(t, mock.Cancelled, 1, "entry leg is unwound")
	assert.Empty(t, mock.OpenOrderIDs(), "nothing left working on the exchange")
}

func TestExecuteArm_TPLegFails_RollsBackStopAndEntry(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.Mark = d("35005")
	mock.FailPlace[exchange.TypeTakeProfitMarket] = &exchange.Error{
		Kind: exchange.KindExchangeDown, Op: "place order",
	}
	ex, _ := newTestExecutor(t, mock)

	bot := testBot()
	bot.FixedNotional = d("500")

	st, err := ex.ExecuteArm(context.Background(), bot, armSignal())
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, st.Status)
	assert.Len(t, mock.Cancelled, 2)
	assert.Empty(t, mock.OpenOrderIDs())
}

func TestExecuteArm_ThinSpreadRejected(t *testing.T) {
	mock := exchange.NewMockExchange()
	ex, _ := newTestExecutor(t, mock)

	bot := testBot()
	bot.FixedNotional = d("500")

	sig := armSignal()
	sig.Trigger = d("35000")
	sig.Stop = d("34999") // 0.29 bps, below the 5 bps floor

	st, err := ex.ExecuteArm(context.Background(), bot, sig)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, st.Status)
	assert.Empty(t, mock.Placed)
}

func TestExecuteArm_MarkDriftRejected(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.Mark = d("36000") // trigger 35010.6 is 27 bps below mark
	ex, _ := newTestExecutor(t, mock)

	bot := testBot()
	bot.FixedNotional = d("500")

	st, err := ex.ExecuteArm(context.Background(), bot, armSignal())
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, st.Status)
	assert.Empty(t, mock.Placed)
}

func TestExecuteArm_RedeliveryReturnsExistingState(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.Mark = d("35005")
	ex, _ := newTestExecutor(t, mock)

	bot := testBot()
	bot.FixedNotional = d("500")
	sig := armSignal()

	first, err := ex.ExecuteArm(context.Background(), bot, sig)
	require.NoError(t, err)
	require.Len(t, mock.Placed, 3)

	second, err := ex.ExecuteArm(context.Background(), bot, sig)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Len(t, mock.Placed, 3, "redelivery places nothing new")
}

func TestExecuteArm_CancelsStaleTaggedOrders(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.Mark = d("35005")
	ex, _ := newTestExecutor(t, mock)

	bot := testBot()
	bot.FixedNotional = d("500")

	// One stale order of ours and one foreign order already open.
	stale, err := mock.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.TypeStopMarket,
		ClientOrderID: bot.ClientIDPrefix() + "-sl-old",
	})
	require.NoError(t, err)
	foreign, err := mock.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.TypeStopMarket,
		ClientOrderID: "someone-else",
	})
	require.NoError(t, err)

	_, err = ex.ExecuteArm(context.Background(), bot, armSignal())
	require.NoError(t, err)

	assert.Contains(t, mock.Cancelled, stale.OrderID)
	assert.NotContains(t, mock.Cancelled, foreign.OrderID)
}

func TestHandleDisarm_CancelsPendingForSide(t *testing.T) {
	mock := exchange.NewMockExchange()
	ex, store := newTestExecutor(t, mock)
	bot := testBot()
	ctx := context.Background()

	pending := &model.OrderState{
		BotID: bot.ID, SignalID: "BTCUSDT:100:long", Status: model.StatusPending,
		Side: model.SideLong, Symbol: "BTCUSDT",
		TriggerPrice: d("35010.6"), StopPrice: d("34800.2"), Quantity: d("0.001"),
		OrderID: 111, StopOrderID: 222, TakeProfitOrderID: 333,
	}
	armed := &model.OrderState{
		BotID: bot.ID, SignalID: "BTCUSDT:90:long", Status: model.StatusArmed,
		Side: model.SideLong, Symbol: "BTCUSDT",
		TriggerPrice: d("34000"), StopPrice: d("33800"), Quantity: d("0.002"),
		OrderID: 444, StopOrderID: 555, TakeProfitOrderID: 666,
	}
	require.NoError(t, store.CreateOrderState(ctx, pending))
	require.NoError(t, store.CreateOrderState(ctx, armed))

	err := ex.HandleDisarm(ctx, bot, model.DisarmSignal{
		PrevSide: model.SideLong, Symbol: "BTCUSDT", TF: "2m",
		TS: 1_700_000_160_000, Reason: "regime_change",
	})
	require.NoError(t, err)

	got, err := store.GetOrderState(ctx, bot.ID, "BTCUSDT:100:long")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	still, err := store.GetOrderState(ctx, bot.ID, "BTCUSDT:90:long")
	require.NoError(t, err)
	assert.Equal(t, model.StatusArmed, still.Status, "armed positions stay with the monitor")
}

func TestTargetNotional(t *testing.T) {
	bot := testBot()
	bot.FixedNotional = d("250")
	bot.UseBalancePct = true
	bot.BalancePct = d("0.5")

	n, err := TargetNotional(bot, d("1000"))
	require.NoError(t, err)
	assert.True(t, n.Equal(d("250")), "fixed notional wins over pct")

	bot.FixedNotional = decimal.Zero
	n, err = TargetNotional(bot, d("1000"))
	require.NoError(t, err)
	assert.True(t, n.Equal(d("500")))

	bot.BalancePct = d("1.7") // clamped to 1
	n, err = TargetNotional(bot, d("1000"))
	require.NoError(t, err)
	assert.True(t, n.Equal(d("1000")))

	bot.MaxPositionUSDT = d("300")
	n, err = TargetNotional(bot, d("1000"))
	require.NoError(t, err)
	assert.True(t, n.Equal(d("300")))

	bot.UseBalancePct = false
	_, err = TargetNotional(bot, d("1000"))
	assert.ErrorIs(t, err, ErrNoSizingRule)
}
