package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perptrader/internal/exchange"
	"perptrader/internal/executor"
	"perptrader/internal/model"
)

// clientProvider hands out an authenticated trading client for a bot.
type clientProvider interface {
	ClientFor(ctx context.Context, bot *model.BotConfig) (exchange.TradingClient, error)
}

// heartbeater refreshes the service liveness key.
type heartbeater interface {
	Heartbeat(ctx context.Context, service string, ttl time.Duration) error
}

// Config holds monitor loop timings.
type Config struct {
	Interval          time.Duration // reconcile period, default 5s
	HeartbeatInterval time.Duration // 0 disables heartbeats
}

// Monitor drives the order-state machine by polling the exchange. It shares
// the per-bot lock registry with the executor so a fill transition and a
// DISARM cancel for the same bot serialize.
type Monitor struct {
	store    model.OrderStateStore
	bots     model.BotStore
	clients  clientProvider
	locks    *executor.BotLocks
	balances *executor.BalanceValidator
	hb       heartbeater
	book     *PositionBook
	cfg      Config
	log      *slog.Logger

	nonce func() string

	// OnTransition fires after each persisted status change.
	OnTransition func(st *model.OrderState)
	// OnForceClose fires after a failsafe market close flattened a position.
	OnForceClose func(botID, symbol string)
}

// New creates a monitor. balances and hb may be nil.
func New(store model.OrderStateStore, bots model.BotStore, clients clientProvider, locks *executor.BotLocks, balances *executor.BalanceValidator, hb heartbeater, cfg Config, log *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		store:    store,
		bots:     bots,
		clients:  clients,
		locks:    locks,
		balances: balances,
		hb:       hb,
		book:     NewPositionBook(),
		cfg:      cfg,
		log:      log,
		nonce: func() string {
			return strconv.FormatInt(time.Now().UnixMilli(), 36)
		},
	}
}

// Book exposes the open-position book for read-only consumers.
func (m *Monitor) Book() *PositionBook { return m.book }

// Run reconciles on a fixed period until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.hb != nil && m.cfg.HeartbeatInterval > 0 {
		go m.heartbeatLoop(ctx)
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				m.log.Error("reconcile pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Monitor) heartbeatLoop(ctx context.Context) {
	ttl := 3 * m.cfg.HeartbeatInterval
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.hb.Heartbeat(ctx, "monitor", ttl); err != nil {
				m.log.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Reconcile runs one pass: advance every active order state, then sweep
// orphaned tagged orders. Per-state failures are logged and retried on the
// next pass rather than aborting the cycle.
func (m *Monitor) Reconcile(ctx context.Context) error {
	states, err := m.store.ListOrderStatesByStatus(ctx, model.ActiveStatuses...)
	if err != nil {
		return fmt.Errorf("list active states: %w", err)
	}

	botCache := make(map[string]*model.BotConfig)
	for i := range states {
		st := &states[i]
		bot, err := m.botFor(ctx, botCache, st.BotID)
		if err != nil || bot == nil {
			if err != nil {
				m.log.Warn("bot lookup failed", slog.String("bot_id", st.BotID), slog.String("error", err.Error()))
			}
			continue
		}
		if err := m.reconcileState(ctx, bot, st); err != nil {
			m.log.Warn("state not advanced",
				slog.String("bot_id", st.BotID),
				slog.String("signal_id", st.SignalID),
				slog.String("status", st.Status),
				slog.String("error", err.Error()))
		}
	}

	if err := m.sweepTerminalExits(ctx); err != nil {
		m.log.Warn("terminal exit sweep failed", slog.String("error", err.Error()))
	}
	return m.sweepOrphans(ctx)
}

// sweepTerminalExits cancels protective orders still referenced by rows
// that went terminal without a completed settle (crash between the
// exchange cancel and the persist).
func (m *Monitor) sweepTerminalExits(ctx context.Context) error {
	states, err := m.store.ListTerminalOrderStatesWithExitIDs(ctx)
	if err != nil {
		return fmt.Errorf("list terminal states: %w", err)
	}

	botCache := make(map[string]*model.BotConfig)
	for i := range states {
		st := &states[i]
		bot, err := m.botFor(ctx, botCache, st.BotID)
		if err != nil || bot == nil {
			continue
		}
		if err := m.sweepTerminalState(ctx, bot, st); err != nil {
			m.log.Warn("lingering exit not cleared",
				slog.String("bot_id", st.BotID),
				slog.String("signal_id", st.SignalID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (m *Monitor) sweepTerminalState(ctx context.Context, bot *model.BotConfig, st *model.OrderState) error {
	unlock := m.locks.Lock(bot.ID)
	defer unlock()

	client, err := m.clients.ClientFor(ctx, bot)
	if err != nil {
		return err
	}
	for _, id := range []int64{st.TakeProfitOrderID, st.StopOrderID} {
		if id == 0 {
			continue
		}
		if err := client.CancelOrder(ctx, st.Symbol, id); err != nil && !exchange.IsOrderNotFound(err) {
			return fmt.Errorf("cancel lingering exit %d: %w", id, err)
		}
	}
	st.StopOrderID = 0
	st.TakeProfitOrderID = 0
	if err := m.store.UpdateOrderState(ctx, st); err != nil {
		return err
	}
	m.log.Info("lingering exit orders cleared",
		slog.String("bot_id", st.BotID),
		slog.String("signal_id", st.SignalID))
	return nil
}

func (m *Monitor) botFor(ctx context.Context, cache map[string]*model.BotConfig, id string) (*model.BotConfig, error) {
	if b, ok := cache[id]; ok {
		return b, nil
	}
	b, err := m.bots.GetBot(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = b
	return b, nil
}

func (m *Monitor) reconcileState(ctx context.Context, bot *model.BotConfig, st *model.OrderState) error {
	unlock := m.locks.Lock(bot.ID)
	defer unlock()

	// The executor may have moved the state while we waited for the lock.
	fresh, err := m.store.GetOrderState(ctx, st.BotID, st.SignalID)
	if err != nil {
		return err
	}
	if fresh == nil || model.IsTerminalStatus(fresh.Status) {
		return nil
	}
	st = fresh

	client, err := m.clients.ClientFor(ctx, bot)
	if err != nil {
		return err
	}

	switch st.Status {
	case model.StatusPending:
		return m.handlePending(ctx, client, bot, st)
	case model.StatusFilled:
		return m.handleFilled(ctx, client, bot, st)
	case model.StatusArmed:
		return m.handleArmed(ctx, client, bot, st)
	}
	return nil
}

// handlePending watches the entry leg. Any execution, even partial on a
// terminal order, promotes the state; an entry that vanished with nothing
// executed cancels it.
func (m *Monitor) handlePending(ctx context.Context, client exchange.TradingClient, bot *model.BotConfig, st *model.OrderState) error {
	order, err := client.GetOrder(ctx, st.Symbol, st.OrderID)
	if exchange.IsOrderNotFound(err) {
		return m.cancelAndSettle(ctx, client, st, "entry order vanished")
	}
	if err != nil {
		return err
	}

	if order.ExecutedQty.IsPositive() {
		st.FilledQuantity = order.ExecutedQty
		st.AvgFillPrice = order.AvgPrice
		st.Status = model.StatusFilled
		if err := m.persist(ctx, st); err != nil {
			return err
		}
		// Keep going; the legs may already be in place.
		return m.handleFilled(ctx, client, bot, st)
	}

	switch order.Status {
	case exchange.StatusCanceled, exchange.StatusExpired, exchange.StatusRejected:
		return m.cancelAndSettle(ctx, client, st, "entry "+strings.ToLower(order.Status))
	}
	return nil
}

// handleFilled verifies both protective legs exist, re-placing any that were
// lost (crash between placements, or exchange-side cancellation), then arms
// the state and opens the position record.
func (m *Monitor) handleFilled(ctx context.Context, client exchange.TradingClient, bot *model.BotConfig, st *model.OrderState) error {
	basis := st.AvgFillPrice
	if !basis.IsPositive() {
		basis = st.TriggerPrice
	}
	qty := st.FilledQuantity
	if !qty.IsPositive() {
		qty = st.Quantity
	}
	exitSide := exchange.SideSell
	if st.Side == model.SideShort {
		exitSide = exchange.SideBuy
	}

	if missing, err := m.legMissing(ctx, client, st.Symbol, st.StopOrderID); err != nil {
		return err
	} else if missing {
		order, err := m.placeLeg(ctx, client, bot, st, exchange.OrderRequest{
			Symbol:        st.Symbol,
			Side:          exitSide,
			Type:          exchange.TypeStopMarket,
			Quantity:      qty,
			StopPrice:     st.StopPrice,
			ReduceOnly:    true,
			ClientOrderID: bot.ClientIDPrefix() + "-sl-" + m.nonce(),
		})
		if err != nil {
			if exchange.IsWouldTrigger(err) {
				return m.failsafeClose(ctx, client, st, qty, exitSide)
			}
			return fmt.Errorf("restore stop leg: %w", err)
		}
		st.StopOrderID = order.OrderID
		// Record the fresh stop id before touching the TP leg; a failure
		// there must not leave this pass's stop unaccounted for, or the
		// next pass would place a second one.
		if err := m.persist(ctx, st); err != nil {
			return err
		}
	}

	if missing, err := m.legMissing(ctx, client, st.Symbol, st.TakeProfitOrderID); err != nil {
		return err
	} else if missing {
		filters, err := client.SymbolFilters(ctx, st.Symbol)
		if err != nil {
			return err
		}
		tp, err := filters.QuantizePrice(st.TakeProfitPrice(basis, bot.R()))
		if err != nil {
			return fmt.Errorf("take-profit price: %w", err)
		}
		order, err := m.placeLeg(ctx, client, bot, st, exchange.OrderRequest{
			Symbol:        st.Symbol,
			Side:          exitSide,
			Type:          exchange.TypeTakeProfitMarket,
			Quantity:      qty,
			StopPrice:     tp,
			ReduceOnly:    true,
			ClientOrderID: bot.ClientIDPrefix() + "-tp-" + m.nonce(),
		})
		if err != nil {
			if exchange.IsWouldTrigger(err) {
				return m.failsafeClose(ctx, client, st, qty, exitSide)
			}
			return fmt.Errorf("restore take-profit leg: %w", err)
		}
		st.TakeProfitOrderID = order.OrderID
	}

	st.Status = model.StatusArmed
	if err := m.persist(ctx, st); err != nil {
		return err
	}
	m.book.Open(st.ID, positionFromState(st, bot))
	return nil
}

// positionFromState rebuilds the in-memory position record from a stored
// state, falling back to signal prices when fill details are absent.
func positionFromState(st *model.OrderState, bot *model.BotConfig) model.Position {
	basis := st.AvgFillPrice
	if !basis.IsPositive() {
		basis = st.TriggerPrice
	}
	qty := st.FilledQuantity
	if !qty.IsPositive() {
		qty = st.Quantity
	}
	return model.Position{
		BotID:      st.BotID,
		Symbol:     st.Symbol,
		Side:       st.Side,
		EntryPrice: basis,
		Quantity:   qty,
		StopLoss:   st.StopPrice,
		TakeProfit: st.TakeProfitPrice(basis, bot.R()),
		OpenedAt:   time.Now().UTC(),
	}
}

// handleArmed waits for one protective leg to fill, then settles: record the
// exit price, cancel the surviving leg, close the position record. A flat
// exchange position with neither leg filled means the position was closed
// out of band; the state is cancelled and both legs removed.
func (m *Monitor) handleArmed(ctx context.Context, client exchange.TradingClient, bot *model.BotConfig, st *model.OrderState) error {
	// A restart loses the book; rebuild the record from the stored state.
	if _, ok := m.book.Get(st.ID); !ok {
		m.book.Open(st.ID, positionFromState(st, bot))
	}

	tpFilled, tpOrder, err := m.legFilled(ctx, client, st.Symbol, st.TakeProfitOrderID)
	if err != nil {
		return err
	}
	if tpFilled {
		return m.settleClose(ctx, client, st, tpOrder.AvgPrice, st.StopOrderID)
	}

	slFilled, slOrder, err := m.legFilled(ctx, client, st.Symbol, st.StopOrderID)
	if err != nil {
		return err
	}
	if slFilled {
		return m.settleClose(ctx, client, st, slOrder.AvgPrice, st.TakeProfitOrderID)
	}

	flat, err := m.positionFlat(ctx, client, st.Symbol)
	if err != nil {
		return err
	}
	if flat {
		return m.cancelAndSettle(ctx, client, st, "exchange position absent")
	}
	return nil
}

// legMissing reports whether a leg needs re-placing: no id recorded, or the
// exchange no longer knows the order.
func (m *Monitor) legMissing(ctx context.Context, client exchange.TradingClient, symbol string, orderID int64) (bool, error) {
	if orderID == 0 {
		return true, nil
	}
	o, err := client.GetOrder(ctx, symbol, orderID)
	if exchange.IsOrderNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	switch o.Status {
	case exchange.StatusCanceled, exchange.StatusExpired, exchange.StatusRejected:
		return true, nil
	}
	return false, nil
}

// legFilled reports whether an exit leg executed.
func (m *Monitor) legFilled(ctx context.Context, client exchange.TradingClient, symbol string, orderID int64) (bool, exchange.Order, error) {
	if orderID == 0 {
		return false, exchange.Order{}, nil
	}
	o, err := client.GetOrder(ctx, symbol, orderID)
	if exchange.IsOrderNotFound(err) {
		return false, exchange.Order{}, nil
	}
	if err != nil {
		return false, exchange.Order{}, err
	}
	return o.ExecutedQty.IsPositive() || o.Status == exchange.StatusFilled, o, nil
}

func (m *Monitor) placeLeg(ctx context.Context, client exchange.TradingClient, bot *model.BotConfig, st *model.OrderState, req exchange.OrderRequest) (exchange.Order, error) {
	order, err := client.PlaceOrder(ctx, req)
	if err != nil {
		return exchange.Order{}, err
	}
	m.log.Info("protective leg restored",
		slog.String("bot_id", bot.ID),
		slog.String("signal_id", st.SignalID),
		slog.String("type", req.Type),
		slog.Int64("order_id", order.OrderID))
	return order, nil
}

// failsafeClose flattens the position with a reduce-only market order when a
// protective leg cannot be restored because it would trigger immediately.
// Leaving the position unprotected is the one outcome never allowed.
func (m *Monitor) failsafeClose(ctx context.Context, client exchange.TradingClient, st *model.OrderState, qty decimal.Decimal, exitSide string) error {
	closeOrder, err := client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     st.Symbol,
		Side:       exitSide,
		Type:       exchange.TypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("failsafe market close: %w", err)
	}
	m.log.Warn("position force-closed, protective leg would trigger immediately",
		slog.String("bot_id", st.BotID),
		slog.String("signal_id", st.SignalID),
		slog.Int64("close_order_id", closeOrder.OrderID))

	if m.OnForceClose != nil {
		m.OnForceClose(st.BotID, st.Symbol)
	}
	if closeOrder.AvgPrice.IsPositive() {
		st.ExitPrice = closeOrder.AvgPrice
	}
	return m.cancelAndSettle(ctx, client, st, "failsafe close")
}

// settleClose finishes a position: record the exit, cancel the surviving
// leg, persist closed, drop the book entry.
func (m *Monitor) settleClose(ctx context.Context, client exchange.TradingClient, st *model.OrderState, exitPrice decimal.Decimal, otherLeg int64) error {
	if otherLeg != 0 {
		if err := client.CancelOrder(ctx, st.Symbol, otherLeg); err != nil && !exchange.IsOrderNotFound(err) {
			return fmt.Errorf("cancel surviving leg %d: %w", otherLeg, err)
		}
	}
	st.ExitPrice = exitPrice
	st.Status = model.StatusClosed
	st.StopOrderID = 0
	st.TakeProfitOrderID = 0
	if err := m.persist(ctx, st); err != nil {
		return err
	}
	m.book.Close(st.ID)
	if m.balances != nil {
		cred, env := botCredential(ctx, m.bots, st.BotID)
		m.balances.Invalidate(ctx, cred, env)
	}
	m.log.Info("position closed",
		slog.String("bot_id", st.BotID),
		slog.String("signal_id", st.SignalID),
		slog.String("exit_price", exitPrice.String()))
	return nil
}

// cancelAndSettle removes every live leg and marks the state cancelled.
func (m *Monitor) cancelAndSettle(ctx context.Context, client exchange.TradingClient, st *model.OrderState, reason string) error {
	for _, id := range []int64{st.TakeProfitOrderID, st.StopOrderID, st.OrderID} {
		if id == 0 {
			continue
		}
		if err := client.CancelOrder(ctx, st.Symbol, id); err != nil && !exchange.IsOrderNotFound(err) {
			return fmt.Errorf("cancel order %d: %w", id, err)
		}
	}
	st.Status = model.StatusCancelled
	st.StopOrderID = 0
	st.TakeProfitOrderID = 0
	if err := m.persist(ctx, st); err != nil {
		return err
	}
	m.book.Close(st.ID)
	m.log.Info("order state cancelled",
		slog.String("bot_id", st.BotID),
		slog.String("signal_id", st.SignalID),
		slog.String("reason", reason))
	return nil
}

// sweepOrphans cancels tagged orders that no active state accounts for.
// Protects against local state loss: an order trio whose database row is
// gone must not keep working blind.
func (m *Monitor) sweepOrphans(ctx context.Context) error {
	bots, err := m.bots.ListActiveBots(ctx)
	if err != nil {
		return fmt.Errorf("list bots for sweep: %w", err)
	}

	for i := range bots {
		bot := &bots[i]
		if err := m.sweepBot(ctx, bot); err != nil {
			m.log.Warn("orphan sweep failed",
				slog.String("bot_id", bot.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (m *Monitor) sweepBot(ctx context.Context, bot *model.BotConfig) error {
	unlock := m.locks.Lock(bot.ID)
	defer unlock()

	active, err := m.store.ListActiveOrderStatesByBot(ctx, bot.ID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return nil
	}

	client, err := m.clients.ClientFor(ctx, bot)
	if err != nil {
		return err
	}
	flat, err := m.positionFlat(ctx, client, bot.Symbol)
	if err != nil {
		return err
	}
	if !flat {
		// A live position with no state is not ours to flatten blindly.
		m.log.Warn("position open with no order state, leaving orders in place",
			slog.String("bot_id", bot.ID), slog.String("symbol", bot.Symbol))
		return nil
	}

	open, err := client.ListOpenOrders(ctx, bot.Symbol)
	if err != nil {
		return err
	}
	prefix := bot.ClientIDPrefix()
	for _, o := range open {
		// Only tagged protective legs are ours to sweep; an entry that
		// somehow survived without a state row is handled by operators.
		if !o.ReduceOnly || !strings.HasPrefix(o.ClientOrderID, prefix) {
			continue
		}
		if err := client.CancelOrder(ctx, bot.Symbol, o.OrderID); err != nil && !exchange.IsOrderNotFound(err) {
			return fmt.Errorf("cancel orphan %d: %w", o.OrderID, err)
		}
		m.log.Info("orphan order cancelled",
			slog.String("bot_id", bot.ID),
			slog.Int64("order_id", o.OrderID),
			slog.String("client_order_id", o.ClientOrderID))
	}
	return nil
}

func (m *Monitor) positionFlat(ctx context.Context, client exchange.TradingClient, symbol string) (bool, error) {
	positions, err := client.Positions(ctx, symbol)
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if !p.Amt.IsZero() {
			return false, nil
		}
	}
	return true, nil
}

func (m *Monitor) persist(ctx context.Context, st *model.OrderState) error {
	if err := m.store.UpdateOrderState(ctx, st); err != nil {
		return err
	}
	if m.OnTransition != nil {
		m.OnTransition(st)
	}
	return nil
}

func botCredential(ctx context.Context, bots model.BotStore, botID string) (credentialID, env string) {
	b, err := bots.GetBot(ctx, botID)
	if err != nil || b == nil {
		return "", ""
	}
	return b.CredentialID, b.Environment
}
