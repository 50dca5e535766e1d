package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perptrader/internal/exchange"
	"perptrader/internal/logger"
	"perptrader/internal/model"
)

// clientProvider hands out an authenticated trading client for a bot.
// Implemented by exchange.Factory.
type clientProvider interface {
	ClientFor(ctx context.Context, bot *model.BotConfig) (exchange.TradingClient, error)
}

// Config holds the executor safety thresholds, in basis points.
type Config struct {
	// MaxSpreadBps rejects entries whose trigger-to-stop distance is
	// thinner than this fraction of the trigger price.
	MaxSpreadBps int
	// MaxMarkDriftBps rejects entries whose trigger or stop sits on the
	// wrong side of the mark price by more than this.
	MaxMarkDriftBps int
}

// Executor places the entry/stop/take-profit trio for ARM signals and
// unwinds pending work on DISARM. Every outcome, success or failure, is
// persisted as an OrderState; ExecuteArm only returns an error when the
// state itself could not be recorded.
type Executor struct {
	clients  clientProvider
	store    model.OrderStateStore
	balances *BalanceValidator
	locks    *BotLocks
	log      *slog.Logger

	maxSpread decimal.Decimal
	maxDrift  decimal.Decimal

	// nonce feeds client-order-id suffixes; overridable in tests.
	nonce func() string

	// OnOutcome fires with the persisted status of each ARM execution.
	OnOutcome func(status string)
	// OnAuthFailure fires when the exchange rejects a bot's credentials.
	OnAuthFailure func(botID string, err error)
	// OnPlacement fires with the wall time of each trio successfully placed.
	OnPlacement func(d time.Duration)
}

// New creates an executor. locks may be shared with the monitor.
func New(clients clientProvider, store model.OrderStateStore, balances *BalanceValidator, locks *BotLocks, cfg Config, log *slog.Logger) *Executor {
	if cfg.MaxSpreadBps <= 0 {
		cfg.MaxSpreadBps = 5
	}
	if cfg.MaxMarkDriftBps <= 0 {
		cfg.MaxMarkDriftBps = 15
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		clients:   clients,
		store:     store,
		balances:  balances,
		locks:     locks,
		log:       log,
		maxSpread: bpsToFraction(cfg.MaxSpreadBps),
		maxDrift:  bpsToFraction(cfg.MaxMarkDriftBps),
		nonce: func() string {
			return strconv.FormatInt(time.Now().UnixMilli(), 36)
		},
	}
}

func bpsToFraction(bps int) decimal.Decimal {
	return decimal.NewFromInt(int64(bps)).Div(decimal.NewFromInt(10_000))
}

// ExecuteArm runs the full ARM pipeline for one bot: size, quantize, gate,
// prep, place the trio, persist. The returned state is already persisted.
func (e *Executor) ExecuteArm(ctx context.Context, bot *model.BotConfig, sig model.ArmSignal) (*model.OrderState, error) {
	start := time.Now()
	unlock := e.locks.Lock(bot.ID)
	defer unlock()

	// A state for this (bot, signal) means a redelivery; hand back what we
	// already did.
	if existing, err := e.store.GetOrderState(ctx, bot.ID, sig.ID()); err != nil {
		return nil, fmt.Errorf("dedupe lookup: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	st := &model.OrderState{
		BotID:        bot.ID,
		SignalID:     sig.ID(),
		Status:       model.StatusPending,
		Side:         sig.Side,
		Symbol:       sig.Symbol,
		TriggerPrice: sig.Trigger,
		StopPrice:    sig.Stop,
	}

	client, err := e.clients.ClientFor(ctx, bot)
	if err != nil {
		return e.finish(ctx, st, model.StatusFailed, "exchange client", err)
	}

	filters, err := client.SymbolFilters(ctx, sig.Symbol)
	if err != nil {
		return e.finish(ctx, st, statusForError(err), "symbol filters", err)
	}

	trigger, err := filters.QuantizePrice(sig.Trigger)
	if err != nil {
		return e.finish(ctx, st, model.StatusFailed, "quantize trigger", err)
	}
	stop, err := filters.QuantizePrice(sig.Stop)
	if err != nil {
		return e.finish(ctx, st, model.StatusFailed, "quantize stop", err)
	}
	st.TriggerPrice = trigger
	st.StopPrice = stop

	if err := e.checkSpread(trigger, stop); err != nil {
		return e.finish(ctx, st, model.StatusFailed, "spread gate", err)
	}
	if err := e.checkMarkDrift(ctx, client, sig.Side, sig.Symbol, trigger, stop); err != nil {
		return e.finish(ctx, st, model.StatusFailed, "mark drift gate", err)
	}

	balance, err := e.balances.Available(ctx, bot.CredentialID, bot.Environment, client)
	if err != nil {
		return e.finish(ctx, st, statusForError(err), "balance", err)
	}

	notional, err := TargetNotional(bot, balance)
	if err != nil {
		return e.finish(ctx, st, model.StatusFailed, "sizing", err)
	}
	raw, err := RawQuantity(notional, trigger)
	if err != nil {
		return e.finish(ctx, st, model.StatusFailed, "sizing", err)
	}
	qty, err := filters.QuantizeQty(raw, trigger)
	if err != nil {
		return e.finish(ctx, st, model.StatusFailed, "quantize quantity", err)
	}
	st.Quantity = qty

	// The min-notional lift can push the position past what the account
	// can margin; skip rather than let the exchange reject it.
	if RequiredMargin(qty, trigger, bot.Leverage).GreaterThan(balance) {
		return e.finish(ctx, st, model.StatusSkippedLowBalance, "margin check",
			fmt.Errorf("margin for qty %s at %s exceeds balance %s", qty, trigger, balance))
	}

	if err := e.prep(ctx, client, bot, sig.Symbol); err != nil {
		return e.finish(ctx, st, statusForError(err), "prep", err)
	}

	if err := e.placeTrio(ctx, client, filters, bot, sig, st, trigger, stop, qty); err != nil {
		e.balances.Invalidate(ctx, bot.CredentialID, bot.Environment)
		return e.finish(ctx, st, statusForError(err), "place trio", err)
	}

	e.balances.Invalidate(ctx, bot.CredentialID, bot.Environment)
	if err := e.persist(ctx, st); err != nil {
		return nil, err
	}
	if e.OnPlacement != nil {
		e.OnPlacement(time.Since(start))
	}
	e.log.Info("order trio placed",
		append(logger.LogWithTrace(ctx),
			slog.String("bot_id", bot.ID),
			slog.String("signal_id", st.SignalID),
			slog.String("qty", qty.String()),
			slog.Int64("order_id", st.OrderID))...)
	return st, nil
}

// checkSpread rejects setups where stop and trigger are so close that fees
// and slippage dominate.
func (e *Executor) checkSpread(trigger, stop decimal.Decimal) error {
	spread := trigger.Sub(stop).Abs().Div(trigger)
	if spread.LessThan(e.maxSpread) {
		return fmt.Errorf("trigger-stop spread %s below minimum %s", spread, e.maxSpread)
	}
	return nil
}

// checkMarkDrift rejects entries whose trigger or stop has drifted to the
// wrong side of the current mark price. A zero mark (dry run) disables the
// gate.
func (e *Executor) checkMarkDrift(ctx context.Context, client exchange.TradingClient, side, symbol string, trigger, stop decimal.Decimal) error {
	mark, err := client.MarkPrice(ctx, symbol)
	if err != nil || !mark.IsPositive() {
		return nil
	}

	lower := mark.Mul(one.Sub(e.maxDrift))
	upper := mark.Mul(one.Add(e.maxDrift))
	switch side {
	case model.SideLong:
		// Long triggers sit above mark, stops below.
		if trigger.LessThan(lower) {
			return fmt.Errorf("trigger %s below mark %s beyond drift bound", trigger, mark)
		}
		if stop.GreaterThan(upper) {
			return fmt.Errorf("stop %s above mark %s beyond drift bound", stop, mark)
		}
	case model.SideShort:
		if trigger.GreaterThan(upper) {
			return fmt.Errorf("trigger %s above mark %s beyond drift bound", trigger, mark)
		}
		if stop.LessThan(lower) {
			return fmt.Errorf("stop %s below mark %s beyond drift bound", stop, mark)
		}
	}
	return nil
}

// prep cancels this bot's stale tagged orders on the symbol and applies the
// configured leverage before any new placement.
func (e *Executor) prep(ctx context.Context, client exchange.TradingClient, bot *model.BotConfig, symbol string) error {
	open, err := client.ListOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	prefix := bot.ClientIDPrefix()
	for _, o := range open {
		if !strings.HasPrefix(o.ClientOrderID, prefix) {
			continue
		}
		if err := client.CancelOrder(ctx, symbol, o.OrderID); err != nil && !exchange.IsOrderNotFound(err) {
			return fmt.Errorf("cancel stale order %d: %w", o.OrderID, err)
		}
	}
	if err := client.SetLeverage(ctx, symbol, bot.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	return nil
}

// placeTrio places entry, stop and take-profit in order. Any leg failure
// rolls back the legs already placed, newest first, so no partial trio is
// ever left working.
func (e *Executor) placeTrio(ctx context.Context, client exchange.TradingClient, filters exchange.SymbolFilters, bot *model.BotConfig, sig model.ArmSignal, st *model.OrderState, trigger, stop, qty decimal.Decimal) error {
	entrySide, exitSide := exchange.SideBuy, exchange.SideSell
	if sig.Side == model.SideShort {
		entrySide, exitSide = exchange.SideSell, exchange.SideBuy
	}
	prefix := bot.ClientIDPrefix()
	nonce := e.nonce()

	entry, err := client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          entrySide,
		Type:          exchange.TypeLimit,
		TimeInForce:   exchange.TimeInForceGTC,
		Quantity:      qty,
		Price:         trigger,
		ClientOrderID: prefix + "-en-" + nonce,
	})
	if err != nil {
		return fmt.Errorf("entry leg: %w", err)
	}
	st.OrderID = entry.OrderID

	stopOrder, err := client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          exitSide,
		Type:          exchange.TypeStopMarket,
		Quantity:      qty,
		StopPrice:     stop,
		ReduceOnly:    true,
		ClientOrderID: prefix + "-sl-" + nonce,
	})
	if err != nil {
		e.rollback(ctx, client, sig.Symbol, entry.OrderID)
		st.OrderID = 0
		return fmt.Errorf("stop leg: %w", err)
	}
	st.StopOrderID = stopOrder.OrderID

	tp, err := filters.QuantizePrice(st.TakeProfitPrice(trigger, bot.R()))
	if err != nil {
		e.rollback(ctx, client, sig.Symbol, stopOrder.OrderID, entry.OrderID)
		st.OrderID, st.StopOrderID = 0, 0
		return fmt.Errorf("take-profit price: %w", err)
	}

	tpOrder, err := client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          exitSide,
		Type:          exchange.TypeTakeProfitMarket,
		Quantity:      qty,
		StopPrice:     tp,
		ReduceOnly:    true,
		ClientOrderID: prefix + "-tp-" + nonce,
	})
	if err != nil {
		e.rollback(ctx, client, sig.Symbol, stopOrder.OrderID, entry.OrderID)
		st.OrderID, st.StopOrderID = 0, 0
		return fmt.Errorf("take-profit leg: %w", err)
	}
	st.TakeProfitOrderID = tpOrder.OrderID
	return nil
}

// rollback cancels already-placed legs, newest first. Not-found means the
// leg is already gone, which is the goal.
func (e *Executor) rollback(ctx context.Context, client exchange.TradingClient, symbol string, orderIDs ...int64) {
	for _, id := range orderIDs {
		if id == 0 {
			continue
		}
		if err := client.CancelOrder(ctx, symbol, id); err != nil && !exchange.IsOrderNotFound(err) {
			e.log.Error("rollback cancel failed",
				append(logger.LogWithTrace(ctx),
					slog.String("symbol", symbol),
					slog.Int64("order_id", id),
					slog.String("error", err.Error()))...)
		}
	}
}

// HandleDisarm cancels this bot's pending entries for the disarmed side.
// Filled and armed states stay with the monitor; a DISARM never touches an
// open position.
func (e *Executor) HandleDisarm(ctx context.Context, bot *model.BotConfig, sig model.DisarmSignal) error {
	unlock := e.locks.Lock(bot.ID)
	defer unlock()

	states, err := e.store.ListActiveOrderStatesByBot(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("list active states: %w", err)
	}

	var client exchange.TradingClient
	var errs []error
	for i := range states {
		st := &states[i]
		if st.Status != model.StatusPending || st.Symbol != sig.Symbol || st.Side != sig.PrevSide {
			continue
		}
		if client == nil {
			if client, err = e.clients.ClientFor(ctx, bot); err != nil {
				return fmt.Errorf("exchange client: %w", err)
			}
		}
		if err := e.cancelState(ctx, client, st); err != nil {
			errs = append(errs, err)
			continue
		}
		st.Status = model.StatusCancelled
		if err := e.store.UpdateOrderState(ctx, st); err != nil {
			errs = append(errs, err)
		} else {
			e.log.Info("pending entry disarmed",
				append(logger.LogWithTrace(ctx),
					slog.String("bot_id", bot.ID),
					slog.String("signal_id", st.SignalID),
					slog.String("reason", sig.Reason))...)
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) cancelState(ctx context.Context, client exchange.TradingClient, st *model.OrderState) error {
	for _, id := range []int64{st.TakeProfitOrderID, st.StopOrderID, st.OrderID} {
		if id == 0 {
			continue
		}
		if err := client.CancelOrder(ctx, st.Symbol, id); err != nil && !exchange.IsOrderNotFound(err) {
			return fmt.Errorf("cancel order %d: %w", id, err)
		}
	}
	return nil
}

// finish records a terminal outcome. The original failure is logged, not
// returned; callers only see persistence problems.
func (e *Executor) finish(ctx context.Context, st *model.OrderState, status, stage string, cause error) (*model.OrderState, error) {
	st.Status = status
	e.log.Warn("arm signal not executed",
		append(logger.LogWithTrace(ctx),
			slog.String("bot_id", st.BotID),
			slog.String("signal_id", st.SignalID),
			slog.String("status", status),
			slog.String("stage", stage),
			slog.String("error", cause.Error()))...)
	if e.OnAuthFailure != nil && exchange.KindOf(cause) == exchange.KindAuth {
		e.OnAuthFailure(st.BotID, cause)
	}
	if err := e.persist(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (e *Executor) persist(ctx context.Context, st *model.OrderState) error {
	err := e.store.CreateOrderState(ctx, st)
	if errors.Is(err, model.ErrDuplicateOrderState) {
		existing, gerr := e.store.GetOrderState(ctx, st.BotID, st.SignalID)
		if gerr == nil && existing != nil {
			*st = *existing
			return nil
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("persist order state: %w", err)
	}
	// Redelivered signals reuse the stored state above and are not counted
	// twice.
	if e.OnOutcome != nil {
		e.OnOutcome(st.Status)
	}
	return nil
}

// statusForError maps the exchange error taxonomy onto a terminal status.
func statusForError(err error) string {
	if exchange.KindOf(err) == exchange.KindInsufficientBalance {
		return model.StatusSkippedLowBalance
	}
	return model.StatusFailed
}
