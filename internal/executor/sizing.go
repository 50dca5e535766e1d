package executor

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"perptrader/internal/model"
)

// ErrNoSizingRule means the bot config has neither a fixed notional nor a
// balance percentage to size from.
var ErrNoSizingRule = errors.New("bot has no sizing rule configured")

var one = decimal.NewFromInt(1)

// TargetNotional computes the USDT notional to deploy for one entry.
// A positive fixed notional wins; otherwise the balance percentage,
// clamped to [0, 1], is applied to the available balance. The result is
// capped by the bot's max position when that cap is positive.
func TargetNotional(bot *model.BotConfig, balance decimal.Decimal) (decimal.Decimal, error) {
	var notional decimal.Decimal
	switch {
	case bot.FixedNotional.IsPositive():
		notional = bot.FixedNotional
	case bot.UseBalancePct:
		notional = balance.Mul(clamp01(bot.BalancePct))
	default:
		return decimal.Zero, ErrNoSizingRule
	}

	if bot.MaxPositionUSDT.IsPositive() && notional.GreaterThan(bot.MaxPositionUSDT) {
		notional = bot.MaxPositionUSDT
	}
	if !notional.IsPositive() {
		return decimal.Zero, fmt.Errorf("target notional %s not positive", notional)
	}
	return notional, nil
}

// RawQuantity converts a notional into a base-asset quantity at the
// trigger price, before exchange filters are applied.
func RawQuantity(notional, trigger decimal.Decimal) (decimal.Decimal, error) {
	if !trigger.IsPositive() {
		return decimal.Zero, fmt.Errorf("trigger price %s not positive", trigger)
	}
	return notional.Div(trigger), nil
}

// RequiredMargin is the initial margin a position of qty at price consumes
// under the given leverage.
func RequiredMargin(qty, price decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 0 {
		leverage = 1
	}
	return qty.Mul(price).Div(decimal.NewFromInt(int64(leverage)))
}

func clamp01(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(one) {
		return one
	}
	return d
}
