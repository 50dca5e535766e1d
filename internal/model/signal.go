package model

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// SignalVersion is the wire-format version stamped on every signal entry.
const SignalVersion = "1"

// Signal types.
const (
	SignalArm    = "arm"
	SignalDisarm = "disarm"
)

// Sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Signal is the tagged union carried on signal streams. The concrete types
// are ArmSignal and DisarmSignal, discriminated by Type().
type Signal interface {
	// Type returns "arm" or "disarm".
	Type() string

	// BarTS returns the close timestamp (ms) of the bar that produced the signal.
	BarTS() int64

	// Fields encodes the signal as a flat field map for the stream entry.
	Fields() map[string]interface{}
}

// ArmSignal asks executors to enter a position: place an entry order at
// Trigger with a protective stop at Stop.
type ArmSignal struct {
	Side    string
	Symbol  string
	TF      string
	TS      int64
	IndTS   int64
	IndHigh decimal.Decimal
	IndLow  decimal.Decimal
	Trigger decimal.Decimal
	Stop    decimal.Decimal
}

func (s ArmSignal) Type() string { return SignalArm }

func (s ArmSignal) BarTS() int64 { return s.TS }

// ID is the idempotency key for this signal: symbol, indicator candle and
// side uniquely identify one actionable entry level.
func (s ArmSignal) ID() string {
	return s.Symbol + ":" + strconv.FormatInt(s.IndTS, 10) + ":" + s.Side
}

func (s ArmSignal) Fields() map[string]interface{} {
	return map[string]interface{}{
		"v":        SignalVersion,
		"type":     SignalArm,
		"side":     s.Side,
		"sym":      s.Symbol,
		"tf":       s.TF,
		"ts":       strconv.FormatInt(s.TS, 10),
		"ind_ts":   strconv.FormatInt(s.IndTS, 10),
		"ind_high": s.IndHigh.String(),
		"ind_low":  s.IndLow.String(),
		"trigger":  s.Trigger.String(),
		"stop":     s.Stop.String(),
	}
}

// DisarmSignal asks executors to cancel pending work for the previous side.
type DisarmSignal struct {
	PrevSide string
	Symbol   string
	TF       string
	TS       int64
	Reason   string
}

func (s DisarmSignal) Type() string { return SignalDisarm }

func (s DisarmSignal) BarTS() int64 { return s.TS }

func (s DisarmSignal) Fields() map[string]interface{} {
	return map[string]interface{}{
		"v":         SignalVersion,
		"type":      SignalDisarm,
		"prev_side": s.PrevSide,
		"sym":       s.Symbol,
		"tf":        s.TF,
		"ts":        strconv.FormatInt(s.TS, 10),
		"reason":    s.Reason,
	}
}

// ParseSignal decodes a stream entry field map into the concrete signal type.
// Unknown versions, unknown types and missing fields fail loudly so a bad
// producer cannot silently feed executors garbage.
func ParseSignal(values map[string]interface{}) (Signal, error) {
	v, err := fieldString(values, "v")
	if err != nil {
		return nil, err
	}
	if v != SignalVersion {
		return nil, fmt.Errorf("unsupported signal version %q", v)
	}
	typ, err := fieldString(values, "type")
	if err != nil {
		return nil, err
	}

	switch typ {
	case SignalArm:
		var s ArmSignal
		if s.Side, err = fieldSide(values, "side"); err != nil {
			return nil, err
		}
		if s.Symbol, err = fieldString(values, "sym"); err != nil {
			return nil, err
		}
		if s.TF, err = fieldString(values, "tf"); err != nil {
			return nil, err
		}
		if s.TS, err = fieldInt(values, "ts"); err != nil {
			return nil, err
		}
		if s.IndTS, err = fieldInt(values, "ind_ts"); err != nil {
			return nil, err
		}
		if s.IndHigh, err = fieldDecimal(values, "ind_high"); err != nil {
			return nil, err
		}
		if s.IndLow, err = fieldDecimal(values, "ind_low"); err != nil {
			return nil, err
		}
		if s.Trigger, err = fieldDecimal(values, "trigger"); err != nil {
			return nil, err
		}
		if s.Stop, err = fieldDecimal(values, "stop"); err != nil {
			return nil, err
		}
		if !s.Trigger.IsPositive() {
			return nil, fmt.Errorf("arm signal %s: non-positive trigger %s", s.Symbol, s.Trigger)
		}
		return s, nil

	case SignalDisarm:
		var s DisarmSignal
		if s.PrevSide, err = fieldSide(values, "prev_side"); err != nil {
			return nil, err
		}
		if s.Symbol, err = fieldString(values, "sym"); err != nil {
			return nil, err
		}
		if s.TF, err = fieldString(values, "tf"); err != nil {
			return nil, err
		}
		if s.TS, err = fieldInt(values, "ts"); err != nil {
			return nil, err
		}
		if s.Reason, err = fieldString(values, "reason"); err != nil {
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown signal type %q", typ)
	}
}

func fieldSide(values map[string]interface{}, key string) (string, error) {
	s, err := fieldString(values, key)
	if err != nil {
		return "", err
	}
	if s != SideLong && s != SideShort {
		return "", fmt.Errorf("field %q: invalid side %q", key, s)
	}
	return s, nil
}
