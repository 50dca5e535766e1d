package exchange

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/adshao/go-binance/v2/common"
)

// Kind buckets exchange failures into retry policies.
type Kind string

const (
	KindBadRequest          Kind = "bad_request"
	KindAuth                Kind = "auth"
	KindRateLimit           Kind = "rate_limit"
	KindExchangeDown        Kind = "exchange_down"
	KindOrderNotFound       Kind = "order_not_found"
	KindInsufficientBalance Kind = "insufficient_balance"
)

// Error is a classified exchange failure.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "place order"
	Code int64  // exchange error code, 0 for transport failures
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure class is worth retrying.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindExchangeDown
}

// KindOf extracts the classified kind, or "" for unclassified errors.
func KindOf(err error) Kind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// IsOrderNotFound reports whether err means the order no longer exists.
// Cancelling a vanished order is treated as success by callers.
func IsOrderNotFound(err error) bool {
	return KindOf(err) == KindOrderNotFound
}

// IsWouldTrigger reports whether a stop placement was rejected because it
// would execute immediately. The monitor's failsafe path keys off this.
func IsWouldTrigger(err error) bool {
	var ae *common.APIError
	if errors.As(err, &ae) {
		return ae.Code == -2021 || strings.Contains(strings.ToLower(ae.Message), "would immediately trigger")
	}
	return false
}

// Classify maps a raw SDK error onto the taxonomy.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var ae *common.APIError
	if errors.As(err, &ae) {
		return &Error{Kind: kindForCode(ae), Op: op, Code: ae.Code, Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return &Error{Kind: KindExchangeDown, Op: op, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "eof"):
		return &Error{Kind: KindExchangeDown, Op: op, Err: err}
	}
	return &Error{Kind: KindBadRequest, Op: op, Err: err}
}

func kindForCode(ae *common.APIError) Kind {
	switch ae.Code {
	case -2011, -2013: // unknown order / order does not exist
		return KindOrderNotFound
	case -2018, -2019: // balance insufficient / margin insufficient
		return KindInsufficientBalance
	case -1003, -1015: // too many requests / too many orders
		return KindRateLimit
	case -1022, -2014, -2015: // bad signature / bad api key / key-ip-permission
		return KindAuth
	case -1001, -1007: // internal error / timeout waiting for backend
		return KindExchangeDown
	}
	if ae.Code <= -500 && ae.Code > -600 { // 5xx mapped by the SDK
		return KindExchangeDown
	}
	return KindBadRequest
}
