package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"perptrader/internal/model"
)

// KlineFetcher fetches recent closed 1m bars over REST. Satisfied by
// BinanceKlines; faked in tests.
type KlineFetcher interface {
	Klines1m(ctx context.Context, symbol string, limit int) ([]model.Candle, error)
}

// BinanceKlines fetches klines from the futures REST API.
type BinanceKlines struct {
	client *futures.Client
}

// NewBinanceKlines wraps a futures client. Kline endpoints are public, so
// the client needs no credentials.
func NewBinanceKlines(restBase string) *BinanceKlines {
	client := futures.NewClient("", "")
	if restBase != "" {
		client.BaseURL = restBase
	}
	return &BinanceKlines{client: client}
}

// Klines1m returns up to limit closed 1m bars in ascending time order.
// A still-forming final kline is dropped.
func (b *BinanceKlines) Klines1m(ctx context.Context, symbol string, limit int) ([]model.Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval("1m").
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, err)
	}

	now := time.Now().UnixMilli()
	out := make([]model.Candle, 0, len(klines))
	for _, k := range klines {
		closeTS := k.OpenTime + 60_000
		if closeTS > now {
			continue // forming bar
		}
		c, err := candleFromRESTKline(symbol, closeTS, k)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func candleFromRESTKline(symbol string, closeTS int64, k *futures.Kline) (model.Candle, error) {
	o, err := decimal.NewFromString(k.Open)
	if err != nil {
		return model.Candle{}, fmt.Errorf("kline %s ts=%d open: %w", symbol, closeTS, err)
	}
	h, err := decimal.NewFromString(k.High)
	if err != nil {
		return model.Candle{}, fmt.Errorf("kline %s ts=%d high: %w", symbol, closeTS, err)
	}
	l, err := decimal.NewFromString(k.Low)
	if err != nil {
		return model.Candle{}, fmt.Errorf("kline %s ts=%d low: %w", symbol, closeTS, err)
	}
	c, err := decimal.NewFromString(k.Close)
	if err != nil {
		return model.Candle{}, fmt.Errorf("kline %s ts=%d close: %w", symbol, closeTS, err)
	}
	v, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return model.Candle{}, fmt.Errorf("kline %s ts=%d volume: %w", symbol, closeTS, err)
	}
	return model.Candle{
		Symbol:  symbol,
		TF:      model.TF1m,
		CloseTS: closeTS,
		Open:    o,
		High:    h,
		Low:     l,
		Close:   c,
		Volume:  v,
		Trades:  k.TradeNum,
	}, nil
}
