// Package stream is the Redis stream bus shared by the market data and
// trading engines. Keys are hash-tagged on "{SYMBOL:TF}" so every key for
// one symbol+timeframe lands on the same cluster slot.
package stream

import "strconv"

// KeyCandles is the candle stream for one symbol+timeframe,
// e.g. "market.{BTCUSDT:1m}".
func KeyCandles(symbol, tf string) string {
	return "market.{" + symbol + ":" + tf + "}"
}

// KeyIndicators is the per-bar indicator stream, e.g. "ind.{BTCUSDT:2m}".
func KeyIndicators(symbol, tf string) string {
	return "ind.{" + symbol + ":" + tf + "}"
}

// KeySignals is the signal stream executors consume, e.g. "signal.{BTCUSDT:2m}".
func KeySignals(symbol, tf string) string {
	return "signal.{" + symbol + ":" + tf + "}"
}

// KeySnapshot holds the latest indicator state as a hash, overwritten per bar.
func KeySnapshot(symbol, tf string) string {
	return "snap.{" + symbol + ":" + tf + "}"
}

// KeyBotIndex is the set of bot ids subscribed to a symbol.
func KeyBotIndex(symbol string) string {
	return "idx.bots.{" + symbol + "}"
}

// KeyWorkerOffset stores the calculator's last-processed entry id per stream.
func KeyWorkerOffset(stream string) string {
	return "worker.offset." + stream
}

// KeyHeartbeat is the liveness key one service refreshes with a TTL.
func KeyHeartbeat(service string) string {
	return "hb." + service
}

// KeyCandleSeen is the dedup marker for one closed candle.
func KeyCandleSeen(symbol, tf string, closeTS int64) string {
	return "seen.{" + symbol + ":" + tf + "}." + strconv.FormatInt(closeTS, 10)
}

// KeyDispatchLedger is the idempotency marker for one (bot, signal entry)
// dispatch.
func KeyDispatchLedger(botID, entryID string) string {
	return "ledger." + botID + "." + entryID
}

// KeyBalanceCache caches the available balance for one credential on one
// environment. Testnet and mainnet balances for the same key must not mix.
func KeyBalanceCache(credentialID, env string) string {
	return "bal." + credentialID + "." + env
}

// EntryID builds an explicit stream entry id "<barTS>-<seq>". Candle and
// indicator entries use seq 0; signal batches count up from 1 in emit order.
func EntryID(barTS int64, seq int64) string {
	return strconv.FormatInt(barTS, 10) + "-" + strconv.FormatInt(seq, 10)
}
