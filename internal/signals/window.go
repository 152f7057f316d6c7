package signals

import (
	"time"

	"github.com/shopspring/decimal"

	"polywatch/internal/models"
)

// MarketWindow holds the most recent trades for one market, bounded by
// count and span. Triggers read it as the state preceding the trade
// under evaluation; the worker appends the trade afterwards.
type MarketWindow struct {
	maxTrades int
	span      time.Duration
	trades    []models.Trade
}

func NewMarketWindow(maxTrades int, span time.Duration) *MarketWindow {
	if maxTrades <= 0 {
		maxTrades = 50
	}
	if span <= 0 {
		span = 10 * time.Minute
	}
	return &MarketWindow{maxTrades: maxTrades, span: span}
}

func (w *MarketWindow) Add(trade models.Trade) {
	if w == nil {
		return
	}
	w.trades = append(w.trades, trade)
	w.prune(trade.TradedAt)
}

func (w *MarketWindow) prune(latest time.Time) {
	cutoff := latest.Add(-w.span)
	start := 0
	for start < len(w.trades) && w.trades[start].TradedAt.Before(cutoff) {
		start++
	}
	if excess := len(w.trades) - start - w.maxTrades; excess > 0 {
		start += excess
	}
	if start > 0 {
		w.trades = append(w.trades[:0], w.trades[start:]...)
	}
}

func (w *MarketWindow) Len() int {
	if w == nil {
		return 0
	}
	return len(w.trades)
}

// BaselinePrice averages the last n trade prices. ok is false when the
// window holds fewer than min trades.
func (w *MarketWindow) BaselinePrice(n, min int) (decimal.Decimal, bool) {
	if w == nil || len(w.trades) < min || min <= 0 {
		return decimal.Zero, false
	}
	if n > len(w.trades) {
		n = len(w.trades)
	}
	sum := decimal.Zero
	for _, trade := range w.trades[len(w.trades)-n:] {
		sum = sum.Add(trade.Price)
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true
}

// CountByWalletSide counts trades by one wallet on one side at or
// after since.
func (w *MarketWindow) CountByWalletSide(wallet, side string, since time.Time) int {
	if w == nil {
		return 0
	}
	count := 0
	for _, trade := range w.trades {
		if trade.TradedAt.Before(since) {
			continue
		}
		if trade.Wallet == wallet && trade.Side == side {
			count++
		}
	}
	return count
}

// NotionalByWalletSide sums per-wallet notional for one side at or
// after since.
func (w *MarketWindow) NotionalByWalletSide(side string, since time.Time) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{}
	if w == nil {
		return out
	}
	for _, trade := range w.trades {
		if trade.TradedAt.Before(since) || trade.Side != side {
			continue
		}
		out[trade.Wallet] = out[trade.Wallet].Add(trade.Notional)
	}
	return out
}
