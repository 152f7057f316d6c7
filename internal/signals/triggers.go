package signals

import (
	"time"

	"github.com/shopspring/decimal"

	"polywatch/internal/models"
)

// FreshWalletBigSizeTrigger fires when a wallet first seen within
// MaxAge places a trade of at least MinNotional.
type FreshWalletBigSizeTrigger struct {
	MaxAge      time.Duration
	MinNotional decimal.Decimal
}

func (t *FreshWalletBigSizeTrigger) Kind() string { return KindFreshWalletBigSize }

func (t *FreshWalletBigSizeTrigger) Evaluate(tc Context, trade models.Trade) (Result, bool) {
	if trade.Notional.LessThan(t.MinNotional) {
		return Result{}, false
	}
	maxAge := t.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	fresh := tc.Wallet == nil || trade.TradedAt.Sub(tc.Wallet.FirstSeenAt) <= maxAge
	if !fresh {
		return Result{}, false
	}
	return Result{
		Severity: models.SeverityHigh,
		Value:    trade.Notional,
		Details: map[string]any{
			"notional": trade.Notional.String(),
			"side":     trade.Side,
		},
	}, true
}

// LowActivityBigSizeTrigger fires when an established but quiet wallet
// (at most MaxTrades in the lookback window) places a big trade.
type LowActivityBigSizeTrigger struct {
	FreshMaxAge time.Duration
	MaxTrades   int64
	MinNotional decimal.Decimal
}

func (t *LowActivityBigSizeTrigger) Kind() string { return KindLowActivityBigSize }

func (t *LowActivityBigSizeTrigger) Evaluate(tc Context, trade models.Trade) (Result, bool) {
	if tc.Wallet == nil || trade.Notional.LessThan(t.MinNotional) {
		return Result{}, false
	}
	freshMaxAge := t.FreshMaxAge
	if freshMaxAge <= 0 {
		freshMaxAge = 24 * time.Hour
	}
	if trade.TradedAt.Sub(tc.Wallet.FirstSeenAt) <= freshMaxAge {
		// Fresh wallets belong to the fresh-wallet trigger.
		return Result{}, false
	}
	if tc.RecentWalletTrades > t.MaxTrades {
		return Result{}, false
	}
	return Result{
		Severity: models.SeverityMedium,
		Value:    trade.Notional,
		Details: map[string]any{
			"notional":      trade.Notional.String(),
			"recent_trades": tc.RecentWalletTrades,
		},
	}, true
}

// RepeatEntriesTrigger fires when one wallet keeps entering the same
// market on the same side within Window.
type RepeatEntriesTrigger struct {
	MinEntries int
	Window     time.Duration
}

func (t *RepeatEntriesTrigger) Kind() string { return KindRepeatEntries }

func (t *RepeatEntriesTrigger) Evaluate(tc Context, trade models.Trade) (Result, bool) {
	if tc.Window == nil || t.MinEntries <= 0 {
		return Result{}, false
	}
	since := trade.TradedAt.Add(-t.Window)
	entries := tc.Window.CountByWalletSide(trade.Wallet, trade.Side, since) + 1
	if entries < t.MinEntries {
		return Result{}, false
	}
	return Result{
		Severity: models.SeverityMedium,
		Value:    decimal.NewFromInt(int64(entries)),
		Details: map[string]any{
			"entries": entries,
			"side":    trade.Side,
		},
	}, true
}

// ThinMarketImpactTrigger fires when a sizable trade lands far from
// the recent price baseline.
type ThinMarketImpactTrigger struct {
	Deviation   decimal.Decimal
	MinNotional decimal.Decimal
	Baseline    int
}

func (t *ThinMarketImpactTrigger) Kind() string { return KindThinMarketImpact }

func (t *ThinMarketImpactTrigger) Evaluate(tc Context, trade models.Trade) (Result, bool) {
	if tc.Window == nil || trade.Notional.LessThan(t.MinNotional) {
		return Result{}, false
	}
	baselineN := t.Baseline
	if baselineN <= 0 {
		baselineN = 10
	}
	baseline, ok := tc.Window.BaselinePrice(baselineN, 3)
	if !ok {
		return Result{}, false
	}
	deviation := trade.Price.Sub(baseline).Abs()
	if deviation.LessThan(t.Deviation) {
		return Result{}, false
	}
	return Result{
		Severity: models.SeverityHigh,
		Value:    deviation,
		Details: map[string]any{
			"baseline":  baseline.String(),
			"price":     trade.Price.String(),
			"deviation": deviation.String(),
		},
	}, true
}

// ClusteringTrigger fires when several wallets pile onto the same side
// of a market within Window, each with at least MinNotional.
type ClusteringTrigger struct {
	MinWallets  int
	Window      time.Duration
	MinNotional decimal.Decimal
}

func (t *ClusteringTrigger) Kind() string { return KindClustering }

func (t *ClusteringTrigger) Evaluate(tc Context, trade models.Trade) (Result, bool) {
	if tc.Window == nil || t.MinWallets <= 0 {
		return Result{}, false
	}
	since := trade.TradedAt.Add(-t.Window)
	byWallet := tc.Window.NotionalByWalletSide(trade.Side, since)
	byWallet[trade.Wallet] = byWallet[trade.Wallet].Add(trade.Notional)
	wallets := 0
	for _, notional := range byWallet {
		if notional.GreaterThanOrEqual(t.MinNotional) {
			wallets++
		}
	}
	if wallets < t.MinWallets {
		return Result{}, false
	}
	return Result{
		Severity: models.SeverityMedium,
		Value:    decimal.NewFromInt(int64(wallets)),
		Details: map[string]any{
			"wallets": wallets,
			"side":    trade.Side,
		},
	}, true
}

// EarlyPositioningTrigger fires when a historically accurate wallet
// takes a position.
type EarlyPositioningTrigger struct {
	MinWinRate  float64
	MinResolved int64
	MinNotional decimal.Decimal
}

func (t *EarlyPositioningTrigger) Kind() string { return KindEarlyPositioning }

func (t *EarlyPositioningTrigger) Evaluate(tc Context, trade models.Trade) (Result, bool) {
	if tc.Wallet == nil || trade.Notional.LessThan(t.MinNotional) {
		return Result{}, false
	}
	if tc.Wallet.ResolvedTrades < t.MinResolved || tc.Wallet.WinRate < t.MinWinRate {
		return Result{}, false
	}
	return Result{
		Severity: models.SeverityHigh,
		Value:    decimal.NewFromFloat(tc.Wallet.WinRate),
		Details: map[string]any{
			"win_rate":        tc.Wallet.WinRate,
			"resolved_trades": tc.Wallet.ResolvedTrades,
			"notional":        trade.Notional.String(),
		},
	}, true
}
