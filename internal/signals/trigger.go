package signals

import (
	"github.com/shopspring/decimal"

	"polywatch/internal/config"
	"polywatch/internal/models"
)

const (
	KindFreshWalletBigSize = "fresh_wallet_big_size"
	KindLowActivityBigSize = "low_activity_big_size"
	KindRepeatEntries      = "repeat_entries"
	KindThinMarketImpact   = "thin_market_impact"
	KindClustering         = "clustering"
	KindEarlyPositioning   = "early_positioning"
)

// Context is the read-only state a trigger sees alongside the trade:
// the market window before the trade is applied, the wallet profile,
// and the wallet's trade count over the configured lookback.
type Context struct {
	Window             *MarketWindow
	Wallet             *models.WalletStat
	RecentWalletTrades int64
}

// Result is one trigger firing. Details feed the signal event's JSON
// column and ultimately the alert rationale.
type Result struct {
	Severity string
	Value    decimal.Decimal
	Details  map[string]any
}

// Trigger is a pure rule over (window state, new trade). Each trigger
// fires at most once per trade; writes and dedupe live in the worker.
type Trigger interface {
	Kind() string
	Evaluate(tc Context, trade models.Trade) (Result, bool)
}

// DefaultTriggers builds the standard trigger set from config.
func DefaultTriggers(cfg config.TriggersConfig) []Trigger {
	return []Trigger{
		&FreshWalletBigSizeTrigger{
			MaxAge:      cfg.FreshWalletMaxAge,
			MinNotional: decimal.NewFromFloat(cfg.BigTradeNotional),
		},
		&LowActivityBigSizeTrigger{
			FreshMaxAge: cfg.FreshWalletMaxAge,
			MaxTrades:   cfg.LowActivityMaxTrades,
			MinNotional: decimal.NewFromFloat(cfg.BigTradeNotional),
		},
		&RepeatEntriesTrigger{
			MinEntries: cfg.RepeatMinEntries,
			Window:     cfg.RepeatWindow,
		},
		&ThinMarketImpactTrigger{
			Deviation:   decimal.NewFromFloat(cfg.ThinMarketDeviation),
			MinNotional: decimal.NewFromFloat(cfg.ThinMarketMinNotional),
			Baseline:    cfg.ThinMarketBaseline,
		},
		&ClusteringTrigger{
			MinWallets:  cfg.ClusterMinWallets,
			Window:      cfg.ClusterWindow,
			MinNotional: decimal.NewFromFloat(cfg.ClusterMinNotional),
		},
		&EarlyPositioningTrigger{
			MinWinRate:  cfg.EarlyMinWinRate,
			MinResolved: cfg.EarlyMinResolved,
			MinNotional: decimal.NewFromFloat(cfg.EarlyMinNotional),
		},
	}
}
