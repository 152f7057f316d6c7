package profiling

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"polywatch/internal/config"
	"polywatch/internal/models"
	"polywatch/internal/repository"
)

// Worker rolls resolved markets into per-wallet accuracy stats. For
// each resolved market it walks the market's trades once, counts a
// trade as a win when the wallet was long the winning outcome, and
// folds the tallies into WalletStat.ResolvedTrades and WinRate. The
// market is stamped profiled in the same transaction, so each market
// contributes to a wallet's record exactly once.
type Worker struct {
	Repo   repository.Repository
	Config config.ProfilingConfig
	Logger *zap.Logger
	Now    func() time.Time
}

type tally struct {
	resolved int64
	wins     int64
}

// RunOnce profiles one batch of resolved, not-yet-profiled markets and
// returns how many were completed. A failure on one market is logged
// and the sweep moves on.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w == nil || w.Repo == nil {
		return 0, nil
	}
	batch := w.Config.MarketBatch
	if batch <= 0 {
		batch = 20
	}
	markets, err := w.Repo.ListUnprofiledResolvedMarkets(ctx, batch)
	if err != nil {
		return 0, err
	}
	profiled := 0
	for _, market := range markets {
		if ctx.Err() != nil {
			return profiled, ctx.Err()
		}
		if err := w.profileMarket(ctx, market); err != nil {
			w.logWarn("market profiling failed", err, zap.Uint64("market_id", market.ID))
			continue
		}
		profiled++
	}
	if w.Logger != nil && profiled > 0 {
		w.Logger.Info("profiling sweep ok", zap.Int("markets", profiled))
	}
	return profiled, nil
}

func (w *Worker) profileMarket(ctx context.Context, market models.Market) error {
	now := w.now()
	if market.WinningOutcome == nil {
		// Resolved without a settled outcome; nothing to score.
		return w.Repo.InTx(ctx, func(tx *gorm.DB) error {
			return w.Repo.MarkMarketProfiledTx(ctx, tx, market.ID, now)
		})
	}
	winner := *market.WinningOutcome
	pageLimit := w.Config.TradeBatch
	if pageLimit <= 0 {
		pageLimit = 500
	}
	tallies := map[string]tally{}
	var afterID uint64
	for {
		trades, err := w.Repo.ListTradesByMarketAfter(ctx, market.ID, afterID, pageLimit)
		if err != nil {
			return err
		}
		for _, trade := range trades {
			afterID = trade.ID
			if trade.Outcome == nil {
				continue
			}
			t := tallies[trade.Wallet]
			t.resolved++
			// A BUY of the winner or a SELL of a loser ends up on the
			// right side of the resolution.
			if (trade.Side == models.TradeSideBuy) == (*trade.Outcome == winner) {
				t.wins++
			}
			tallies[trade.Wallet] = t
		}
		if len(trades) < pageLimit {
			break
		}
	}
	items, err := w.foldTallies(ctx, tallies, now)
	if err != nil {
		return err
	}
	return w.Repo.InTx(ctx, func(tx *gorm.DB) error {
		if err := w.Repo.UpsertWalletStatsTx(ctx, tx, items); err != nil {
			return err
		}
		return w.Repo.MarkMarketProfiledTx(ctx, tx, market.ID, now)
	})
}

// foldTallies merges a market's win/loss counts into the wallets'
// existing stats, recomputing WinRate as a running average.
func (w *Worker) foldTallies(ctx context.Context, tallies map[string]tally, now time.Time) ([]models.WalletStat, error) {
	if len(tallies) == 0 {
		return nil, nil
	}
	wallets := make([]string, 0, len(tallies))
	for wallet := range tallies {
		wallets = append(wallets, wallet)
	}
	sort.Strings(wallets)
	existing, err := w.Repo.GetWalletStats(ctx, wallets)
	if err != nil {
		return nil, err
	}
	items := make([]models.WalletStat, 0, len(wallets))
	for _, wallet := range wallets {
		t := tallies[wallet]
		stat, ok := existing[wallet]
		if !ok {
			stat = models.WalletStat{Wallet: wallet, FirstSeenAt: now, LastSeenAt: now}
		}
		priorWins := stat.WinRate * float64(stat.ResolvedTrades)
		stat.ResolvedTrades += t.resolved
		if stat.ResolvedTrades > 0 {
			stat.WinRate = (priorWins + float64(t.wins)) / float64(stat.ResolvedTrades)
		}
		stat.UpdatedAt = now
		items = append(items, stat)
	}
	return items, nil
}

func (w *Worker) now() time.Time {
	if w != nil && w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

func (w *Worker) logWarn(msg string, err error, fields ...zap.Field) {
	if w == nil || w.Logger == nil {
		return
	}
	w.Logger.Warn(msg, append(fields, zap.Error(err))...)
}
