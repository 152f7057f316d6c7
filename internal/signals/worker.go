package signals

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"polywatch/internal/config"
	"polywatch/internal/models"
	"polywatch/internal/pipeline"
	"polywatch/internal/repository"
)

// Worker consumes trades behind a durable cursor, evaluates the
// trigger set against each trade's market window, and commits the
// resulting signal events together with the cursor advance. Replaying
// a batch after a crash is harmless: events are deduplicated by their
// natural key.
type Worker struct {
	Repo     repository.Repository
	Triggers []Trigger
	Config   config.SignalsConfig
	Logger   *zap.Logger
	Now      func() time.Time
}

func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.Repo == nil {
		return nil
	}
	idle := w.Config.IdleInterval
	if idle <= 0 {
		idle = 5 * time.Second
	}
	backoffBase := w.Config.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}
	backoffMax := w.Config.BackoffMax
	if backoffMax <= 0 {
		backoffMax = 120 * time.Second
	}
	backoff := backoffBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		processed, err := w.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if errors.Is(err, pipeline.ErrCursorConflict) {
				return err
			}
			w.logWarn("signal batch failed", err)
			if serr := pipeline.SleepWithJitter(ctx, backoff); serr != nil {
				return serr
			}
			backoff = pipeline.NextBackoff(backoff, backoffMax)
			continue
		}
		backoff = backoffBase
		if processed > 0 {
			continue
		}
		timer := time.NewTimer(idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunOnce processes one bounded batch. It returns the number of trades
// consumed; zero means the cursor is caught up.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w == nil || w.Repo == nil {
		return 0, nil
	}
	batch := w.Config.BatchSize
	if batch <= 0 {
		batch = 500
	}
	cursor, err := w.Repo.GetCursor(ctx, models.CursorSignals)
	if err != nil {
		return 0, err
	}
	var position int64
	if cursor != nil {
		position = cursor.Position
	}
	trades, err := w.Repo.ListTradesAfter(ctx, uint64(position), batch)
	if err != nil {
		return 0, err
	}
	if len(trades) == 0 {
		return 0, nil
	}

	now := w.now()
	windows, err := w.seedWindows(ctx, trades)
	if err != nil {
		return 0, err
	}
	stats, recent, err := w.loadWalletState(ctx, trades, now)
	if err != nil {
		return 0, err
	}

	events := make([]models.SignalEvent, 0)
	for _, trade := range trades {
		window := windows[trade.MarketID]
		var walletStat *models.WalletStat
		if stat, ok := stats[trade.Wallet]; ok {
			statCopy := stat
			walletStat = &statCopy
		}
		tc := Context{
			Window:             window,
			Wallet:             walletStat,
			RecentWalletTrades: recent[trade.Wallet],
		}
		for _, trigger := range w.Triggers {
			result, ok := trigger.Evaluate(tc, trade)
			if !ok {
				continue
			}
			events = append(events, models.SignalEvent{
				MarketID:    trade.MarketID,
				Kind:        trigger.Kind(),
				TradeID:     trade.ID,
				Wallet:      trade.Wallet,
				Severity:    result.Severity,
				Value:       result.Value,
				DetailsJSON: mustJSON(result.Details),
				DetectedAt:  now,
			})
		}
		window.Add(trade)
		stats[trade.Wallet] = applyTradeToStat(stats[trade.Wallet], trade)
		recent[trade.Wallet]++
	}

	last := int64(trades[len(trades)-1].ID)
	watermark := trades[len(trades)-1].TradedAt
	updates := make([]models.WalletStat, 0, len(stats))
	for _, stat := range stats {
		updates = append(updates, stat)
	}
	err = w.Repo.InTx(ctx, func(tx *gorm.DB) error {
		if _, err := w.Repo.InsertSignalEventsTx(ctx, tx, events); err != nil {
			return err
		}
		if err := w.Repo.UpsertWalletStatsTx(ctx, tx, updates); err != nil {
			return err
		}
		return w.Repo.AdvanceCursorTx(ctx, tx, models.CursorSignals, position, last, &watermark)
	})
	if err != nil {
		_ = w.Repo.RecordCursorError(ctx, models.CursorSignals, now, err)
		return 0, err
	}
	if w.Logger != nil {
		w.Logger.Info("signal batch ok",
			zap.Int("trades", len(trades)),
			zap.Int("events", len(events)),
			zap.Int64("cursor", last),
		)
	}
	return len(trades), nil
}

// seedWindows backfills each market's rolling window with trades that
// precede the batch, so triggers see continuity across batches.
func (w *Worker) seedWindows(ctx context.Context, trades []models.Trade) (map[uint64]*MarketWindow, error) {
	firstByMarket := map[uint64]uint64{}
	for _, trade := range trades {
		if _, ok := firstByMarket[trade.MarketID]; !ok {
			firstByMarket[trade.MarketID] = trade.ID
		}
	}
	windows := make(map[uint64]*MarketWindow, len(firstByMarket))
	for marketID, firstID := range firstByMarket {
		window := NewMarketWindow(w.Config.WindowTrades, w.Config.WindowSpan)
		seed, err := w.Repo.ListRecentTradesByMarket(ctx, marketID, firstID, w.Config.WindowTrades)
		if err != nil {
			return nil, err
		}
		for _, trade := range seed {
			window.Add(trade)
		}
		windows[marketID] = window
	}
	return windows, nil
}

func (w *Worker) loadWalletState(ctx context.Context, trades []models.Trade, now time.Time) (map[string]models.WalletStat, map[string]int64, error) {
	seen := map[string]struct{}{}
	wallets := make([]string, 0)
	for _, trade := range trades {
		if _, ok := seen[trade.Wallet]; ok {
			continue
		}
		seen[trade.Wallet] = struct{}{}
		wallets = append(wallets, trade.Wallet)
	}
	stats, err := w.Repo.GetWalletStats(ctx, wallets)
	if err != nil {
		return nil, nil, err
	}
	lookback := w.Config.WalletLookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	recent, err := w.Repo.CountTradesByWalletsSince(ctx, wallets, now.Add(-lookback))
	if err != nil {
		return nil, nil, err
	}
	if recent == nil {
		recent = map[string]int64{}
	}
	return stats, recent, nil
}

func applyTradeToStat(stat models.WalletStat, trade models.Trade) models.WalletStat {
	if stat.Wallet == "" {
		stat.Wallet = trade.Wallet
		stat.FirstSeenAt = trade.TradedAt
	}
	stat.TradeCount++
	stat.TotalNotional = stat.TotalNotional.Add(trade.Notional)
	if trade.TradedAt.After(stat.LastSeenAt) {
		stat.LastSeenAt = trade.TradedAt
	}
	return stat
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

func mustJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}
