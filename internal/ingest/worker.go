package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"polywatch/internal/client/dataapi"
	"polywatch/internal/config"
	"polywatch/internal/models"
	"polywatch/internal/pipeline"
	"polywatch/internal/repository"
)

// Fetcher is the slice of the data API client the worker needs.
type Fetcher interface {
	FetchMarkets(ctx context.Context, limit, offset int, activeOnly bool) ([]dataapi.MarketRecord, int, error)
	FetchTrades(ctx context.Context, marketExternalID string, sinceMS int64, limit, offset int) ([]dataapi.TradePayload, error)
}

// Worker refreshes markets on a slow cadence and polls trades on a
// fast jittered one. It keeps no durable cursor: the per-market since
// watermark lives in memory, and losing it is safe because trade
// inserts are deduplicated by external id.
type Worker struct {
	Repo   repository.Repository
	Client Fetcher
	Config config.IngestConfig
	Logger *zap.Logger
	Now    func() time.Time

	sinceMS map[string]int64
}

func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.Repo == nil || w.Client == nil {
		return nil
	}
	errCh := make(chan error, 2)
	go func() { errCh <- w.runMarketLoop(ctx) }()
	go func() { errCh <- w.runTradeLoop(ctx) }()
	return <-errCh
}

func (w *Worker) runMarketLoop(ctx context.Context) error {
	interval := w.Config.MarketsRefresh
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if err := w.SyncMarkets(ctx); err != nil {
		w.logWarn("market sync failed", err)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := w.SyncMarkets(ctx); err != nil {
				w.logWarn("market sync failed", err)
			}
		}
	}
}

func (w *Worker) runTradeLoop(ctx context.Context) error {
	min := w.Config.TradePollMin
	if min <= 0 {
		min = 30 * time.Second
	}
	max := w.Config.TradePollMax
	if max < min {
		max = min
	}
	for {
		timer := time.NewTimer(pipeline.JitteredInterval(min, max))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := w.PollTrades(ctx); err != nil {
			w.logWarn("trade poll failed", err)
		}
	}
}

// SyncMarkets pulls up to MarketsMaxPages pages and upserts them.
func (w *Worker) SyncMarkets(ctx context.Context) error {
	if w == nil || w.Repo == nil || w.Client == nil {
		return nil
	}
	limit := w.Config.MarketsPageLimit
	if limit <= 0 {
		limit = 200
	}
	maxPages := w.Config.MarketsMaxPages
	if maxPages <= 0 {
		maxPages = 5
	}
	now := w.now()
	total := 0
	for page := 0; page < maxPages; page++ {
		var records []dataapi.MarketRecord
		var dropped int
		err := w.withRetry(ctx, "fetch markets", func() error {
			var fetchErr error
			records, dropped, fetchErr = w.Client.FetchMarkets(ctx, limit, page*limit, true)
			return fetchErr
		})
		if err != nil {
			return err
		}
		if dropped > 0 {
			w.logWarn("skipped malformed market records", nil, zap.Int("dropped", dropped))
		}
		items := make([]models.Market, 0, len(records))
		for _, rec := range records {
			items = append(items, marketFromRecord(rec, now))
		}
		if err := w.Repo.UpsertMarkets(ctx, items); err != nil {
			return err
		}
		total += len(items)
		if len(records) < limit {
			break
		}
	}
	if w.Logger != nil {
		w.Logger.Info("market sync ok", zap.Int("markets", total))
	}
	return nil
}

// PollTrades polls each active market once. A failure for one market
// is logged and the loop moves on; a single bad poll never stops the
// sweep.
func (w *Worker) PollTrades(ctx context.Context) error {
	if w == nil || w.Repo == nil || w.Client == nil {
		return nil
	}
	if w.sinceMS == nil {
		w.sinceMS = make(map[string]int64)
	}
	maxMarkets := w.Config.MaxMarketsPerTick
	if maxMarkets <= 0 {
		maxMarkets = 100
	}
	markets, err := w.Repo.ListActiveMarkets(ctx, maxMarkets)
	if err != nil {
		return err
	}
	pageLimit := w.Config.TradePageLimit
	if pageLimit <= 0 {
		pageLimit = 200
	}
	inserted := 0
	skipped := 0
	for _, market := range markets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		since := w.sinceMS[market.ExternalID]
		var payloads []dataapi.TradePayload
		err := w.withRetry(ctx, "fetch trades", func() error {
			var fetchErr error
			payloads, fetchErr = w.Client.FetchTrades(ctx, market.ExternalID, since, pageLimit, 0)
			return fetchErr
		})
		if err != nil {
			w.logWarn("trade fetch failed", err, zap.String("market", market.ExternalID))
			continue
		}
		trades := make([]models.Trade, 0, len(payloads))
		watermark := since
		for _, payload := range payloads {
			trade, err := normalizeTrade(payload, market.ID, w.now())
			if err != nil {
				skipped++
				continue
			}
			trades = append(trades, trade)
			if ms := trade.TradedAt.UnixMilli(); ms > watermark {
				watermark = ms
			}
		}
		n, err := w.Repo.InsertTrades(ctx, trades)
		if err != nil {
			w.logWarn("trade insert failed", err, zap.String("market", market.ExternalID))
			continue
		}
		inserted += n
		if watermark > since {
			w.sinceMS[market.ExternalID] = watermark
		}
	}
	if skipped > 0 {
		w.logWarn("skipped malformed trade records", nil, zap.Int("skipped", skipped))
	}
	if w.Logger != nil && inserted > 0 {
		w.Logger.Info("trade poll ok", zap.Int("markets", len(markets)), zap.Int("inserted", inserted))
	}
	return nil
}

// HandleStreamTrade routes a live websocket trade through the same
// idempotent insert path as the poller.
func (w *Worker) HandleStreamTrade(ctx context.Context, payload dataapi.TradePayload) error {
	if w == nil || w.Repo == nil {
		return nil
	}
	market, err := w.Repo.GetMarketByExternalID(ctx, payload.ConditionID)
	if err != nil {
		return err
	}
	if market == nil {
		// Not a tracked market yet; the next market sync will pick it up.
		return nil
	}
	trade, err := normalizeTrade(payload, market.ID, w.now())
	if err != nil {
		return err
	}
	_, err = w.Repo.InsertTrades(ctx, []models.Trade{trade})
	return err
}

func (w *Worker) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := w.Config.BackoffBase
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	maxBackoff := w.Config.BackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 300 * time.Second
	}
	retries := w.Config.MaxRetriesPerTick
	if retries <= 0 {
		retries = 3
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !dataapi.IsTransient(err) || attempt >= retries {
			return err
		}
		w.logWarn(op+" failed, retrying", err, zap.Int("attempt", attempt+1))
		if serr := pipeline.SleepWithJitter(ctx, backoff); serr != nil {
			return serr
		}
		backoff = pipeline.NextBackoff(backoff, maxBackoff)
	}
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
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	w.Logger.Warn(msg, fields...)
}

func marketFromRecord(rec dataapi.MarketRecord, now time.Time) models.Market {
	payload := rec.Payload
	status := models.MarketStatusActive
	var winner *string
	if payload.Closed || !payload.Active {
		status = models.MarketStatusClosed
		if winner = payload.WinningOutcome(); winner != nil {
			status = models.MarketStatusResolved
		}
	}
	item := models.Market{
		ExternalID:     strings.TrimSpace(payload.ID),
		Question:       strings.TrimSpace(payload.Question),
		Status:         status,
		WinningOutcome: winner,
		LastSeenAt:     now,
	}
	if slug := strings.TrimSpace(payload.Slug); slug != "" {
		item.Slug = &slug
	}
	if category := strings.TrimSpace(payload.Category); category != "" {
		item.Category = &category
	}
	if !payload.Volume.IsZero() {
		vol := payload.Volume.Decimal
		item.Volume = &vol
	}
	if !payload.Liquidity.IsZero() {
		liq := payload.Liquidity.Decimal
		item.Liquidity = &liq
	}
	if raw := strings.TrimSpace(payload.EndDate); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = ts.UTC()
			item.EndDate = &ts
		}
	}
	if len(rec.Raw) > 0 {
		item.RawJSON = datatypes.JSON(rec.Raw)
	}
	return item
}

func normalizeTrade(payload dataapi.TradePayload, marketID uint64, now time.Time) (models.Trade, error) {
	wallet := strings.ToLower(strings.TrimSpace(payload.ProxyWallet))
	if wallet == "" {
		return models.Trade{}, pipeline.Dataf("trade missing wallet")
	}
	side := strings.ToUpper(strings.TrimSpace(payload.Side))
	if side != models.TradeSideBuy && side != models.TradeSideSell {
		return models.Trade{}, pipeline.Dataf("trade has invalid side %q", payload.Side)
	}
	price := payload.Price.Decimal
	size := payload.Size.Decimal
	if price.Sign() <= 0 || size.Sign() <= 0 {
		return models.Trade{}, pipeline.Dataf("trade has non-positive price or size")
	}
	ts := int64(payload.Timestamp)
	if ts <= 0 {
		return models.Trade{}, pipeline.Dataf("trade missing timestamp")
	}
	// Upstream mixes second and millisecond epochs.
	var tradedAt time.Time
	if ts > 1_000_000_000_000 {
		tradedAt = time.UnixMilli(ts).UTC()
	} else {
		tradedAt = time.Unix(ts, 0).UTC()
	}
	externalID := strings.TrimSpace(payload.TransactionHash)
	if externalID == "" {
		externalID = tradeFingerprint(payload, marketID, ts)
	}
	trade := models.Trade{
		ExternalID: externalID,
		MarketID:   marketID,
		Wallet:     wallet,
		Side:       side,
		Price:      price,
		Size:       size,
		Notional:   price.Mul(size),
		TradedAt:   tradedAt,
		IngestedAt: now,
	}
	if outcome := strings.TrimSpace(payload.Outcome); outcome != "" {
		trade.Outcome = &outcome
	}
	return trade, nil
}

func tradeFingerprint(payload dataapi.TradePayload, marketID uint64, ts int64) string {
	key := fmt.Sprintf("%d|%s|%s|%s|%s|%d",
		marketID,
		strings.ToLower(strings.TrimSpace(payload.ProxyWallet)),
		strings.ToUpper(strings.TrimSpace(payload.Side)),
		payload.Price.String(),
		payload.Size.String(),
		ts,
	)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
