package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polywatch/internal/client/dataapi"
	"polywatch/internal/config"
	"polywatch/internal/models"
	"polywatch/internal/pipeline"
	"polywatch/internal/repository"
)

type stubIngestRepo struct {
	repository.Repository

	markets   []models.Market
	trades    []models.Trade
	tradeKeys map[string]bool
}

func newStubIngestRepo() *stubIngestRepo {
	return &stubIngestRepo{tradeKeys: map[string]bool{}}
}

func (s *stubIngestRepo) UpsertMarkets(ctx context.Context, items []models.Market) error {
	for _, item := range items {
		found := false
		for i := range s.markets {
			if s.markets[i].ExternalID == item.ExternalID {
				item.ID = s.markets[i].ID
				s.markets[i] = item
				found = true
				break
			}
		}
		if !found {
			item.ID = uint64(len(s.markets) + 1)
			s.markets = append(s.markets, item)
		}
	}
	return nil
}

func (s *stubIngestRepo) ListActiveMarkets(ctx context.Context, limit int) ([]models.Market, error) {
	out := []models.Market{}
	for _, market := range s.markets {
		if market.Status == models.MarketStatusActive {
			out = append(out, market)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *stubIngestRepo) GetMarketByExternalID(ctx context.Context, externalID string) (*models.Market, error) {
	for i := range s.markets {
		if s.markets[i].ExternalID == externalID {
			copied := s.markets[i]
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *stubIngestRepo) InsertTrades(ctx context.Context, items []models.Trade) (int, error) {
	inserted := 0
	for _, item := range items {
		if s.tradeKeys[item.ExternalID] {
			continue
		}
		s.tradeKeys[item.ExternalID] = true
		item.ID = uint64(len(s.trades) + 1)
		s.trades = append(s.trades, item)
		inserted++
	}
	return inserted, nil
}

type stubFetcher struct {
	markets      []dataapi.MarketRecord
	trades       map[string][]dataapi.TradePayload
	failuresLeft int
	failWith     error
	tradeCalls   int
	lastSinceMS  int64
}

func (f *stubFetcher) FetchMarkets(ctx context.Context, limit, offset int, activeOnly bool) ([]dataapi.MarketRecord, int, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, 0, f.failWith
	}
	if offset >= len(f.markets) {
		return nil, 0, nil
	}
	return f.markets, 0, nil
}

func (f *stubFetcher) FetchTrades(ctx context.Context, marketExternalID string, sinceMS int64, limit, offset int) ([]dataapi.TradePayload, error) {
	f.tradeCalls++
	f.lastSinceMS = sinceMS
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, f.failWith
	}
	return f.trades[marketExternalID], nil
}

func flexDec(v float64) dataapi.FlexDecimal {
	return dataapi.FlexDecimal{Decimal: decimal.NewFromFloat(v)}
}

func tradePayload(hash, wallet string, price, size float64, ts int64) dataapi.TradePayload {
	return dataapi.TradePayload{
		TransactionHash: hash,
		ProxyWallet:     wallet,
		Side:            "BUY",
		ConditionID:     "cond-1",
		Outcome:         "Yes",
		Price:           flexDec(price),
		Size:            flexDec(size),
		Timestamp:       dataapi.FlexInt64(ts),
	}
}

func TestNormalizeTrade(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := tradePayload("0xabc", "0xWALLET", 0.5, 100, 1709294400)

	trade, err := normalizeTrade(payload, 7, now)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if trade.ExternalID != "0xabc" {
		t.Fatalf("external id=%s, want hash", trade.ExternalID)
	}
	if trade.Wallet != "0xwallet" {
		t.Fatalf("wallet=%s, want lowercased", trade.Wallet)
	}
	if want := decimal.NewFromInt(50); !trade.Notional.Equal(want) {
		t.Fatalf("notional=%s, want %s", trade.Notional, want)
	}
	if !trade.TradedAt.Equal(time.Unix(1709294400, 0).UTC()) {
		t.Fatalf("tradedAt=%v", trade.TradedAt)
	}
}

func TestNormalizeTradeMillisecondEpoch(t *testing.T) {
	now := time.Now().UTC()
	payload := tradePayload("0xabc", "0xa", 0.5, 100, 1709294400000)
	trade, err := normalizeTrade(payload, 1, now)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !trade.TradedAt.Equal(time.UnixMilli(1709294400000).UTC()) {
		t.Fatalf("tradedAt=%v, want ms epoch honored", trade.TradedAt)
	}
}

func TestNormalizeTradeFingerprintIsStable(t *testing.T) {
	now := time.Now().UTC()
	payload := tradePayload("", "0xa", 0.5, 100, 1709294400)

	first, err := normalizeTrade(payload, 1, now)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	second, err := normalizeTrade(payload, 1, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if first.ExternalID == "" || first.ExternalID != second.ExternalID {
		t.Fatalf("fingerprints differ: %s vs %s", first.ExternalID, second.ExternalID)
	}

	other, err := normalizeTrade(payload, 2, now)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if other.ExternalID == first.ExternalID {
		t.Fatal("different markets must not collide")
	}
}

func TestNormalizeTradeRejectsMalformed(t *testing.T) {
	now := time.Now().UTC()
	cases := map[string]dataapi.TradePayload{
		"missing wallet": tradePayload("0x1", "", 0.5, 100, 1709294400),
		"bad side": {
			ProxyWallet: "0xa", Side: "HOLD",
			Price: flexDec(0.5), Size: flexDec(100), Timestamp: 1709294400,
		},
		"zero price":        tradePayload("0x1", "0xa", 0, 100, 1709294400),
		"zero size":         tradePayload("0x1", "0xa", 0.5, 0, 1709294400),
		"missing timestamp": tradePayload("0x1", "0xa", 0.5, 100, 0),
	}
	for name, payload := range cases {
		if _, err := normalizeTrade(payload, 1, now); err == nil {
			t.Fatalf("%s: expected error", name)
		} else if !pipeline.IsData(err) {
			t.Fatalf("%s: expected data error, got %v", name, err)
		}
	}
}

func TestMarketFromRecord(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := dataapi.MarketRecord{
		Payload: dataapi.MarketPayload{
			ID:       "m1",
			Question: "Will it rain?",
			Slug:     "will-it-rain",
			Active:   true,
			Volume:   flexDec(1000),
			EndDate:  "2026-06-01T00:00:00Z",
		},
		Raw: []byte(`{"id":"m1"}`),
	}
	market := marketFromRecord(rec, now)
	if market.Status != models.MarketStatusActive {
		t.Fatalf("status=%s, want active", market.Status)
	}
	if market.Slug == nil || *market.Slug != "will-it-rain" {
		t.Fatalf("slug=%v", market.Slug)
	}
	if market.EndDate == nil || !market.EndDate.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("endDate=%v", market.EndDate)
	}
	if len(market.RawJSON) == 0 {
		t.Fatal("expected raw json carried over")
	}

	rec.Payload.Closed = true
	if got := marketFromRecord(rec, now).Status; got != models.MarketStatusClosed {
		t.Fatalf("status=%s, want closed", got)
	}
}

func TestMarketFromRecordSettledOutcome(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := dataapi.MarketRecord{
		Payload: dataapi.MarketPayload{
			ID:            "m1",
			Question:      "Will it rain?",
			Closed:        true,
			Outcomes:      `["Yes", "No"]`,
			OutcomePrices: `["0.003", "0.997"]`,
		},
	}
	market := marketFromRecord(rec, now)
	if market.Status != models.MarketStatusResolved {
		t.Fatalf("status=%s, want resolved", market.Status)
	}
	if market.WinningOutcome == nil || *market.WinningOutcome != "No" {
		t.Fatalf("winner=%v, want No", market.WinningOutcome)
	}

	// Closed but prices not converged: no winner yet.
	rec.Payload.OutcomePrices = `["0.4", "0.6"]`
	market = marketFromRecord(rec, now)
	if market.Status != models.MarketStatusClosed || market.WinningOutcome != nil {
		t.Fatalf("status=%s winner=%v, want closed with no winner", market.Status, market.WinningOutcome)
	}
}

func TestPollTradesInsertsAndAdvancesWatermark(t *testing.T) {
	repo := newStubIngestRepo()
	repo.markets = []models.Market{{ID: 1, ExternalID: "cond-1", Status: models.MarketStatusActive}}
	fetcher := &stubFetcher{
		trades: map[string][]dataapi.TradePayload{
			"cond-1": {
				tradePayload("0x1", "0xa", 0.5, 100, 1709294400),
				tradePayload("0x2", "0xb", 0.5, 200, 1709294460),
			},
		},
	}
	w := &Worker{Repo: repo, Client: fetcher, Config: config.IngestConfig{}}

	if err := w.PollTrades(context.Background()); err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(repo.trades) != 2 {
		t.Fatalf("trades=%d, want 2", len(repo.trades))
	}

	// Second poll sends the watermark upstream and the duplicate
	// payloads dedupe on insert.
	if err := w.PollTrades(context.Background()); err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(repo.trades) != 2 {
		t.Fatalf("trades=%d after repoll, want 2", len(repo.trades))
	}
	if want := time.Unix(1709294460, 0).UnixMilli(); fetcher.lastSinceMS != want {
		t.Fatalf("sinceMS=%d, want %d", fetcher.lastSinceMS, want)
	}
}

func TestPollTradesRetriesTransientFailures(t *testing.T) {
	repo := newStubIngestRepo()
	repo.markets = []models.Market{{ID: 1, ExternalID: "cond-1", Status: models.MarketStatusActive}}
	fetcher := &stubFetcher{
		failuresLeft: 1,
		failWith:     pipeline.Transient(errors.New("rate limited")),
		trades: map[string][]dataapi.TradePayload{
			"cond-1": {tradePayload("0x1", "0xa", 0.5, 100, 1709294400)},
		},
	}
	w := &Worker{
		Repo:   repo,
		Client: fetcher,
		Config: config.IngestConfig{BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, MaxRetriesPerTick: 3},
	}

	if err := w.PollTrades(context.Background()); err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(repo.trades) != 1 {
		t.Fatalf("trades=%d, want 1 after retry", len(repo.trades))
	}
	if fetcher.tradeCalls != 2 {
		t.Fatalf("calls=%d, want 2", fetcher.tradeCalls)
	}
}

func TestSyncMarketsUpserts(t *testing.T) {
	repo := newStubIngestRepo()
	fetcher := &stubFetcher{
		markets: []dataapi.MarketRecord{
			{Payload: dataapi.MarketPayload{ID: "m1", Question: "Q1", Active: true}},
			{Payload: dataapi.MarketPayload{ID: "m2", Question: "Q2", Active: true}},
		},
	}
	w := &Worker{Repo: repo, Client: fetcher, Config: config.IngestConfig{MarketsPageLimit: 10, MarketsMaxPages: 2}}

	if err := w.SyncMarkets(context.Background()); err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(repo.markets) != 2 {
		t.Fatalf("markets=%d, want 2", len(repo.markets))
	}

	// Re-sync keeps the same rows.
	if err := w.SyncMarkets(context.Background()); err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(repo.markets) != 2 {
		t.Fatalf("markets=%d after resync, want 2", len(repo.markets))
	}
}

func TestHandleStreamTradeUnknownMarket(t *testing.T) {
	repo := newStubIngestRepo()
	w := &Worker{Repo: repo, Client: &stubFetcher{}}

	if err := w.HandleStreamTrade(context.Background(), tradePayload("0x1", "0xa", 0.5, 100, 1709294400)); err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(repo.trades) != 0 {
		t.Fatalf("trades=%d, want 0 for untracked market", len(repo.trades))
	}
}

func TestHandleStreamTradeInserts(t *testing.T) {
	repo := newStubIngestRepo()
	repo.markets = []models.Market{{ID: 1, ExternalID: "cond-1", Status: models.MarketStatusActive}}
	w := &Worker{Repo: repo, Client: &stubFetcher{}}

	payload := tradePayload("0x1", "0xa", 0.5, 100, 1709294400)
	if err := w.HandleStreamTrade(context.Background(), payload); err != nil {
		t.Fatalf("err=%v", err)
	}
	if err := w.HandleStreamTrade(context.Background(), payload); err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(repo.trades) != 1 {
		t.Fatalf("trades=%d, want 1 (idempotent)", len(repo.trades))
	}
}
