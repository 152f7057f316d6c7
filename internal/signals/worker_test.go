package signals

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"polywatch/internal/config"
	"polywatch/internal/models"
	"polywatch/internal/pipeline"
	"polywatch/internal/repository"
)

func defaultTriggersConfig() config.TriggersConfig {
	return config.TriggersConfig{
		FreshWalletMaxAge:     24 * time.Hour,
		BigTradeNotional:      1000,
		LowActivityMaxTrades:  2,
		RepeatMinEntries:      3,
		RepeatWindow:          10 * time.Minute,
		ThinMarketDeviation:   0.05,
		ThinMarketMinNotional: 500,
		ThinMarketBaseline:    10,
		ClusterMinWallets:     3,
		ClusterWindow:         5 * time.Minute,
		ClusterMinNotional:    200,
		EarlyMinWinRate:       0.6,
		EarlyMinResolved:      5,
		EarlyMinNotional:      100,
	}
}

type stubSignalRepo struct {
	repository.Repository

	cursors      map[string]models.Cursor
	trades       []models.Trade
	events       []models.SignalEvent
	eventKeys    map[string]bool
	stats        map[string]models.WalletStat
	cursorErrors int
	advanceErr   error
}

func newStubSignalRepo() *stubSignalRepo {
	return &stubSignalRepo{
		cursors:   map[string]models.Cursor{},
		eventKeys: map[string]bool{},
		stats:     map[string]models.WalletStat{},
	}
}

func (s *stubSignalRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func (s *stubSignalRepo) GetCursor(ctx context.Context, name string) (*models.Cursor, error) {
	if cursor, ok := s.cursors[name]; ok {
		copied := cursor
		return &copied, nil
	}
	return nil, nil
}

func (s *stubSignalRepo) ListTradesAfter(ctx context.Context, afterID uint64, limit int) ([]models.Trade, error) {
	out := []models.Trade{}
	for _, trade := range s.trades {
		if trade.ID > afterID {
			out = append(out, trade)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *stubSignalRepo) ListRecentTradesByMarket(ctx context.Context, marketID, beforeID uint64, limit int) ([]models.Trade, error) {
	out := []models.Trade{}
	for _, trade := range s.trades {
		if trade.MarketID == marketID && trade.ID < beforeID {
			out = append(out, trade)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *stubSignalRepo) GetWalletStats(ctx context.Context, wallets []string) (map[string]models.WalletStat, error) {
	out := map[string]models.WalletStat{}
	for _, wallet := range wallets {
		if stat, ok := s.stats[wallet]; ok {
			out[wallet] = stat
		}
	}
	return out, nil
}

func (s *stubSignalRepo) CountTradesByWalletsSince(ctx context.Context, wallets []string, since time.Time) (map[string]int64, error) {
	out := map[string]int64{}
	for _, trade := range s.trades {
		if trade.TradedAt.Before(since) {
			continue
		}
		out[trade.Wallet]++
	}
	return out, nil
}

func (s *stubSignalRepo) InsertSignalEventsTx(ctx context.Context, tx *gorm.DB, items []models.SignalEvent) (int, error) {
	inserted := 0
	for _, item := range items {
		key := fmt.Sprintf("%d|%s|%d", item.MarketID, item.Kind, item.TradeID)
		if s.eventKeys[key] {
			continue
		}
		s.eventKeys[key] = true
		item.ID = uint64(len(s.events) + 1)
		s.events = append(s.events, item)
		inserted++
	}
	return inserted, nil
}

func (s *stubSignalRepo) UpsertWalletStatsTx(ctx context.Context, tx *gorm.DB, items []models.WalletStat) error {
	for _, item := range items {
		s.stats[item.Wallet] = item
	}
	return nil
}

func (s *stubSignalRepo) AdvanceCursorTx(ctx context.Context, tx *gorm.DB, name string, from, to int64, watermark *time.Time) error {
	if s.advanceErr != nil {
		return s.advanceErr
	}
	cursor, ok := s.cursors[name]
	if !ok {
		cursor = models.Cursor{Name: name}
	} else if cursor.Position != from {
		return fmt.Errorf("%w: %s is at %d, expected %d", pipeline.ErrCursorConflict, name, cursor.Position, from)
	}
	cursor.Position = to
	cursor.WatermarkTS = watermark
	s.cursors[name] = cursor
	return nil
}

func (s *stubSignalRepo) RecordCursorError(ctx context.Context, name string, attemptAt time.Time, cause error) error {
	s.cursorErrors++
	return nil
}

func signalTestWorker(repo *stubSignalRepo, now time.Time) *Worker {
	return &Worker{
		Repo:     repo,
		Triggers: DefaultTriggers(defaultTriggersConfig()),
		Config: config.SignalsConfig{
			BatchSize:      100,
			WindowTrades:   50,
			WindowSpan:     10 * time.Minute,
			WalletLookback: 24 * time.Hour,
		},
		Now: func() time.Time { return now },
	}
}

func TestRunOnceEmitsEventsAndAdvancesCursor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newStubSignalRepo()
	repo.trades = []models.Trade{
		bigTradeWithID(1, "0xfresh", 1500, now.Add(-time.Minute)),
	}

	w := signalTestWorker(repo, now)
	processed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if processed != 1 {
		t.Fatalf("processed=%d, want 1", processed)
	}
	if len(repo.events) == 0 {
		t.Fatal("expected at least one signal event")
	}
	found := false
	for _, event := range repo.events {
		if event.Kind == KindFreshWalletBigSize && event.TradeID == 1 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected fresh_wallet_big_size event for trade 1")
	}
	cursor := repo.cursors[models.CursorSignals]
	if cursor.Position != 1 {
		t.Fatalf("cursor=%d, want 1", cursor.Position)
	}
	if cursor.WatermarkTS == nil || !cursor.WatermarkTS.Equal(now.Add(-time.Minute)) {
		t.Fatalf("watermark=%v, want trade time", cursor.WatermarkTS)
	}
	if stat, ok := repo.stats["0xfresh"]; !ok || stat.TradeCount != 1 {
		t.Fatalf("wallet stat not maintained: %+v", stat)
	}
}

func TestRunOnceReplayDoesNotDuplicate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newStubSignalRepo()
	repo.trades = []models.Trade{
		bigTradeWithID(1, "0xfresh", 1500, now.Add(-time.Minute)),
		bigTradeWithID(2, "0xother", 2000, now.Add(-30*time.Second)),
	}

	w := signalTestWorker(repo, now)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("err=%v", err)
	}
	firstCount := len(repo.events)
	if firstCount == 0 {
		t.Fatal("expected events on first pass")
	}

	// Simulate a crash after the event insert but before the cursor
	// commit: rewind and replay the same batch.
	cursor := repo.cursors[models.CursorSignals]
	cursor.Position = 0
	repo.cursors[models.CursorSignals] = cursor

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("replay err=%v", err)
	}
	if len(repo.events) != firstCount {
		t.Fatalf("events=%d after replay, want %d", len(repo.events), firstCount)
	}
}

func TestRunOnceCaughtUp(t *testing.T) {
	repo := newStubSignalRepo()
	w := signalTestWorker(repo, time.Now().UTC())
	processed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if processed != 0 {
		t.Fatalf("processed=%d, want 0", processed)
	}
}

func TestRunOnceCursorConflictRecorded(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newStubSignalRepo()
	repo.trades = []models.Trade{bigTradeWithID(1, "0xfresh", 1500, now.Add(-time.Minute))}
	repo.advanceErr = fmt.Errorf("%w: held by another writer", pipeline.ErrCursorConflict)

	w := signalTestWorker(repo, now)
	_, err := w.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if repo.cursorErrors != 1 {
		t.Fatalf("cursorErrors=%d, want 1", repo.cursorErrors)
	}
}

func bigTradeWithID(id uint64, wallet string, notional float64, at time.Time) models.Trade {
	trade := bigTrade(wallet, notional, at)
	trade.ID = id
	return trade
}
