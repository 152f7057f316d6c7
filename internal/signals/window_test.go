package signals

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polywatch/internal/models"
)

func windowTrade(id uint64, wallet, side string, price, size float64, at time.Time) models.Trade {
	p := decimal.NewFromFloat(price)
	s := decimal.NewFromFloat(size)
	return models.Trade{
		ID:       id,
		MarketID: 1,
		Wallet:   wallet,
		Side:     side,
		Price:    p,
		Size:     s,
		Notional: p.Mul(s),
		TradedAt: at,
	}
}

func TestMarketWindowPrunesBySpan(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewMarketWindow(50, 10*time.Minute)
	w.Add(windowTrade(1, "0xa", models.TradeSideBuy, 0.5, 100, base))
	w.Add(windowTrade(2, "0xb", models.TradeSideBuy, 0.5, 100, base.Add(5*time.Minute)))
	if w.Len() != 2 {
		t.Fatalf("len=%d, want 2", w.Len())
	}
	// Pushes the first trade past the span cutoff.
	w.Add(windowTrade(3, "0xc", models.TradeSideBuy, 0.5, 100, base.Add(11*time.Minute)))
	if w.Len() != 2 {
		t.Fatalf("len=%d, want 2 after span prune", w.Len())
	}
}

func TestMarketWindowPrunesByCount(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewMarketWindow(3, time.Hour)
	for i := 0; i < 5; i++ {
		w.Add(windowTrade(uint64(i+1), "0xa", models.TradeSideBuy, 0.5, 10, base.Add(time.Duration(i)*time.Second)))
	}
	if w.Len() != 3 {
		t.Fatalf("len=%d, want 3", w.Len())
	}
}

func TestBaselinePrice(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewMarketWindow(50, time.Hour)
	if _, ok := w.BaselinePrice(10, 3); ok {
		t.Fatal("expected ok=false on empty window")
	}
	for i, price := range []float64{0.4, 0.5, 0.6} {
		w.Add(windowTrade(uint64(i+1), "0xa", models.TradeSideBuy, price, 10, base.Add(time.Duration(i)*time.Second)))
	}
	baseline, ok := w.BaselinePrice(10, 3)
	if !ok {
		t.Fatal("expected ok=true with 3 trades")
	}
	if want := decimal.NewFromFloat(0.5); !baseline.Equal(want) {
		t.Fatalf("baseline=%s, want %s", baseline, want)
	}
}

func TestCountByWalletSide(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewMarketWindow(50, time.Hour)
	w.Add(windowTrade(1, "0xa", models.TradeSideBuy, 0.5, 10, base))
	w.Add(windowTrade(2, "0xa", models.TradeSideSell, 0.5, 10, base.Add(time.Second)))
	w.Add(windowTrade(3, "0xa", models.TradeSideBuy, 0.5, 10, base.Add(2*time.Second)))
	w.Add(windowTrade(4, "0xb", models.TradeSideBuy, 0.5, 10, base.Add(3*time.Second)))

	if got := w.CountByWalletSide("0xa", models.TradeSideBuy, base); got != 2 {
		t.Fatalf("count=%d, want 2", got)
	}
	if got := w.CountByWalletSide("0xa", models.TradeSideBuy, base.Add(time.Second)); got != 1 {
		t.Fatalf("count=%d, want 1 with later since", got)
	}
}

func TestNotionalByWalletSide(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewMarketWindow(50, time.Hour)
	w.Add(windowTrade(1, "0xa", models.TradeSideBuy, 0.5, 100, base))
	w.Add(windowTrade(2, "0xa", models.TradeSideBuy, 0.5, 100, base.Add(time.Second)))
	w.Add(windowTrade(3, "0xb", models.TradeSideSell, 0.5, 100, base.Add(2*time.Second)))

	byWallet := w.NotionalByWalletSide(models.TradeSideBuy, base)
	if len(byWallet) != 1 {
		t.Fatalf("wallets=%d, want 1", len(byWallet))
	}
	if want := decimal.NewFromInt(100); !byWallet["0xa"].Equal(want) {
		t.Fatalf("notional=%s, want %s", byWallet["0xa"], want)
	}
}
