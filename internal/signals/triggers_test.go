package signals

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polywatch/internal/models"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func bigTrade(wallet string, notional float64, at time.Time) models.Trade {
	price := decimal.NewFromFloat(0.5)
	size := decimal.NewFromFloat(notional).Div(price)
	return models.Trade{
		ID:       1,
		MarketID: 1,
		Wallet:   wallet,
		Side:     models.TradeSideBuy,
		Price:    price,
		Size:     size,
		Notional: decimal.NewFromFloat(notional),
		TradedAt: at,
	}
}

func TestFreshWalletBigSize(t *testing.T) {
	trig := &FreshWalletBigSizeTrigger{
		MaxAge:      24 * time.Hour,
		MinNotional: decimal.NewFromInt(1000),
	}

	// Unknown wallet counts as fresh.
	res, ok := trig.Evaluate(Context{}, bigTrade("0xa", 1500, testBase))
	if !ok {
		t.Fatal("expected fire for unknown wallet")
	}
	if res.Severity != models.SeverityHigh {
		t.Fatalf("severity=%s, want high", res.Severity)
	}

	// Wallet seen long ago does not fire.
	old := &models.WalletStat{Wallet: "0xa", FirstSeenAt: testBase.Add(-48 * time.Hour)}
	if _, ok := trig.Evaluate(Context{Wallet: old}, bigTrade("0xa", 1500, testBase)); ok {
		t.Fatal("expected no fire for established wallet")
	}

	// Below the notional floor.
	if _, ok := trig.Evaluate(Context{}, bigTrade("0xa", 500, testBase)); ok {
		t.Fatal("expected no fire below min notional")
	}
}

func TestLowActivityBigSize(t *testing.T) {
	trig := &LowActivityBigSizeTrigger{
		FreshMaxAge: 24 * time.Hour,
		MaxTrades:   2,
		MinNotional: decimal.NewFromInt(1000),
	}
	established := &models.WalletStat{Wallet: "0xa", FirstSeenAt: testBase.Add(-72 * time.Hour)}

	res, ok := trig.Evaluate(Context{Wallet: established, RecentWalletTrades: 1}, bigTrade("0xa", 1500, testBase))
	if !ok {
		t.Fatal("expected fire for quiet established wallet")
	}
	if res.Severity != models.SeverityMedium {
		t.Fatalf("severity=%s, want medium", res.Severity)
	}

	if _, ok := trig.Evaluate(Context{Wallet: established, RecentWalletTrades: 10}, bigTrade("0xa", 1500, testBase)); ok {
		t.Fatal("expected no fire for active wallet")
	}

	// Unknown wallets are the fresh trigger's territory.
	if _, ok := trig.Evaluate(Context{RecentWalletTrades: 0}, bigTrade("0xa", 1500, testBase)); ok {
		t.Fatal("expected no fire for unknown wallet")
	}

	fresh := &models.WalletStat{Wallet: "0xa", FirstSeenAt: testBase.Add(-time.Hour)}
	if _, ok := trig.Evaluate(Context{Wallet: fresh, RecentWalletTrades: 0}, bigTrade("0xa", 1500, testBase)); ok {
		t.Fatal("expected no fire for fresh wallet")
	}
}

func TestRepeatEntries(t *testing.T) {
	trig := &RepeatEntriesTrigger{MinEntries: 3, Window: 10 * time.Minute}
	w := NewMarketWindow(50, time.Hour)
	w.Add(windowTrade(1, "0xa", models.TradeSideBuy, 0.5, 10, testBase))
	w.Add(windowTrade(2, "0xa", models.TradeSideBuy, 0.5, 10, testBase.Add(time.Minute)))

	trade := windowTrade(3, "0xa", models.TradeSideBuy, 0.5, 10, testBase.Add(2*time.Minute))
	res, ok := trig.Evaluate(Context{Window: w}, trade)
	if !ok {
		t.Fatal("expected fire on third entry")
	}
	if !res.Value.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("value=%s, want 3", res.Value)
	}

	// Different side does not count.
	sell := windowTrade(4, "0xa", models.TradeSideSell, 0.5, 10, testBase.Add(2*time.Minute))
	if _, ok := trig.Evaluate(Context{Window: w}, sell); ok {
		t.Fatal("expected no fire on the other side")
	}
}

func TestThinMarketImpact(t *testing.T) {
	trig := &ThinMarketImpactTrigger{
		Deviation:   decimal.NewFromFloat(0.05),
		MinNotional: decimal.NewFromInt(500),
		Baseline:    10,
	}
	w := NewMarketWindow(50, time.Hour)
	for i := 0; i < 5; i++ {
		w.Add(windowTrade(uint64(i+1), "0xa", models.TradeSideBuy, 0.5, 10, testBase.Add(time.Duration(i)*time.Second)))
	}

	moved := models.Trade{
		ID:       9,
		MarketID: 1,
		Wallet:   "0xb",
		Side:     models.TradeSideBuy,
		Price:    decimal.NewFromFloat(0.6),
		Size:     decimal.NewFromInt(2000),
		Notional: decimal.NewFromInt(1200),
		TradedAt: testBase.Add(time.Minute),
	}
	res, ok := trig.Evaluate(Context{Window: w}, moved)
	if !ok {
		t.Fatal("expected fire on price deviation")
	}
	if want := decimal.NewFromFloat(0.1); !res.Value.Equal(want) {
		t.Fatalf("deviation=%s, want %s", res.Value, want)
	}

	nearBaseline := moved
	nearBaseline.Price = decimal.NewFromFloat(0.51)
	if _, ok := trig.Evaluate(Context{Window: w}, nearBaseline); ok {
		t.Fatal("expected no fire near baseline")
	}

	// Too few trades for a baseline.
	empty := NewMarketWindow(50, time.Hour)
	if _, ok := trig.Evaluate(Context{Window: empty}, moved); ok {
		t.Fatal("expected no fire without baseline")
	}
}

func TestClustering(t *testing.T) {
	trig := &ClusteringTrigger{
		MinWallets:  3,
		Window:      5 * time.Minute,
		MinNotional: decimal.NewFromInt(200),
	}
	w := NewMarketWindow(50, time.Hour)
	w.Add(windowTrade(1, "0xa", models.TradeSideBuy, 0.5, 500, testBase))
	w.Add(windowTrade(2, "0xb", models.TradeSideBuy, 0.5, 500, testBase.Add(time.Minute)))

	trade := windowTrade(3, "0xc", models.TradeSideBuy, 0.5, 500, testBase.Add(2*time.Minute))
	res, ok := trig.Evaluate(Context{Window: w}, trade)
	if !ok {
		t.Fatal("expected fire with three wallets on one side")
	}
	if !res.Value.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("wallets=%s, want 3", res.Value)
	}

	// The third wallet arriving on the other side does not cluster.
	sell := windowTrade(4, "0xc", models.TradeSideSell, 0.5, 500, testBase.Add(2*time.Minute))
	if _, ok := trig.Evaluate(Context{Window: w}, sell); ok {
		t.Fatal("expected no fire across sides")
	}
}

func TestEarlyPositioning(t *testing.T) {
	trig := &EarlyPositioningTrigger{
		MinWinRate:  0.6,
		MinResolved: 5,
		MinNotional: decimal.NewFromInt(100),
	}
	sharp := &models.WalletStat{Wallet: "0xa", ResolvedTrades: 10, WinRate: 0.8}

	res, ok := trig.Evaluate(Context{Wallet: sharp}, bigTrade("0xa", 500, testBase))
	if !ok {
		t.Fatal("expected fire for high win-rate wallet")
	}
	if res.Severity != models.SeverityHigh {
		t.Fatalf("severity=%s, want high", res.Severity)
	}

	unproven := &models.WalletStat{Wallet: "0xa", ResolvedTrades: 2, WinRate: 0.9}
	if _, ok := trig.Evaluate(Context{Wallet: unproven}, bigTrade("0xa", 500, testBase)); ok {
		t.Fatal("expected no fire below resolved floor")
	}

	if _, ok := trig.Evaluate(Context{}, bigTrade("0xa", 500, testBase)); ok {
		t.Fatal("expected no fire for unknown wallet")
	}
}

func TestDefaultTriggersCoverAllKinds(t *testing.T) {
	triggers := DefaultTriggers(defaultTriggersConfig())
	kinds := map[string]bool{}
	for _, trig := range triggers {
		kinds[trig.Kind()] = true
	}
	for _, kind := range []string{
		KindFreshWalletBigSize,
		KindLowActivityBigSize,
		KindRepeatEntries,
		KindThinMarketImpact,
		KindClustering,
		KindEarlyPositioning,
	} {
		if !kinds[kind] {
			t.Fatalf("missing trigger kind %s", kind)
		}
	}
}
