package scoring

import (
	"github.com/shopspring/decimal"

	"polywatch/internal/config"
	"polywatch/internal/models"
	"polywatch/internal/signals"
)

const (
	AlertSeverityHigh  = "high"
	AlertSeverityWatch = "watch"
)

// DefaultWeights rank signal kinds by how strongly they historically
// precede a real move.
var DefaultWeights = map[string]float64{
	signals.KindFreshWalletBigSize: 5,
	signals.KindLowActivityBigSize: 3,
	signals.KindRepeatEntries:      2,
	signals.KindThinMarketImpact:   4,
	signals.KindClustering:         3.5,
	signals.KindEarlyPositioning:   6,
}

var DefaultSeverityFactors = map[string]float64{
	models.SeverityHigh:   2,
	models.SeverityMedium: 1,
	models.SeverityLow:    0.5,
}

// Aggregator turns a group of signal events sharing one
// (market, kind) key into an alert score. It is pure; the worker owns
// cooldown and persistence.
type Aggregator struct {
	Weights           map[string]float64
	SeverityFactors   map[string]float64
	BonusPerExtraKind float64
	HighThreshold     float64
	WatchThreshold    float64
}

type Outcome struct {
	Score    decimal.Decimal
	Severity string
}

func NewAggregator(cfg config.ScoringConfig) *Aggregator {
	weights := cfg.Weights
	if len(weights) == 0 {
		weights = DefaultWeights
	}
	factors := cfg.SeverityFactors
	if len(factors) == 0 {
		factors = DefaultSeverityFactors
	}
	high := cfg.HighThreshold
	if high <= 0 {
		high = 12
	}
	watch := cfg.WatchThreshold
	if watch <= 0 {
		watch = 4
	}
	bonus := cfg.BonusPerExtraKind
	if bonus < 0 {
		bonus = 0
	}
	return &Aggregator{
		Weights:           weights,
		SeverityFactors:   factors,
		BonusPerExtraKind: bonus,
		HighThreshold:     high,
		WatchThreshold:    watch,
	}
}

// Score sums weighted event contributions plus a bonus for every other
// kind active on the same market in the batch. ok is false when the
// score stays below the watch threshold.
func (a *Aggregator) Score(events []models.SignalEvent, extraKinds int) (Outcome, bool) {
	if a == nil || len(events) == 0 {
		return Outcome{}, false
	}
	total := 0.0
	for _, event := range events {
		weight, ok := a.Weights[event.Kind]
		if !ok {
			weight = 1
		}
		factor, ok := a.SeverityFactors[event.Severity]
		if !ok {
			factor = 1
		}
		total += weight * factor
	}
	if extraKinds > 0 {
		total += a.BonusPerExtraKind * float64(extraKinds)
	}
	if total < a.WatchThreshold {
		return Outcome{}, false
	}
	severity := AlertSeverityWatch
	if total >= a.HighThreshold {
		severity = AlertSeverityHigh
	}
	return Outcome{
		Score:    decimal.NewFromFloat(total),
		Severity: severity,
	}, true
}
