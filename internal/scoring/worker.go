package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"polywatch/internal/config"
	"polywatch/internal/models"
	"polywatch/internal/pipeline"
	"polywatch/internal/repository"
)

// Worker consumes signal events behind a durable cursor, aggregates
// them per (market, kind), and applies cooldown dedupe: at most one
// alert creation per key per cooldown window, no matter how many
// events arrive inside it. Events inside an open window are absorbed
// into the existing pending alert.
type Worker struct {
	Repo   repository.Repository
	Agg    *Aggregator
	Config config.ScoringConfig
	Logger *zap.Logger
	Now    func() time.Time
}

type aggregateKey struct {
	MarketID uint64
	Kind     string
}

func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.Repo == nil {
		return nil
	}
	idle := w.Config.IdleInterval
	if idle <= 0 {
		idle = 10 * time.Second
	}
	backoffBase := w.Config.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}
	backoffMax := w.Config.BackoffMax
	if backoffMax <= 0 {
		backoffMax = 180 * time.Second
	}
	backoff := backoffBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		processed, err := w.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, pipeline.ErrCursorConflict) {
				return err
			}
			w.logWarn("scoring batch failed", err)
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

// RunOnce processes one bounded batch of unseen signal events and
// advances the cursor after the alert writes commit.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w == nil || w.Repo == nil {
		return 0, nil
	}
	agg := w.Agg
	if agg == nil {
		agg = NewAggregator(w.Config)
	}
	batch := w.Config.BatchSize
	if batch <= 0 {
		batch = 500
	}
	cursor, err := w.Repo.GetCursor(ctx, models.CursorScoring)
	if err != nil {
		return 0, err
	}
	var position int64
	if cursor != nil {
		position = cursor.Position
	}
	events, err := w.Repo.ListSignalEventsAfter(ctx, uint64(position), batch)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	groups := map[aggregateKey][]models.SignalEvent{}
	kindsByMarket := map[uint64]map[string]struct{}{}
	order := make([]aggregateKey, 0)
	for _, event := range events {
		key := aggregateKey{MarketID: event.MarketID, Kind: event.Kind}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], event)
		if kindsByMarket[event.MarketID] == nil {
			kindsByMarket[event.MarketID] = map[string]struct{}{}
		}
		kindsByMarket[event.MarketID][event.Kind] = struct{}{}
	}

	now := w.now()
	cooldown := w.Config.Cooldown
	if cooldown <= 0 {
		cooldown = time.Hour
	}

	type pendingWrite struct {
		create *models.Alert
		absorb *models.Alert
	}
	writes := make([]pendingWrite, 0, len(order))
	created := 0
	absorbed := 0
	for _, key := range order {
		group := groups[key]
		extraKinds := len(kindsByMarket[key.MarketID]) - 1
		outcome, ok := agg.Score(group, extraKinds)
		if !ok {
			continue
		}
		windowStart, windowEnd := eventWindow(group)
		latest, err := w.Repo.LatestAlertByKey(ctx, key.MarketID, key.Kind)
		if err != nil {
			return 0, err
		}
		if latest != nil && now.Sub(latest.CreatedAt) < cooldown {
			// Inside the cooldown window: no new row. A still-pending
			// alert gets the fresher score and rationale; a terminal
			// one simply swallows the events.
			if latest.Status == models.AlertStatusPending {
				latest.Score = latest.Score.Add(outcome.Score)
				if latest.Score.GreaterThanOrEqual(decimal.NewFromFloat(agg.HighThreshold)) {
					latest.Severity = AlertSeverityHigh
				}
				if windowEnd.After(latest.WindowEnd) {
					latest.WindowEnd = windowEnd
				}
				latest.WhyJSON = whyJSON(group, latest.Score)
				latest.Message = w.composeMessage(ctx, key, latest.Score, latest.Severity, len(group))
				item := *latest
				writes = append(writes, pendingWrite{absorb: &item})
				absorbed++
			}
			continue
		}
		alert := &models.Alert{
			MarketID:    key.MarketID,
			Kind:        key.Kind,
			Score:       outcome.Score,
			Severity:    outcome.Severity,
			Status:      models.AlertStatusPending,
			WindowStart: windowStart,
			WindowEnd:   windowEnd,
			WhyJSON:     whyJSON(group, outcome.Score),
			CreatedAt:   now,
		}
		alert.Message = w.composeMessage(ctx, key, outcome.Score, outcome.Severity, len(group))
		writes = append(writes, pendingWrite{create: alert})
		created++
	}

	last := int64(events[len(events)-1].ID)
	watermark := events[len(events)-1].DetectedAt
	err = w.Repo.InTx(ctx, func(tx *gorm.DB) error {
		for _, write := range writes {
			if write.create != nil {
				if err := w.Repo.CreateAlertTx(ctx, tx, write.create); err != nil {
					return err
				}
			}
			if write.absorb != nil {
				if err := w.Repo.AbsorbAlertTx(ctx, tx, write.absorb); err != nil {
					return err
				}
			}
		}
		return w.Repo.AdvanceCursorTx(ctx, tx, models.CursorScoring, position, last, &watermark)
	})
	if err != nil {
		_ = w.Repo.RecordCursorError(ctx, models.CursorScoring, now, err)
		return 0, err
	}
	if w.Logger != nil {
		w.Logger.Info("scoring batch ok",
			zap.Int("events", len(events)),
			zap.Int("alerts_created", created),
			zap.Int("alerts_absorbed", absorbed),
			zap.Int64("cursor", last),
		)
	}
	return len(events), nil
}

func (w *Worker) composeMessage(ctx context.Context, key aggregateKey, score decimal.Decimal, severity string, eventCount int) string {
	question := fmt.Sprintf("market %d", key.MarketID)
	if market, err := w.Repo.GetMarketByID(ctx, key.MarketID); err == nil && market != nil {
		question = market.Question
	}
	return fmt.Sprintf("[%s] %s on %q: score %s from %d event(s)",
		severityTag(severity), key.Kind, question, score.String(), eventCount)
}

func severityTag(severity string) string {
	if severity == AlertSeverityHigh {
		return "HIGH"
	}
	return "WATCH"
}

func eventWindow(events []models.SignalEvent) (time.Time, time.Time) {
	start := events[0].DetectedAt
	end := events[0].DetectedAt
	for _, event := range events[1:] {
		if event.DetectedAt.Before(start) {
			start = event.DetectedAt
		}
		if event.DetectedAt.After(end) {
			end = event.DetectedAt
		}
	}
	return start, end
}

func whyJSON(events []models.SignalEvent, score decimal.Decimal) datatypes.JSON {
	countsBySeverity := map[string]int{}
	walletSet := map[string]struct{}{}
	for _, event := range events {
		countsBySeverity[event.Severity]++
		walletSet[event.Wallet] = struct{}{}
	}
	wallets := make([]string, 0, len(walletSet))
	for wallet := range walletSet {
		wallets = append(wallets, wallet)
	}
	sort.Strings(wallets)
	if len(wallets) > 5 {
		wallets = wallets[:5]
	}
	payload := map[string]any{
		"score":              score.String(),
		"event_count":        len(events),
		"counts_by_severity": countsBySeverity,
		"example_wallets":    wallets,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
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
