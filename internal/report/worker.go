package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"polywatch/internal/config"
	"polywatch/internal/models"
	"polywatch/internal/notify"
	"polywatch/internal/repository"
)

// Worker composes a periodic activity digest and pushes it through
// the same sink the notifier uses. It reads counters only; alert
// delivery state stays owned by the notify worker.
type Worker struct {
	Repo   repository.Repository
	Sink   notify.Sink
	Config config.ReportConfig
	Logger *zap.Logger
	Now    func() time.Time
}

// RunOnce builds the digest for the configured window and sends it.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w == nil || w.Repo == nil || w.Sink == nil {
		return nil
	}
	window := w.Config.Window
	if window <= 0 {
		window = 168 * time.Hour
	}
	now := w.now()
	since := now.Add(-window)

	text, err := w.compose(ctx, since, now, window)
	if err != nil {
		return err
	}
	if err := w.Sink.Send(ctx, text); err != nil {
		return fmt.Errorf("send digest via %s: %w", w.Sink.Name(), err)
	}
	if w.Logger != nil {
		w.Logger.Info("digest sent", zap.String("sink", w.Sink.Name()), zap.Duration("window", window))
	}
	return nil
}

func (w *Worker) compose(ctx context.Context, since, now time.Time, window time.Duration) (string, error) {
	sent, err := w.countAlerts(ctx, models.AlertStatusSent, since)
	if err != nil {
		return "", err
	}
	pending, err := w.countAlerts(ctx, models.AlertStatusPending, since)
	if err != nil {
		return "", err
	}
	failed, err := w.countAlerts(ctx, models.AlertStatusFailed, since)
	if err != nil {
		return "", err
	}
	events, err := w.Repo.CountSignalEvents(ctx, repository.ListSignalEventsParams{Since: &since})
	if err != nil {
		return "", err
	}
	active := models.MarketStatusActive
	markets, err := w.Repo.CountMarkets(ctx, repository.ListMarketsParams{Status: &active})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Watcher digest, last %s (until %s)\n", formatWindow(window), now.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Signal events: %d\n", events)
	fmt.Fprintf(&b, "Alerts sent: %d", sent)
	if pending > 0 {
		fmt.Fprintf(&b, ", pending: %d", pending)
	}
	if failed > 0 {
		fmt.Fprintf(&b, ", failed: %d", failed)
	}
	fmt.Fprintf(&b, "\nActive markets: %d", markets)
	return b.String(), nil
}

func (w *Worker) countAlerts(ctx context.Context, status string, since time.Time) (int64, error) {
	return w.Repo.CountAlerts(ctx, repository.ListAlertsParams{Status: &status, Since: &since})
}

func formatWindow(window time.Duration) string {
	if window%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", window/(24*time.Hour))
	}
	return window.String()
}

func (w *Worker) now() time.Time {
	if w != nil && w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}
