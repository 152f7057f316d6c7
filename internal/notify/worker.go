package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"polywatch/internal/config"
	"polywatch/internal/models"
	"polywatch/internal/pipeline"
	"polywatch/internal/repository"
)

// Worker streams unsent pending alerts to the sink, oldest first. The
// send and the sent-at commit form one logical operation with
// retry-before-commit semantics: a crash between the two yields at
// worst an extra delivery, never a lost one. After MaxAttempts the
// alert moves to the terminal failed state.
type Worker struct {
	Repo   repository.Repository
	Sink   Sink
	Config config.NotifierConfig
	Logger *zap.Logger
	Now    func() time.Time
}

func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.Repo == nil {
		return nil
	}
	idle := w.Config.IdleInterval
	if idle <= 0 {
		idle = 15 * time.Second
	}
	backoffBase := w.Config.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}
	backoffMax := w.Config.BackoffMax
	if backoffMax <= 0 {
		backoffMax = 300 * time.Second
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
			w.logWarn("notify poll failed", err)
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

// RunOnce delivers one batch of unsent alerts and returns how many
// reached a terminal state. A transient sink failure leaves its alert
// pending and surfaces as a transient error, so the loop paces retries
// with backoff instead of re-polling the same alert immediately.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w == nil || w.Repo == nil {
		return 0, nil
	}
	batch := w.Config.BatchSize
	if batch <= 0 {
		batch = 20
	}
	maxAttempts := w.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	alerts, err := w.Repo.ListUnsentAlerts(ctx, batch)
	if err != nil {
		return 0, err
	}
	handled := 0
	retryable := 0
	for _, alert := range alerts {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if alert.SentAt != nil || alert.Status != models.AlertStatusPending {
			continue
		}
		if w.Config.DryRun {
			if err := w.Repo.MarkAlertSent(ctx, alert.ID, alert.Attempts, w.now()); err != nil {
				w.logWarn("mark sent failed", err, zap.Uint64("alert_id", alert.ID))
			}
			handled++
			continue
		}
		if w.Sink == nil {
			continue
		}
		attempts := alert.Attempts + 1
		sendErr := w.Sink.Send(ctx, alert.Message)
		if sendErr == nil {
			if err := w.Repo.MarkAlertSent(ctx, alert.ID, attempts, w.now()); err != nil {
				w.logWarn("mark sent failed", err, zap.Uint64("alert_id", alert.ID))
			}
			handled++
			continue
		}
		// Non-transient sink errors are hopeless to retry; otherwise
		// keep the alert pending until the attempt budget runs out.
		terminal := attempts >= maxAttempts || !pipeline.IsTransient(sendErr)
		if err := w.Repo.RecordAlertFailure(ctx, alert.ID, attempts, terminal, sendErr.Error()); err != nil {
			w.logWarn("record failure failed", err, zap.Uint64("alert_id", alert.ID))
		}
		if terminal {
			handled++
			w.logWarn("alert delivery failed permanently", sendErr,
				zap.Uint64("alert_id", alert.ID),
				zap.Int("attempts", attempts),
			)
		} else {
			retryable++
			w.logWarn("alert delivery failed, will retry", sendErr,
				zap.Uint64("alert_id", alert.ID),
				zap.Int("attempts", attempts),
			)
		}
	}
	if w.Logger != nil && handled > 0 {
		w.Logger.Info("notify batch ok", zap.Int("alerts", handled), zap.Bool("dry_run", w.Config.DryRun))
	}
	if retryable > 0 {
		return handled, pipeline.Transientf("%d alert deliveries still pending retry", retryable)
	}
	return handled, nil
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
