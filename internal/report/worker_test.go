package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"polywatch/internal/config"
	"polywatch/internal/models"
	"polywatch/internal/repository"
)

type stubReportRepo struct {
	repository.Repository

	alertsByStatus map[string]int64
	events         int64
	markets        int64

	alertSince *time.Time
}

func (s *stubReportRepo) CountAlerts(ctx context.Context, params repository.ListAlertsParams) (int64, error) {
	s.alertSince = params.Since
	if params.Status == nil {
		return 0, nil
	}
	return s.alertsByStatus[*params.Status], nil
}

func (s *stubReportRepo) CountSignalEvents(ctx context.Context, params repository.ListSignalEventsParams) (int64, error) {
	return s.events, nil
}

func (s *stubReportRepo) CountMarkets(ctx context.Context, params repository.ListMarketsParams) (int64, error) {
	return s.markets, nil
}

type stubDigestSink struct {
	sent []string
	err  error
}

func (s *stubDigestSink) Name() string { return "stub" }

func (s *stubDigestSink) Send(ctx context.Context, text string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, text)
	return nil
}

func TestReportSendsDigest(t *testing.T) {
	repo := &stubReportRepo{
		alertsByStatus: map[string]int64{
			models.AlertStatusSent:   7,
			models.AlertStatusFailed: 1,
		},
		events:  120,
		markets: 42,
	}
	sink := &stubDigestSink{}
	now := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)
	w := &Worker{
		Repo:   repo,
		Sink:   sink,
		Config: config.ReportConfig{Window: 168 * time.Hour},
		Now:    func() time.Time { return now },
	}

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("sent=%d, want 1", len(sink.sent))
	}
	text := sink.sent[0]
	for _, want := range []string{"last 7d", "Signal events: 120", "Alerts sent: 7", "failed: 1", "Active markets: 42"} {
		if !strings.Contains(text, want) {
			t.Fatalf("digest %q missing %q", text, want)
		}
	}
	if repo.alertSince == nil || !repo.alertSince.Equal(now.Add(-168*time.Hour)) {
		t.Fatalf("since=%v, want window start", repo.alertSince)
	}
}

func TestReportSinkFailureSurfaces(t *testing.T) {
	repo := &stubReportRepo{}
	sink := &stubDigestSink{err: errors.New("telegram 502")}
	w := &Worker{Repo: repo, Sink: sink}

	if err := w.RunOnce(context.Background()); err == nil {
		t.Fatal("expected send error to surface")
	}
}
