package notify

import (
	"context"

	"go.uber.org/zap"
)

// Sink delivers one alert message to a downstream channel. Errors
// marked transient (see internal/pipeline) are retried on later polls;
// anything else is terminal for the alert.
type Sink interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// LogSink writes alerts to the log instead of a real channel. Useful
// when no delivery credentials are configured.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, text string) error {
	if s != nil && s.Logger != nil {
		s.Logger.Info("alert", zap.String("message", text))
	}
	return nil
}
