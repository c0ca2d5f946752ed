package notifier

import (
	"context"

	"github.com/cloudsync/cloudsync/internal/logging"
)

// LogSink delivers events through the structured Logger, the simplest
// sink and the default when no notifierSinks are configured.
type LogSink struct {
	Logger logging.Logger
}

// NewLogSink builds a LogSink. A nil logger falls back to logging.Noop.
func NewLogSink(logger logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Noop
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, event Event) Result {
	kv := []any{"kind", string(event.Kind), "source", event.SourceKey}
	for k, v := range event.Payload {
		kv = append(kv, k, v)
	}
	switch event.Kind {
	case KindRunFailure:
		s.Logger.Error(event.Message, kv...)
	default:
		s.Logger.Info(event.Message, kv...)
	}
	return Result{Delivered: true}
}
