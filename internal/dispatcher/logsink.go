// internal/dispatcher/logsink.go
package dispatcher

import (
	"context"

	"trafficwatch/internal/model"

	"github.com/rs/zerolog"
)

// LogSink writes every message to a zerolog logger. It is the fallback
// when no chat token or bus is configured, and never fails.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(l zerolog.Logger) *LogSink {
	return &LogSink{logger: l}
}

func (s *LogSink) Send(_ context.Context, msg model.Message) error {
	s.logger.Info().
		Str("id", msg.ID).
		Str("kind", string(msg.Kind)).
		Str("destination", msg.Destination).
		Str("text", msg.Text).
		Msg("notification")
	return nil
}
