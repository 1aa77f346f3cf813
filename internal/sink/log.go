package sink

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink records the message and reports success. Used for local runs
// where nothing should leave the machine.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "sink.log").Logger()}
}

func (s *LogSink) Send(_ context.Context, msg Message) error {
	s.log.Info().
		Str("task_id", msg.TaskID).
		Str("key", msg.DispatchKey).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("content_ref", msg.ContentRef).
		Time("scheduled_at", msg.ScheduledAt).
		Msg("email sent")
	return nil
}
