package audit

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// LogSink writes events to a zerolog logger. Frame-level events are logged
// at debug level, lifecycle events at info.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Write(ctx context.Context, e Event) error {
	var ev *zerolog.Event
	switch e.Kind {
	case KindFrameIn, KindFrameOut, KindLivenessAck, KindTelemetry:
		ev = s.logger.Debug()
	case KindMalformed, KindLivenessLost, KindDeadPeer, KindRejected:
		ev = s.logger.Warn()
	default:
		ev = s.logger.Info()
	}

	ev.Str("eventID", e.ID).
		Str("kind", string(e.Kind)).
		Str("tenantID", e.TenantID).
		Str("stationID", e.StationID)
	if e.MessageID != "" {
		ev.Str("messageID", e.MessageID)
	}
	if e.Action != "" {
		ev.Str("action", e.Action)
	}
	if e.Detail != "" {
		ev.Str("detail", e.Detail)
	}
	ev.Time("at", e.Time).Msg("Audit event")
	return nil
}

func (s *LogSink) Close() error { return nil }

// MultiSink fans every event out to all of its sinks.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
