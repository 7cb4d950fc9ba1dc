// Package audit provides hierarchy.AuditSink implementations: a zerolog
// sink, a DynamoDB table sink, a watermill publisher sink and the Async and
// Multi combinators.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacentio/gachar/hierarchy"
	"github.com/jacentio/gachar/internal/logging"
)

// Event is the serialized form of an audit entry.
type Event struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	PerformedBy string         `json:"performed_by"`
	Details     map[string]any `json:"details,omitempty"`
	At          time.Time      `json:"at"`
}

// NewEvent converts entry to an Event with the given id.
func NewEvent(id string, entry hierarchy.AuditEntry) Event {
	return Event{
		ID:          id,
		Action:      entry.Action,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		PerformedBy: entry.PerformedBy,
		Details:     entry.Details,
		At:          entry.At.UTC(),
	}
}

// LogSink writes each entry as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

var _ hierarchy.AuditSink = (*LogSink)(nil)

// NewLogSink returns a LogSink. A nil logger uses the global logger with
// component "audit".
func NewLogSink(logger *zerolog.Logger) *LogSink {
	l := logging.WithComponent("audit")
	if logger != nil {
		l = *logger
	}
	return &LogSink{logger: l}
}

func (s *LogSink) Record(ctx context.Context, e hierarchy.AuditEntry) error {
	logging.Ctx(ctx, s.logger).Info().
		Str("action", e.Action).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID).
		Str("performed_by", e.PerformedBy).
		Fields(e.Details).
		Time("at", e.At).
		Msg("audit")
	return nil
}

// Multi fans an entry out to every sink. Every sink is tried; failures are
// joined.
type Multi []hierarchy.AuditSink

func (m Multi) Record(ctx context.Context, e hierarchy.AuditEntry) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every entry.
var Discard hierarchy.AuditSink = discard{}

type discard struct{}

func (discard) Record(context.Context, hierarchy.AuditEntry) error { return nil }
