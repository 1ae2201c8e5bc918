// Package audit defines the write-only interface to the externally owned
// audit log. Emission is best effort: a sink failure is logged locally and
// never propagated into the caller's control flow.
package audit

import (
	"context"
	"log/slog"
)

type Event struct {
	Type       string
	ActorID    string
	EntityType string
	EntityID   string
	Metadata   map[string]any
}

type Sink interface {
	Log(ctx context.Context, event Event) error
}

// Emit sends the event to the sink, swallowing failures. A nil sink is a
// no-op so callers never have to branch on whether auditing is wired up.
func Emit(ctx context.Context, sink Sink, event Event) {
	if sink == nil {
		return
	}
	err := sink.Log(ctx, event)
	if err != nil {
		slog.WarnContext(
			ctx, "audit sink write failed",
			"event_type", event.Type,
			"entity_type", event.EntityType,
			"entity_id", event.EntityID,
			"err", err,
		)
	}
}

// SlogSink writes audit events to the local structured log. It is the
// default sink when no external audit collaborator is configured.
type SlogSink struct{}

func (SlogSink) Log(ctx context.Context, event Event) error {
	slog.InfoContext(
		ctx, "audit",
		"event_type", event.Type,
		"actor_id", event.ActorID,
		"entity_type", event.EntityType,
		"entity_id", event.EntityID,
		"metadata", event.Metadata,
	)
	return nil
}
