package bus

import (
	"context"
	"time"
)

// FailedCommand is the operational signal for a command that reached FAILED.
type FailedCommand struct {
	CommandID   string    `json:"command_id"`
	VenueID     string    `json:"venue_id"`
	EntityType  string    `json:"entity_type"`
	CommandType string    `json:"command_type"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error"`
	FailedAt    time.Time `json:"failed_at"`
}

// RejectedEvent is the operational signal for an inbound message sent to the dead-letter queue.
type RejectedEvent struct {
	RoutingKey string    `json:"routing_key"`
	MessageID  string    `json:"message_id"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}

// Notifier forwards failure signals to operator tooling. Calls are best effort.
type Notifier interface {
	CommandFailed(ctx context.Context, s FailedCommand) error
	EventRejected(ctx context.Context, s RejectedEvent) error
}

// NopNotifier drops every signal.
type NopNotifier struct{}

func (NopNotifier) CommandFailed(context.Context, FailedCommand) error { return nil }

func (NopNotifier) EventRejected(context.Context, RejectedEvent) error { return nil }
