package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CommandStore is the relay's view of the durable command table.
type CommandStore interface {
	// Get returns ErrCommandNotFound when id is unknown.
	Get(ctx context.Context, id uuid.UUID) (*Command, error)
	// MarkProcessing moves a PENDING command to PROCESSING and stamps lastAttemptAt.
	// It returns false when the command was no longer PENDING.
	MarkProcessing(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// MarkFailed moves a PROCESSING command to FAILED, increments attempts and stores errMsg.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error
	// ListPending returns up to limit PENDING commands after cursor, oldest first.
	ListPending(ctx context.Context, after Cursor, limit int) ([]*Command, error)
}

// CommandWriter is the inbound API used by domain code and operators.
type CommandWriter interface {
	// Enqueue inserts a PENDING command; the store signals NotifyChannel.
	Enqueue(ctx context.Context, cmd *Command) error
	// Requeue moves a FAILED command back to PENDING and signals NotifyChannel.
	Requeue(ctx context.Context, id uuid.UUID) error
}

// VenueDirectory resolves venue integration metadata.
type VenueDirectory interface {
	// Venue returns ErrConfiguration when the venue is unknown.
	Venue(ctx context.Context, id string) (Venue, error)
}

// CommandNotifications is a notify subscription on NotifyChannel.
// Listen blocks until ctx is done or the subscription is lost. ready is called once the
// subscription is active; notify receives each payload (a command id).
type CommandNotifications interface {
	Listen(ctx context.Context, ready func(), notify func(payload string)) error
}
