package relay

import (
	"context"

	"github.com/google/uuid"
)

// Process runs one processing pass outside the worker.
func (r *Relay) Process(ctx context.Context, id uuid.UUID) error { return r.processSafely(ctx, id) }

// Drain empties the queue without processing and returns ids in queue order.
func (r *Relay) Drain() []uuid.UUID {
	var ids []uuid.UUID

	for {
		select {
		case id := <-r.queue:
			r.unmarkQueued(id)
			ids = append(ids, id)
		default:
			return ids
		}
	}
}
