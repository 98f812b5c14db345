package bus

import "context"

// EventHandler handles one decoded POS event. Implementations must be idempotent:
// redeliveries outside the dedup window reach them again.
type EventHandler interface {
	Handle(ctx context.Context, e Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, e Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// EventDispatcher routes a raw routing key and payload to a handler.
type EventDispatcher interface {
	Dispatch(ctx context.Context, routingKey string, payload []byte) error
}
