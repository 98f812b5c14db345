package bus

import "context"

// CommandPublisher delivers one message to the commands exchange and returns nil only
// once the broker confirmed durable acceptance.
type CommandPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Readiness is implemented by publishers that can report broker connectivity up front.
type Readiness interface {
	Connected() bool
}
