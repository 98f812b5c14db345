// Package kafka forwards relay and consumer failure signals to a Kafka topic, keyed by
// signal kind so each kind stays ordered within its partition.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

const (
	// DefaultTopic is used when no topic is configured.
	DefaultTopic = "ops.pos.signals"

	KeyCommandFailed = "command.failed"
	KeyEventRejected = "event.rejected"
)

// Writer is a minimal Kafka-like writer interface.
// Users can adapt segmentio/kafka-go or any other client to this.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Notifier implements cbus.Notifier using an injected Writer.
type Notifier struct {
	Writer Writer
	Topic  string
}

var _ cbus.Notifier = (*Notifier)(nil)

// New creates a notifier writing to topic; empty means DefaultTopic.
func New(w Writer, topic string) *Notifier {
	if topic == "" {
		topic = DefaultTopic
	}

	return &Notifier{Writer: w, Topic: topic}
}

func (n *Notifier) CommandFailed(ctx context.Context, s cbus.FailedCommand) error {
	return n.write(ctx, KeyCommandFailed, s)
}

func (n *Notifier) EventRejected(ctx context.Context, s cbus.RejectedEvent) error {
	return n.write(ctx, KeyEventRejected, s)
}

func (n *Notifier) write(ctx context.Context, key string, signal any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if n.Writer == nil {
		return fmt.Errorf("kafka notify %s: no writer: %w", key, berr.ErrConfiguration)
	}

	val, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("kafka notify %s serialize: %w", key, errors.Join(berr.ErrSerializationFailed, err))
	}

	headers := map[string]string{"content-type": "application/json"}

	if err := n.Writer.Write(ctx, n.Topic, []byte(key), val, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka notify %s write to %q: %w", key, n.Topic, errors.Join(berr.ErrConnectivity, err))
	}

	return nil
}
