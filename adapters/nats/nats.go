// Package nats forwards relay and consumer failure signals to operator tooling over NATS.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

const (
	// SubjectCommandFailed carries cbus.FailedCommand signals.
	SubjectCommandFailed = "ops.pos.command.failed"
	// SubjectEventRejected carries cbus.RejectedEvent signals.
	SubjectEventRejected = "ops.pos.event.rejected"
)

// Client is a minimal NATS-like publisher interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
}

// Notifier implements cbus.Notifier using an injected NATS-like Client.
type Notifier struct {
	Client Client
	// Prefix is prepended to every subject, e.g. an environment name plus a dot.
	Prefix string
}

var _ cbus.Notifier = (*Notifier)(nil)

// New creates a notifier publishing through c.
func New(c Client) *Notifier { return &Notifier{Client: c} }

func (n *Notifier) CommandFailed(ctx context.Context, s cbus.FailedCommand) error {
	return n.send(ctx, SubjectCommandFailed, s, s.CommandID)
}

func (n *Notifier) EventRejected(ctx context.Context, s cbus.RejectedEvent) error {
	return n.send(ctx, SubjectEventRejected, s, s.MessageID)
}

func (n *Notifier) send(ctx context.Context, subject string, signal any, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if n.Client == nil {
		return fmt.Errorf("nats notify %s: no client: %w", subject, berr.ErrConfiguration)
	}

	body, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("nats notify %s serialize: %w", subject, errors.Join(berr.ErrSerializationFailed, err))
	}

	headers := map[string]string{
		"content-type": "application/json",
		"signal-id":    id,
	}

	if err := n.Client.Publish(n.Prefix+subject, body, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats notify %s publish: %w", subject, errors.Join(berr.ErrConnectivity, err))
	}

	return nil
}
