package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

// Topology names every exchange, queue and binding the bridge declares.
type Topology struct {
	EventsExchange     string
	CommandsExchange   string
	DeadLetterExchange string
	EventsQueue        string
	DeadLetterQueue    string
	// EventsBinding binds EventsQueue to EventsExchange.
	EventsBinding string
	// DeadLetterKey is both the dead-letter routing key set on EventsQueue and the
	// DeadLetterQueue binding key.
	DeadLetterKey string
}

// DefaultTopology returns the production names.
func DefaultTopology() Topology {
	return Topology{
		EventsExchange:     "events",
		CommandsExchange:   "commands",
		DeadLetterExchange: "dead-letter",
		EventsQueue:        "events",
		DeadLetterQueue:    "dead-letter",
		EventsBinding:      "pos.#",
		DeadLetterKey:      "dead-letter",
	}
}

// withDefaults fills empty names from DefaultTopology.
func (t Topology) withDefaults() Topology {
	d := DefaultTopology()

	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}

	fill(&t.EventsExchange, d.EventsExchange)
	fill(&t.CommandsExchange, d.CommandsExchange)
	fill(&t.DeadLetterExchange, d.DeadLetterExchange)
	fill(&t.EventsQueue, d.EventsQueue)
	fill(&t.DeadLetterQueue, d.DeadLetterQueue)
	fill(&t.EventsBinding, d.EventsBinding)
	fill(&t.DeadLetterKey, d.DeadLetterKey)

	return t
}

// DeadLetterArgs are the queue arguments that route rejected messages to the DLX.
func (t Topology) DeadLetterArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.DeadLetterKey,
	}
}

// Declare declares the full topology. Every declaration is idempotent on the broker;
// the dead-letter side goes first so the events queue never exists without it.
func (t Topology) Declare(ch Channel) error {
	steps := []struct {
		what string
		run  func() error
	}{
		{"dead-letter exchange " + t.DeadLetterExchange, func() error {
			return ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil)
		}},
		{"dead-letter queue " + t.DeadLetterQueue, func() error {
			_, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil)
			return err
		}},
		{"dead-letter binding " + t.DeadLetterKey, func() error {
			return ch.QueueBind(t.DeadLetterQueue, t.DeadLetterKey, t.DeadLetterExchange, false, nil)
		}},
		{"events exchange " + t.EventsExchange, func() error {
			return ch.ExchangeDeclare(t.EventsExchange, amqp.ExchangeTopic, true, false, false, false, nil)
		}},
		{"commands exchange " + t.CommandsExchange, func() error {
			return ch.ExchangeDeclare(t.CommandsExchange, amqp.ExchangeTopic, true, false, false, false, nil)
		}},
		{"events queue " + t.EventsQueue, func() error {
			_, err := ch.QueueDeclare(t.EventsQueue, true, false, false, false, t.DeadLetterArgs())
			return err
		}},
		{"events binding " + t.EventsBinding, func() error {
			return ch.QueueBind(t.EventsQueue, t.EventsBinding, t.EventsExchange, false, nil)
		}},
	}

	for _, s := range steps {
		if err := s.run(); err != nil {
			return fmt.Errorf("declare %s: %w: %w", s.what, berr.ErrConnectivity, err)
		}
	}

	return nil
}
