package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

// CommandStatus is the lifecycle state of a command record.
type CommandStatus string

const (
	StatusPending    CommandStatus = "PENDING"
	StatusProcessing CommandStatus = "PROCESSING"
	StatusFailed     CommandStatus = "FAILED"
)

// NotifyChannel is the store notification channel carrying new command ids.
const NotifyChannel = "new_pos_command"

const commandRoutingPrefix = "command"

// IsValid reports whether the status is part of the command lifecycle.
func (s CommandStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from s to next is allowed.
// PROCESSING is terminal on success; FAILED only leaves through an explicit requeue.
func (s CommandStatus) CanTransitionTo(next CommandStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	default:
		return false
	}
}

// ValidateTransition returns ErrInvalidTransition when from cannot move to to.
func ValidateTransition(from, to CommandStatus) error {
	if !from.IsValid() || !to.IsValid() || !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", berr.ErrInvalidTransition, from, to)
	}

	return nil
}

// Command is a durable request for a remote action on a venue's POS integration.
// Payload is opaque JSON and is relayed untouched.
type Command struct {
	ID            uuid.UUID
	VenueID       string
	EntityType    string
	CommandType   string
	Payload       json.RawMessage
	Status        CommandStatus
	Attempts      int
	ErrorMessage  string
	LastAttemptAt *time.Time
	CreatedAt     time.Time
}

// NewCommand builds a PENDING command. Only the JSON shape of payload is checked.
func NewCommand(venueID, entityType, commandType string, payload []byte) (*Command, error) {
	venueID = strings.TrimSpace(venueID)
	if venueID == "" {
		return nil, fmt.Errorf("new command: venue id required: %w", berr.ErrConfiguration)
	}

	if strings.TrimSpace(entityType) == "" || strings.TrimSpace(commandType) == "" {
		return nil, fmt.Errorf("new command: entity and command type required: %w", berr.ErrConfiguration)
	}

	if len(payload) == 0 {
		payload = []byte("{}")
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("new command: payload is not JSON: %w", berr.ErrSerializationFailed)
	}

	return &Command{
		ID:          uuid.New(),
		VenueID:     venueID,
		EntityType:  entityType,
		CommandType: commandType,
		Payload:     json.RawMessage(payload),
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// CommandMessage is the body published to the commands exchange.
type CommandMessage struct {
	Entity  string          `json:"entity"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// Message returns the wire body for c.
func (c *Command) Message() CommandMessage {
	payload := c.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	return CommandMessage{Entity: c.EntityType, Action: c.CommandType, Payload: payload}
}

// Body encodes the wire message with the payload bytes copied verbatim. encoding/json
// would compact and HTML-escape a RawMessage, so the envelope is assembled by hand.
func (c *Command) Body() ([]byte, error) {
	m := c.Message()
	if !json.Valid(m.Payload) {
		return nil, fmt.Errorf("encode command %s: payload is not JSON: %w", c.ID, berr.ErrSerializationFailed)
	}

	var buf bytes.Buffer
	buf.Grow(len(m.Payload) + len(m.Entity) + len(m.Action) + 40)

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	buf.WriteString(`{"entity":`)
	if err := enc.Encode(m.Entity); err != nil {
		return nil, fmt.Errorf("encode command %s: %w", c.ID, berr.ErrSerializationFailed)
	}
	buf.Truncate(buf.Len() - 1)

	buf.WriteString(`,"action":`)
	if err := enc.Encode(m.Action); err != nil {
		return nil, fmt.Errorf("encode command %s: %w", c.ID, berr.ErrSerializationFailed)
	}
	buf.Truncate(buf.Len() - 1)

	buf.WriteString(`,"payload":`)
	buf.Write(m.Payload)
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// CommandRoutingKey returns command.<posType>.<venueId>.
func CommandRoutingKey(posType, venueID string) string {
	return commandRoutingPrefix + "." + posType + "." + venueID
}

// Cursor positions a recovery sweep after the last row it has seen.
// The zero value starts from the oldest row.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// IsZero reports whether the cursor points at the beginning.
func (c Cursor) IsZero() bool { return c.CreatedAt.IsZero() && c.ID == uuid.Nil }

// After reports whether cmd sorts strictly after the cursor by (created_at, id).
func (c Cursor) After(cmd *Command) bool {
	if c.IsZero() {
		return true
	}

	if cmd.CreatedAt.Equal(c.CreatedAt) {
		return strings.Compare(cmd.ID.String(), c.ID.String()) > 0
	}

	return cmd.CreatedAt.After(c.CreatedAt)
}

// CursorOf returns the cursor positioned at cmd.
func CursorOf(cmd *Command) Cursor { return Cursor{CreatedAt: cmd.CreatedAt, ID: cmd.ID} }

// Venue is the read-only venue descriptor; PosType selects routing and protocol.
type Venue struct {
	ID      string
	PosType string
}
