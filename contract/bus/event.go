package bus

import (
	"encoding/json"
	"strings"
)

// EventRoutingPrefix is the first segment of every inbound event routing key.
const EventRoutingPrefix = "pos"

// Entities emitted by POS integrations. The dispatcher accepts any entity; these are the
// ones the backend currently binds handlers for.
const (
	EntityOrder     = "order"
	EntityOrderItem = "order-item"
	EntityStaff     = "staff"
	EntityShift     = "shift"
	EntityArea      = "area"
	EntityTable     = "table"
	EntityPayment   = "payment"
	EntityHeartbeat = "heartbeat"
)

// EventRoute is a decoded pos.<posType>.<entity>.<event> routing key.
type EventRoute struct {
	PosType string
	Entity  string
	Event   string
}

// ParseEventRoute splits a routing key into its route. Keys with fewer than four
// dot-separated segments are rejected. Entity and event are lower-cased.
func ParseEventRoute(routingKey string) (EventRoute, bool) {
	parts := strings.Split(routingKey, ".")
	if len(parts) < 4 {
		return EventRoute{}, false
	}

	entity := strings.ToLower(strings.TrimSpace(parts[2]))
	event := strings.ToLower(strings.TrimSpace(parts[3]))

	if entity == "" || event == "" {
		return EventRoute{}, false
	}

	return EventRoute{PosType: parts[1], Entity: entity, Event: event}, true
}

// EventRoutingKey builds pos.<posType>.<entity>.<event>.
func EventRoutingKey(posType, entity, event string) string {
	return EventRoutingPrefix + "." + posType + "." + entity + "." + event
}

// Event is a decoded inbound POS event handed to a domain handler.
type Event struct {
	RoutingKey string
	Route      EventRoute
	Payload    json.RawMessage
}
