// Package dispatch routes decoded POS events to domain handlers registered by
// (entity, event). It is a best-effort routing layer: malformed routing keys and
// routes without a handler are logged and dropped, while handler errors are returned
// so the consumer can dead-letter the message.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

// Middleware wraps handler execution. Middlewares run in registration order.
type Middleware func(next cbus.EventHandler) cbus.EventHandler

// Key identifies a route.
type Key struct {
	Entity string
	Event  string
}

func (k Key) String() string { return k.Entity + "." + k.Event }

func newKey(entity, event string) Key {
	return Key{Entity: strings.ToLower(strings.TrimSpace(entity)), Event: strings.ToLower(strings.TrimSpace(event))}
}

// Registry is concurrency-safe. Handlers are normally registered at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Key]cbus.EventHandler
	mw       []Middleware
	logger   *zap.Logger
}

var _ cbus.EventDispatcher = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for dropped events.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMiddleware appends global handler middleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(r *Registry) { r.mw = append(r.mw, mw...) }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		handlers: make(map[Key]cbus.EventHandler),
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}

	r.logger = r.logger.Named("dispatch")

	return r
}

// Register binds h to (entity, event). Duplicate bindings are rejected.
func (r *Registry) Register(entity, event string, h cbus.EventHandler) error {
	k := newKey(entity, event)
	if k.Entity == "" || k.Event == "" || h == nil {
		return fmt.Errorf("register %s: %w", k, berr.ErrConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[k]; exists {
		return fmt.Errorf("register %s: %w", k, berr.ErrHandlerExists)
	}

	r.handlers[k] = h

	return nil
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(entity, event string, fn func(ctx context.Context, e cbus.Event) error) error {
	if fn == nil {
		return r.Register(entity, event, nil)
	}

	return r.Register(entity, event, cbus.EventHandlerFunc(fn))
}

// RegisterJSON registers a handler that receives the payload decoded into T.
// A payload that does not decode into T is a handler failure.
func RegisterJSON[T any](r *Registry, entity, event string, fn func(ctx context.Context, e cbus.Event, v T) error) error {
	if fn == nil {
		return r.Register(entity, event, nil)
	}

	return r.Register(entity, event, cbus.EventHandlerFunc(func(ctx context.Context, e cbus.Event) error {
		var v T
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return fmt.Errorf("decode %s into %T: %w", e.RoutingKey, v, berr.ErrMalformedMessage)
		}

		return fn(ctx, e, v)
	}))
}

// Routes lists the registered routes, sorted.
func (r *Registry) Routes() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	return keys
}

// Dispatch routes routingKey to its handler. It returns nil for malformed keys and
// unknown routes; a handler error is wrapped with ErrHandlerFailed.
func (r *Registry) Dispatch(ctx context.Context, routingKey string, payload []byte) error {
	route, ok := cbus.ParseEventRoute(routingKey)
	if !ok {
		r.logger.Warn("dropping event with malformed routing key", zap.String("routing_key", routingKey))
		return nil
	}

	k := Key{Entity: route.Entity, Event: route.Event}

	r.mu.RLock()
	h, ok := r.handlers[k]
	mws := r.mw
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("dropping unroutable event",
			zap.String("routing_key", routingKey),
			zap.String("pos_type", route.PosType),
			zap.NamedError("reason", fmt.Errorf("%s: %w", k, berr.ErrUnroutableEvent)),
		)

		return nil
	}

	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}

	e := cbus.Event{RoutingKey: routingKey, Route: route, Payload: json.RawMessage(payload)}
	if err := h.Handle(ctx, e); err != nil {
		return fmt.Errorf("dispatch %s: %w: %w", routingKey, berr.ErrHandlerFailed, err)
	}

	return nil
}
