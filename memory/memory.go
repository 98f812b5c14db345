// Package memory builds a Bridge backed entirely by the in-memory adapter. It needs no
// broker or database and is meant for local runs and handler tests.
package memory

import (
	"go.uber.org/zap"

	"github.com/next-trace/scg-pos-bridge/adapters/inmemory"
	"github.com/next-trace/scg-pos-bridge/servicebus"
)

// New constructs a Bridge over a fresh in-memory adapter and returns both, along with a
// cleanup function that closes the bridge. The adapter is returned so callers can seed
// venues, inject events and watch published commands.
func New(logger *zap.Logger) (*servicebus.Bridge, *inmemory.Adapter, func(), error) {
	ad := inmemory.New()

	b, err := servicebus.New(servicebus.Options{
		Transport:     ad,
		Store:         ad,
		Writer:        ad,
		Venues:        ad,
		Notifications: ad,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() { _ = b.Close() }

	return b, ad, cleanup, nil
}
