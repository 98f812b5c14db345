// Package inmemory provides thread-safe in-memory implementations of the bridge ports:
// a command store with notify subscriptions and a broker transport. They back tests,
// the runnable example and memory.New.
package inmemory

// Adapter combines Store and Broker so one value satisfies every port.
// Use with servicebus.Options{Store: ad, Transport: ad, ...} or memory.New.
type Adapter struct {
	*Store
	*Broker
}

// New creates a new in-memory adapter with a connected broker and an empty store.
func New() *Adapter { return &Adapter{Store: NewStore(), Broker: NewBroker()} }
