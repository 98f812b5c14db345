/*
Package servicebus composes the POS bridge: a broker transport, the command outbox relay,
the event consumer and the dispatcher registry, run under one lifecycle.
It stays decoupled from concrete brokers and stores via the contract/bus ports.
*/
package servicebus
