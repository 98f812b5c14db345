/*
Package bus holds the transport- and storage-agnostic contracts of the POS bridge:
the command record and its lifecycle, routing-key grammar, inbound deliveries, and the
ports implemented by adapters (publisher, store, notifications, dedup, notifier).
*/
package bus
