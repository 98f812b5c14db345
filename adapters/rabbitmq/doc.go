/*
Package rabbitmq is the AMQP transport of the POS bridge.

A Manager owns the single broker connection and channel, declares the topology on every
(re)connect and supervises reconnection. Publisher sends persistent command messages and
waits for broker confirms. Subscriber consumes the events queue with manual
acknowledgement. Trace context travels in message headers through a bus.HeaderPropagator.
*/
package rabbitmq
