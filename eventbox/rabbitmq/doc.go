// Package rabbitmq is the AMQP transport for eventbox.
//
// Connection wraps a single amqp091 connection with rate-limited redial.
// Publisher puts a channel into confirm mode and makes every publish wait for
// the broker's ack, recovering the channel with bounded backoff when it
// closes. Consumer reads a queue with manual acknowledgement: a handler error
// nacks the delivery back onto the queue, a malformed delivery is nacked
// without requeue so the dead-letter topology catches it. Bus wires the three
// together into a bus.MessageBus backed by a topic exchange.
package rabbitmq
