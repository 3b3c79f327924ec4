// Package bus defines the transport abstraction between outbox publishers
// and inbox processors. The memory subpackage provides an in-process
// implementation; the rabbitmq package provides an AMQP one.
package bus
