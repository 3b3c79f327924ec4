//go:build unit

package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/halberd-labs/lib-eventbox/eventbox/bus"
)

type ackRecord struct {
	tag     uint64
	requeue bool
}

// fakeAcknowledger records acks and nacks issued against deliveries.
type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  []ackRecord
	nacks []ackRecord
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acks = append(f.acks, ackRecord{tag: tag})

	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, _, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nacks = append(f.nacks, ackRecord{tag: tag, requeue: requeue})

	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.acks)
}

func (f *fakeAcknowledger) nackedWithRequeue() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.nacks) == 0 {
		return 0, false
	}

	return len(f.nacks), f.nacks[len(f.nacks)-1].requeue
}

// fakeConsumeChannel feeds scripted deliveries to the consumer.
type fakeConsumeChannel struct {
	deliveries chan amqp.Delivery
	qosErr     error
	consumeErr error

	mu       sync.Mutex
	prefetch int
}

func newFakeConsumeChannel() *fakeConsumeChannel {
	return &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeConsumeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prefetch = prefetchCount

	return f.qosErr
}

func (f *fakeConsumeChannel) Consume(_, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}

	return f.deliveries, nil
}

func (f *fakeConsumeChannel) Close() error { return nil }

func (f *fakeConsumeChannel) prefetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.prefetch
}

func envelopeDelivery(t *testing.T, ack *fakeAcknowledger) (amqp.Delivery, bus.Message) {
	t.Helper()

	msg := bus.Message{
		ID:         uuid.New(),
		EventType:  "order.created",
		Topic:      "events",
		Payload:    json.RawMessage(`{"amount":10}`),
		OccurredAt: time.Now().UTC().Truncate(time.Second),
	}

	body, err := json.Marshal(msg)
	require.NoError(t, err)

	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}, msg
}

func runConsumer(t *testing.T, consumer *Consumer) chan error {
	t.Helper()

	errCh := make(chan error, 1)

	go func() { errCh <- consumer.Run(context.Background()) }()

	t.Cleanup(consumer.Stop)

	return errCh
}

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	handler := func(context.Context, bus.Message) error { return nil }

	_, err := NewConsumer(nil, "q", handler)
	require.ErrorIs(t, err, ErrChannelRequired)

	_, err = NewConsumer(newFakeConsumeChannel(), "", handler)
	require.ErrorIs(t, err, ErrQueueRequired)

	_, err = NewConsumer(newFakeConsumeChannel(), "q", nil)
	require.ErrorIs(t, err, bus.ErrNilHandler)
}

func TestConsumerAcksOnSuccess(t *testing.T) {
	t.Parallel()

	ch := newFakeConsumeChannel()
	ack := &fakeAcknowledger{}

	var (
		mu       sync.Mutex
		received []bus.Message
	)

	consumer, err := NewConsumer(ch, "events.order.created", func(_ context.Context, msg bus.Message) error {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()

		return nil
	}, WithPrefetch(7))
	require.NoError(t, err)

	errCh := runConsumer(t, consumer)

	delivery, want := envelopeDelivery(t, ack)
	ch.deliveries <- delivery

	require.Eventually(t, func() bool { return ack.ackCount() == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Len(t, received, 1)
	require.Equal(t, want.ID, received[0].ID)
	require.Equal(t, want.EventType, received[0].EventType)
	require.JSONEq(t, string(want.Payload), string(received[0].Payload))
	mu.Unlock()

	require.Equal(t, 7, ch.prefetchCount())

	consumer.Stop()
	require.NoError(t, <-errCh)
}

func TestConsumerRequeuesOnHandlerError(t *testing.T) {
	t.Parallel()

	ch := newFakeConsumeChannel()
	ack := &fakeAcknowledger{}

	consumer, err := NewConsumer(ch, "events.order.created", func(context.Context, bus.Message) error {
		return errors.New("downstream unavailable")
	})
	require.NoError(t, err)

	runConsumer(t, consumer)

	delivery, _ := envelopeDelivery(t, ack)
	ch.deliveries <- delivery

	require.Eventually(t, func() bool {
		count, requeue := ack.nackedWithRequeue()

		return count == 1 && requeue
	}, time.Second, 5*time.Millisecond)

	require.Zero(t, ack.ackCount())
}

func TestConsumerDeadLettersUndecodableDelivery(t *testing.T) {
	t.Parallel()

	ch := newFakeConsumeChannel()
	ack := &fakeAcknowledger{}
	handlerCalled := false

	consumer, err := NewConsumer(ch, "events.order.created", func(context.Context, bus.Message) error {
		handlerCalled = true

		return nil
	})
	require.NoError(t, err)

	runConsumer(t, consumer)

	// No envelope, no usable properties: nowhere to route this but the DLQ.
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("not json")}

	require.Eventually(t, func() bool {
		count, requeue := ack.nackedWithRequeue()

		return count == 1 && !requeue
	}, time.Second, 5*time.Millisecond)

	require.False(t, handlerCalled)
}

func TestConsumerStopsWhenDeliveryStreamCloses(t *testing.T) {
	t.Parallel()

	ch := newFakeConsumeChannel()

	consumer, err := NewConsumer(ch, "events.order.created", func(context.Context, bus.Message) error { return nil })
	require.NoError(t, err)

	errCh := runConsumer(t, consumer)

	close(ch.deliveries)

	require.ErrorIs(t, <-errCh, ErrDeliveriesClosed)
}

func TestConsumerRunSurfacesSetupErrors(t *testing.T) {
	t.Parallel()

	handler := func(context.Context, bus.Message) error { return nil }

	qosBroken := newFakeConsumeChannel()
	qosBroken.qosErr = errors.New("qos refused")

	consumer, err := NewConsumer(qosBroken, "q", handler)
	require.NoError(t, err)
	require.ErrorContains(t, consumer.Run(context.Background()), "qos refused")

	consumeBroken := newFakeConsumeChannel()
	consumeBroken.consumeErr = errors.New("queue missing")

	consumer, err = NewConsumer(consumeBroken, "q", handler)
	require.NoError(t, err)
	require.ErrorContains(t, consumer.Run(context.Background()), "queue missing")
}

func TestDecodeDeliveryEnvelope(t *testing.T) {
	t.Parallel()

	delivery, want := envelopeDelivery(t, &fakeAcknowledger{})

	got, err := decodeDelivery(delivery)
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.EventType, got.EventType)
	require.Equal(t, want.Topic, got.Topic)
}

func TestDecodeDeliveryFallsBackToProperties(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	occurred := time.Now().UTC().Truncate(time.Second)

	got, err := decodeDelivery(amqp.Delivery{
		MessageId: id.String(),
		Type:      "order.created",
		Exchange:  "events",
		Timestamp: occurred,
		Body:      []byte(`{"amount":10}`),
	})
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, "order.created", got.EventType)
	require.Equal(t, "events", got.Topic)
	require.Equal(t, occurred, got.OccurredAt)
	require.JSONEq(t, `{"amount":10}`, string(got.Payload))
}

func TestDecodeDeliveryRejectsUnusable(t *testing.T) {
	t.Parallel()

	_, err := decodeDelivery(amqp.Delivery{Body: []byte("not json")})
	require.Error(t, err)

	_, err = decodeDelivery(amqp.Delivery{MessageId: "not-a-uuid", Type: "order.created"})
	require.Error(t, err)

	_, err = decodeDelivery(amqp.Delivery{MessageId: uuid.New().String()})
	require.Error(t, err)
}
