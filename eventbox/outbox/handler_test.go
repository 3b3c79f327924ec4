//go:build unit

package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/halberd-labs/lib-eventbox/eventbox/bus"
	busmemory "github.com/halberd-labs/lib-eventbox/eventbox/bus/memory"
	"github.com/stretchr/testify/require"
)

func newTestEvent(t *testing.T, eventType string) *Event {
	t.Helper()

	event, err := NewEvent(eventType, uuid.New(), "events", []byte(`{"k":"v"}`))
	require.NoError(t, err)

	return event
}

func TestHandlerRegistryRoutesByType(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()

	var handledType string

	require.NoError(t, registry.Register("account.created", func(_ context.Context, event *Event) error {
		handledType = event.EventType
		return nil
	}))

	require.NoError(t, registry.Handle(context.Background(), newTestEvent(t, "account.created")))
	require.Equal(t, "account.created", handledType)
}

func TestHandlerRegistryDuplicateRegistration(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	handler := func(_ context.Context, _ *Event) error { return nil }

	require.NoError(t, registry.Register("a", handler))
	require.ErrorIs(t, registry.Register("a", handler), ErrHandlerAlreadyRegistered)
}

func TestHandlerRegistryValidation(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()

	require.ErrorIs(t, registry.Register("  ", func(_ context.Context, _ *Event) error { return nil }), ErrEventTypeRequired)
	require.ErrorIs(t, registry.Register("a", nil), ErrEventHandlerRequired)
	require.ErrorIs(t, registry.Handle(context.Background(), nil), ErrEventRequired)
	require.ErrorIs(t, registry.RegisterFallback(nil), ErrEventHandlerRequired)
}

func TestHandlerRegistryUnregisteredType(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()

	err := registry.Handle(context.Background(), newTestEvent(t, "nobody.listens"))
	require.ErrorIs(t, err, ErrHandlerNotRegistered)
}

func TestHandlerRegistryFallback(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()

	var fallbackCalls int

	require.NoError(t, registry.RegisterFallback(func(_ context.Context, _ *Event) error {
		fallbackCalls++
		return nil
	}))

	require.NoError(t, registry.Handle(context.Background(), newTestEvent(t, "anything")))
	require.Equal(t, 1, fallbackCalls)
}

func TestBusHandlerPublishesEnvelope(t *testing.T) {
	t.Parallel()

	b := busmemory.New()

	received := make(chan bus.Message, 1)

	_, err := b.Subscribe("account.created", func(_ context.Context, msg bus.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	handler, err := BusHandler(b)
	require.NoError(t, err)

	event := newTestEvent(t, "account.created")
	require.NoError(t, handler(context.Background(), event))

	msg := <-received
	require.Equal(t, event.ID, msg.ID)
	require.Equal(t, event.EventType, msg.EventType)
	require.Equal(t, event.Topic, msg.Topic)
	require.Equal(t, event.Payload, []byte(msg.Payload))
}

func TestBusHandlerNilBus(t *testing.T) {
	t.Parallel()

	_, err := BusHandler(nil)
	require.ErrorIs(t, err, ErrBusRequired)
}

func TestRetryClassifierFunc(t *testing.T) {
	t.Parallel()

	var nilFn RetryClassifierFunc
	require.False(t, nilFn.IsNonRetryable(errors.New("x")))

	classifier := RetryClassifierFunc(func(err error) bool {
		return errors.Is(err, ErrPayloadNotJSON)
	})
	require.True(t, classifier.IsNonRetryable(ErrPayloadNotJSON))
	require.False(t, classifier.IsNonRetryable(errors.New("transient")))
}
