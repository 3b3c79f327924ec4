//go:build unit

package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/halberd-labs/lib-eventbox/eventbox/events"
	"github.com/stretchr/testify/require"
)

func testMessage(t *testing.T, eventType string) *Message {
	t.Helper()

	msg, err := NewMessage(uuid.New(), eventType, "events", []byte(`{"k":"v"}`), time.Time{})
	require.NoError(t, err)

	return msg
}

func TestHandlerRegistryRoutesByType(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()

	var handled string

	require.NoError(t, registry.Register("order.created", func(_ context.Context, msg *Message) error {
		handled = msg.EventType

		return nil
	}))

	require.NoError(t, registry.Handle(context.Background(), testMessage(t, "order.created")))
	require.Equal(t, "order.created", handled)
}

func TestHandlerRegistryRejectsDuplicate(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	noop := func(context.Context, *Message) error { return nil }

	require.NoError(t, registry.Register("order.created", noop))
	require.ErrorIs(t, registry.Register("order.created", noop), ErrHandlerAlreadyRegistered)
}

func TestHandlerRegistryValidation(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()

	require.ErrorIs(t, registry.Register("", func(context.Context, *Message) error { return nil }), ErrEventTypeRequired)
	require.ErrorIs(t, registry.Register("order.created", nil), ErrHandlerRequired)
	require.ErrorIs(t, registry.RegisterFallback(nil), ErrHandlerRequired)
	require.ErrorIs(t, registry.Handle(context.Background(), nil), ErrMessageRequired)
}

func TestHandlerRegistryFallback(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()

	require.ErrorIs(t, registry.Handle(context.Background(), testMessage(t, "order.unknown")), ErrHandlerNotRegistered)

	var fellBack bool

	require.NoError(t, registry.RegisterFallback(func(context.Context, *Message) error {
		fellBack = true

		return nil
	}))

	require.NoError(t, registry.Handle(context.Background(), testMessage(t, "order.unknown")))
	require.True(t, fellBack)
}

func TestReactorHandlerRebuildsEvent(t *testing.T) {
	t.Parallel()

	registry := events.NewReactorRegistry()

	var got events.Event

	require.NoError(t, registry.Register("order.created", func(_ context.Context, event events.Event) error {
		got = event

		return nil
	}))

	handler := ReactorHandler(events.NewDispatcher(registry))

	msg := testMessage(t, "order.created")
	require.NoError(t, handler(context.Background(), msg))

	require.Equal(t, msg.ID, got.ID)
	require.Equal(t, "order.created", got.Type)
	require.JSONEq(t, `{"k":"v"}`, string(got.Payload))
}

func TestReactorHandlerNilMessage(t *testing.T) {
	t.Parallel()

	handler := ReactorHandler(events.NewDispatcher(nil))

	require.ErrorIs(t, handler(context.Background(), nil), ErrMessageRequired)
}
