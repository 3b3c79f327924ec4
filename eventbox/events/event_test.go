//go:build unit

package events

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewValidEvent(t *testing.T) {
	t.Parallel()

	event, err := New("account.created", json.RawMessage(`{"id":"a-1"}`))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, event.ID)
	require.Equal(t, "account.created", event.Type)
	require.False(t, event.OccurredAt.IsZero())
}

func TestNewWithIDValidation(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	tests := []struct {
		name    string
		id      uuid.UUID
		typ     string
		payload json.RawMessage
		wantErr error
	}{
		{
			name:    "nil id",
			id:      uuid.Nil,
			typ:     "account.created",
			payload: json.RawMessage(`{}`),
			wantErr: ErrNilEventID,
		},
		{
			name:    "empty type",
			id:      uuid.New(),
			typ:     "   ",
			payload: json.RawMessage(`{}`),
			wantErr: ErrEmptyEventType,
		},
		{
			name:    "invalid json payload",
			id:      uuid.New(),
			typ:     "account.created",
			payload: json.RawMessage(`{not json`),
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "oversized payload",
			id:      uuid.New(),
			typ:     "account.created",
			payload: bytes.Repeat([]byte("a"), MaxPayloadSize+1),
			wantErr: ErrPayloadTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewWithID(tt.id, tt.typ, tt.payload, now)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewWithIDTrimsType(t *testing.T) {
	t.Parallel()

	event, err := NewWithID(uuid.New(), "  account.created  ", nil, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, "account.created", event.Type)
}

func TestNewWithIDZeroTimestampDefaults(t *testing.T) {
	t.Parallel()

	event, err := NewWithID(uuid.New(), "account.created", nil, time.Time{})
	require.NoError(t, err)
	require.False(t, event.OccurredAt.IsZero())
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	var recorder Recorder

	first, err := New("first", nil)
	require.NoError(t, err)
	second, err := New("second", nil)
	require.NoError(t, err)

	recorder.Raise(first)
	recorder.Raise(second)

	pending := recorder.PendingEvents()
	require.Len(t, pending, 2)
	require.Equal(t, "first", pending[0].Type)
	require.Equal(t, "second", pending[1].Type)

	// The returned slice is a copy; mutating it must not affect the buffer.
	pending[0].Type = "mutated"
	require.Equal(t, "first", recorder.PendingEvents()[0].Type)

	recorder.ClearEvents()
	require.Empty(t, recorder.PendingEvents())
}
