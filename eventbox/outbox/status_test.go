//go:build unit

package outbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"PENDING", "PROCESSING", "PUBLISHED", "FAILED", "DEAD"} {
		status, err := ParseStatus(raw)
		require.NoError(t, err)
		require.Equal(t, raw, status.String())
	}

	_, err := ParseStatus("INVALID")
	require.ErrorIs(t, err, ErrStatusInvalid)

	_, err = ParseStatus("")
	require.ErrorIs(t, err, ErrStatusInvalid)
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		StatusPending:    {StatusProcessing},
		StatusFailed:     {StatusProcessing, StatusDead},
		StatusProcessing: {StatusProcessing, StatusPublished, StatusFailed, StatusDead},
		StatusPublished:  {},
		StatusDead:       {},
	}

	all := []Status{StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusDead}

	for from, nexts := range allowed {
		allowedSet := make(map[Status]bool, len(nexts))
		for _, next := range nexts {
			allowedSet[next] = true
		}

		for _, to := range all {
			require.Equal(t, allowedSet[to], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, StatusPublished.IsTerminal())
	require.True(t, StatusDead.IsTerminal())
	require.False(t, StatusPending.IsTerminal())
	require.False(t, StatusProcessing.IsTerminal())
	require.False(t, StatusFailed.IsTerminal())
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTransition("PENDING", "PROCESSING"))
	require.ErrorIs(t, ValidateTransition("PUBLISHED", "PENDING"), ErrTransitionInvalid)
	require.ErrorIs(t, ValidateTransition("DEAD", "PROCESSING"), ErrTransitionInvalid)
	require.ErrorIs(t, ValidateTransition("bogus", "PROCESSING"), ErrStatusInvalid)
	require.ErrorIs(t, ValidateTransition("PENDING", "bogus"), ErrStatusInvalid)
}
