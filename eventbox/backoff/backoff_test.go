//go:build unit

package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayFixed(t *testing.T) {
	t.Parallel()

	policy := Policy{Strategy: StrategyFixed, Base: 100 * time.Millisecond}

	require.Equal(t, 100*time.Millisecond, policy.Delay(1))
	require.Equal(t, 100*time.Millisecond, policy.Delay(5))
}

func TestDelayLinear(t *testing.T) {
	t.Parallel()

	policy := Policy{Strategy: StrategyLinear, Base: 50 * time.Millisecond}

	require.Equal(t, 50*time.Millisecond, policy.Delay(1))
	require.Equal(t, 150*time.Millisecond, policy.Delay(3))
}

func TestDelayExponential(t *testing.T) {
	t.Parallel()

	policy := Policy{Strategy: StrategyExponential, Base: 100 * time.Millisecond}

	require.Equal(t, 100*time.Millisecond, policy.Delay(1))
	require.Equal(t, 200*time.Millisecond, policy.Delay(2))
	require.Equal(t, 400*time.Millisecond, policy.Delay(3))
}

func TestDelayCap(t *testing.T) {
	t.Parallel()

	policy := Policy{
		Strategy: StrategyExponential,
		Base:     time.Second,
		Cap:      2 * time.Second,
	}

	require.Equal(t, 2*time.Second, policy.Delay(10))
}

func TestDelayOverflowSaturates(t *testing.T) {
	t.Parallel()

	policy := Policy{Strategy: StrategyExponential, Base: time.Hour}

	delay := policy.Delay(1000)
	require.Positive(t, delay)
}

func TestDelayJitterBounds(t *testing.T) {
	t.Parallel()

	policy := New(100*time.Millisecond, time.Second)

	for range 100 {
		delay := policy.Delay(3)
		require.GreaterOrEqual(t, delay, time.Duration(0))
		require.LessOrEqual(t, delay, 400*time.Millisecond)
	}
}

func TestDelayInvalidAttempt(t *testing.T) {
	t.Parallel()

	policy := Policy{Strategy: StrategyExponential, Base: 100 * time.Millisecond}

	require.Equal(t, 100*time.Millisecond, policy.Delay(0))
	require.Equal(t, 100*time.Millisecond, policy.Delay(-3))
}

func TestDelayZeroBase(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Duration(0), Policy{}.Delay(5))
}

func TestSleepWithContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSleepWithContextZeroDuration(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepWithContext(context.Background(), 0))
}

func TestSleepWithContextCompletes(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepWithContext(context.Background(), time.Millisecond))
}
