package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy selects how the delay grows between attempts.
type Strategy int

const (
	// StrategyFixed uses the base delay for every attempt.
	StrategyFixed Strategy = iota
	// StrategyLinear multiplies the base delay by the attempt number.
	StrategyLinear
	// StrategyExponential doubles the base delay on each attempt.
	StrategyExponential
)

// maxExponent caps the shift so the doubling math cannot overflow.
const maxExponent = 32

// Policy computes retry delays. The zero value is a fixed policy with no
// delay; use New or the package-level helpers for something useful.
type Policy struct {
	Strategy Strategy
	Base     time.Duration
	Cap      time.Duration
	Jitter   bool
}

// New builds an exponential policy with full jitter, the default shape for
// retrying transient publish and store failures.
func New(base, cap time.Duration) Policy {
	return Policy{
		Strategy: StrategyExponential,
		Base:     base,
		Cap:      cap,
		Jitter:   true,
	}
}

// Delay returns the wait before the given attempt. Attempts are 1-based;
// attempt values below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}

	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration

	switch p.Strategy {
	case StrategyLinear:
		delay = p.Base * time.Duration(attempt)
	case StrategyExponential:
		delay = exponential(p.Base, attempt)
	default:
		delay = p.Base
	}

	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}

	if p.Jitter {
		delay = fullJitter(delay)
	}

	return delay
}

// exponential returns base * 2^(attempt-1), saturating instead of overflowing.
func exponential(base time.Duration, attempt int) time.Duration {
	exp := attempt - 1
	if exp > maxExponent {
		exp = maxExponent
	}

	multiplier := math.Pow(2, float64(exp))

	limit := float64(math.MaxInt64) / float64(base)
	if multiplier > limit {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// fullJitter draws a uniform delay in [0, d]. Spreading retries over the full
// window avoids synchronized retry storms across competing workers.
func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(d) + 1))
}

// Sleep waits for the computed delay of attempt, returning early with the
// context error if ctx is canceled first.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	return SleepWithContext(ctx, p.Delay(attempt))
}

// SleepWithContext pauses for d or until ctx is done, whichever comes first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
