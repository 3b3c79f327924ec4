package clock

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock reads and ticker construction so polling loops
// can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors the subset of time.Ticker the dispatch loops need.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System returns the real-time clock.
//
//nolint:ireturn
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

//nolint:ireturn
func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{ticker: time.NewTicker(d)}
}

type systemTicker struct {
	ticker *time.Ticker
}

func (t *systemTicker) C() <-chan time.Time { return t.ticker.C }
func (t *systemTicker) Stop()               { t.ticker.Stop() }

// Manual is a controllable clock for tests. Time only moves when Advance or
// Set is called, and tickers fire only through Tick.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*ManualTicker
}

// NewManual creates a manual clock frozen at now.
func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = m.now.Add(d)
}

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = t
}

// NewTicker returns a ticker that fires only when Tick is called.
//
//nolint:ireturn
func (m *Manual) NewTicker(_ time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()

	ticker := &ManualTicker{ch: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, ticker)

	return ticker
}

// Tick fires every live ticker once with the current manual time.
func (m *Manual) Tick() {
	m.mu.Lock()
	now := m.now
	tickers := make([]*ManualTicker, len(m.tickers))
	copy(tickers, m.tickers)
	m.mu.Unlock()

	for _, ticker := range tickers {
		ticker.fire(now)
	}
}

// ManualTicker is a test ticker driven by Manual.Tick.
type ManualTicker struct {
	mu      sync.Mutex
	ch      chan time.Time
	stopped bool
}

// C returns the tick channel.
func (t *ManualTicker) C() <-chan time.Time { return t.ch }

// Stop marks the ticker stopped; further ticks are dropped.
func (t *ManualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
}

func (t *ManualTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	select {
	case t.ch <- now:
	default:
	}
}
