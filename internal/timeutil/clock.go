// Package timeutil lets time-driven loops run against a controllable
// clock in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock abstracts the parts of package time that periodic loops depend
// on, so tests can drive them without sleeping.
type Clock interface {
	// Now reports the current time.
	Now() time.Time

	// Since reports the time elapsed since t.
	Since(t time.Time) time.Duration

	// NewTicker returns a ticker that delivers ticks every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on its channel at a fixed period.
type Ticker interface {
	// C returns the channel ticks are delivered on.
	C() <-chan time.Time

	// Stop turns the ticker off.
	Stop()
}

// RealClock delegates to package time.
type RealClock struct{}

// Now reports the current wall time.
func (RealClock) Now() time.Time { return time.Now() }

// Since reports the wall time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// NewTicker wraps time.NewTicker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{tk: time.NewTicker(d)}
}

type realTicker struct {
	tk *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.tk.C }
func (t *realTicker) Stop()               { t.tk.Stop() }

// MockClock is a Clock whose time only moves when the test advances it.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*MockTicker
}

// NewMockClock returns a MockClock frozen at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

// Now reports the mock's current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since reports the elapsed mock time since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set jumps the clock to t without firing tickers.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d and fires every ticker whose
// next tick now lies in the past.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := append([]*MockTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, t := range tickers {
		t.advanceTo(now)
	}
}

// NewTicker returns a ticker driven by Advance rather than wall time.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTicker{
		ch:     make(chan time.Time, 1),
		period: d,
		next:   c.now.Add(d),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// MockTicker is the Ticker returned by MockClock.NewTicker.
type MockTicker struct {
	mu      sync.Mutex
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
}

// C returns the tick channel. It holds at most one pending tick, so an
// advance spanning several periods coalesces into a single delivery,
// matching time.Ticker's behaviour for a slow receiver.
func (t *MockTicker) C() <-chan time.Time { return t.ch }

// Stop disables the ticker. Subsequent advances no longer fire it.
func (t *MockTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *MockTicker) advanceTo(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || now.Before(t.next) {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
	for !now.Before(t.next) {
		t.next = t.next.Add(t.period)
	}
}
