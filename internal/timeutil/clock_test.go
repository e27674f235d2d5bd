package timeutil

import (
	"testing"
	"time"
)

func baseTime() time.Time {
	return time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC)
}

func TestRealClockNow(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	got := clock.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, want within [%v, %v]", got, before, after)
	}
}

func TestRealClockSince(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-50 * time.Millisecond)

	if d := clock.Since(past); d < 50*time.Millisecond {
		t.Errorf("Since(past) = %v, want at least 50ms", d)
	}
}

func TestRealClockTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("real ticker never fired")
	}
}

func TestMockClockNow(t *testing.T) {
	clock := NewMockClock(baseTime())

	if got := clock.Now(); !got.Equal(baseTime()) {
		t.Errorf("got %v, want %v", got, baseTime())
	}

	// Time must not move on its own.
	if got := clock.Now(); !got.Equal(baseTime()) {
		t.Errorf("second read got %v, want %v", got, baseTime())
	}
}

func TestMockClockAdvance(t *testing.T) {
	clock := NewMockClock(baseTime())
	clock.Advance(time.Hour)
	clock.Advance(30 * time.Minute)

	want := baseTime().Add(90 * time.Minute)
	if got := clock.Now(); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMockClockSince(t *testing.T) {
	clock := NewMockClock(baseTime())

	if d := clock.Since(baseTime().Add(-5 * time.Minute)); d != 5*time.Minute {
		t.Errorf("Since = %v, want 5 minutes", d)
	}
}

func TestMockClockSet(t *testing.T) {
	clock := NewMockClock(baseTime())
	target := baseTime().AddDate(0, 1, 0)
	clock.Set(target)

	if got := clock.Now(); !got.Equal(target) {
		t.Errorf("got %v, want %v", got, target)
	}
}

func TestMockTickerFiresOnAdvance(t *testing.T) {
	clock := NewMockClock(baseTime())
	ticker := clock.NewTicker(time.Minute)
	defer ticker.Stop()

	select {
	case <-ticker.C():
		t.Error("ticker fired before any advance")
	default:
	}

	clock.Advance(time.Minute)

	select {
	case <-ticker.C():
	default:
		t.Error("ticker did not fire after one full period")
	}
}

func TestMockTickerPartialAdvance(t *testing.T) {
	clock := NewMockClock(baseTime())
	ticker := clock.NewTicker(time.Minute)
	defer ticker.Stop()

	clock.Advance(30 * time.Second)

	select {
	case <-ticker.C():
		t.Error("ticker fired before the period elapsed")
	default:
	}

	// The two partial advances together cross the deadline.
	clock.Advance(30 * time.Second)

	select {
	case <-ticker.C():
	default:
		t.Error("ticker did not fire once partial advances summed to a period")
	}
}

func TestMockTickerCoalescesMissedTicks(t *testing.T) {
	clock := NewMockClock(baseTime())
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	// Five periods with nobody draining the channel: one pending tick.
	clock.Advance(5 * time.Second)

	select {
	case <-ticker.C():
	default:
		t.Fatal("expected a pending tick")
	}
	select {
	case <-ticker.C():
		t.Error("missed ticks should coalesce into a single delivery")
	default:
	}

	// The schedule catches up to now, so a fresh period fires again.
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Error("ticker did not resume after coalesced delivery")
	}
}

func TestMockTickerStop(t *testing.T) {
	clock := NewMockClock(baseTime())
	ticker := clock.NewTicker(250 * time.Millisecond)
	ticker.Stop()
	clock.Advance(3 * time.Second)

	select {
	case <-ticker.C():
		t.Error("a stopped ticker must stay silent")
	default:
	}
}

func TestMockClockSetDoesNotFireTickers(t *testing.T) {
	clock := NewMockClock(baseTime())
	ticker := clock.NewTicker(time.Minute)
	defer ticker.Stop()

	clock.Set(baseTime().Add(time.Hour))

	select {
	case <-ticker.C():
		t.Error("Set should reposition the clock without firing tickers")
	default:
	}
}

func TestMockClockMultipleTickers(t *testing.T) {
	clock := NewMockClock(baseTime())
	fast := clock.NewTicker(time.Second)
	slow := clock.NewTicker(time.Minute)
	defer fast.Stop()
	defer slow.Stop()

	clock.Advance(time.Second)

	select {
	case <-fast.C():
	default:
		t.Error("fast ticker did not fire")
	}
	select {
	case <-slow.C():
		t.Error("slow ticker fired early")
	default:
	}
}
