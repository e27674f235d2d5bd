package cluster

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitDelta(t *testing.T, ch <-chan Delta) Delta {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delta")
		return Delta{}
	}
}

func waitGen(t *testing.T, ch <-chan uint64) uint64 {
	t.Helper()
	select {
	case g := <-ch:
		return g
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pass")
		return 0
	}
}

func expectNoDelta(t *testing.T, ch <-chan Delta) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delta for gen %d", d.Gen)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSchedulerRunsRequestedPass(t *testing.T) {
	deltas := make(chan Delta, 4)
	s := NewScheduler(SchedulerConfig{
		Run: func(gen uint64, trigger string) (Delta, bool) {
			return Delta{Gen: gen, Trigger: trigger}, true
		},
		OnDelta: func(d Delta) { deltas <- d },
	})
	defer s.Close()

	s.Request("point-add")

	d := waitDelta(t, deltas)
	if d.Gen != 1 {
		t.Errorf("expected gen 1, got %d", d.Gen)
	}
	if d.Trigger != "point-add" {
		t.Errorf("expected trigger point-add, got %q", d.Trigger)
	}
}

func TestSchedulerGenerationBumpsPerRequest(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Run: func(gen uint64, trigger string) (Delta, bool) { return Delta{}, false },
	})
	defer s.Close()

	if got := s.Generation(); got != 0 {
		t.Fatalf("expected initial generation 0, got %d", got)
	}
	s.Request("a")
	s.Request("b")
	s.Request("c")
	if got := s.Generation(); got != 3 {
		t.Errorf("expected generation 3 after three requests, got %d", got)
	}
	if s.Superseded(3) {
		t.Error("latest generation must not read as superseded")
	}
	if !s.Superseded(2) {
		t.Error("older generation must read as superseded")
	}
}

// A pass that observes supersession at its checkpoint abandons, and only the
// newest request's delta is delivered.
func TestSchedulerSupersededPassAbandons(t *testing.T) {
	deltas := make(chan Delta, 4)
	entered := make(chan uint64, 4)
	gate := make(chan struct{})

	var s *Scheduler
	s = NewScheduler(SchedulerConfig{
		Run: func(gen uint64, trigger string) (Delta, bool) {
			entered <- gen
			<-gate
			if s.Superseded(gen) {
				return Delta{}, false
			}
			return Delta{Gen: gen}, true
		},
		OnDelta: func(d Delta) { deltas <- d },
	})
	defer s.Close()

	s.Request("first")
	if g := waitGen(t, entered); g != 1 {
		t.Fatalf("expected first pass at gen 1, got %d", g)
	}

	// A second request lands while the first pass is mid-flight.
	s.Request("second")
	gate <- struct{}{} // first pass hits its checkpoint and abandons
	if g := waitGen(t, entered); g != 2 {
		t.Fatalf("expected follow-up pass at gen 2, got %d", g)
	}
	gate <- struct{}{}

	d := waitDelta(t, deltas)
	if d.Gen != 2 {
		t.Errorf("expected only gen 2 delivered, got %d", d.Gen)
	}
	expectNoDelta(t, deltas)
}

// Requests made while a pass runs collapse into one follow-up pass.
func TestSchedulerMailboxKeepsLatestOnly(t *testing.T) {
	deltas := make(chan Delta, 8)
	entered := make(chan uint64, 8)
	gate := make(chan struct{})
	var runs atomic.Int32

	s := NewScheduler(SchedulerConfig{
		Run: func(gen uint64, trigger string) (Delta, bool) {
			runs.Add(1)
			entered <- gen
			<-gate
			return Delta{Gen: gen, Trigger: trigger}, true
		},
		OnDelta: func(d Delta) { deltas <- d },
	})
	defer s.Close()

	s.Request("first")
	waitGen(t, entered)
	for i := 0; i < 5; i++ {
		s.Request("burst")
	}
	gate <- struct{}{}

	// Exactly one follow-up pass runs, at the newest generation.
	if g := waitGen(t, entered); g != 6 {
		t.Fatalf("expected follow-up pass at gen 6, got %d", g)
	}
	gate <- struct{}{}

	waitDelta(t, deltas) // gen 1, committed before the burst arrived
	d := waitDelta(t, deltas)
	if d.Gen != 6 {
		t.Errorf("expected final delta at gen 6, got %d", d.Gen)
	}
	expectNoDelta(t, deltas)

	if got := runs.Load(); got != 2 {
		t.Errorf("expected 2 pass runs for 6 requests, got %d", got)
	}
}

func TestSchedulerDeliversInOrder(t *testing.T) {
	deltas := make(chan Delta, 16)
	s := NewScheduler(SchedulerConfig{
		Run: func(gen uint64, trigger string) (Delta, bool) {
			return Delta{Gen: gen}, true
		},
		OnDelta: func(d Delta) { deltas <- d },
	})
	defer s.Close()

	var got []uint64
	for i := 0; i < 5; i++ {
		s.Request("tick")
		got = append(got, waitDelta(t, deltas).Gen)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("expected strictly increasing delivery, got %v", got)
		}
	}
}

func TestSchedulerAbandonedPassDeliversNothing(t *testing.T) {
	deltas := make(chan Delta, 4)
	s := NewScheduler(SchedulerConfig{
		Run:     func(gen uint64, trigger string) (Delta, bool) { return Delta{}, false },
		OnDelta: func(d Delta) { deltas <- d },
	})
	defer s.Close()

	s.Request("noop")
	expectNoDelta(t, deltas)
}

// Close waits for buffered deltas to reach the callback before returning.
func TestSchedulerCloseDrainsBufferedDeltas(t *testing.T) {
	var delivered atomic.Int32
	firstDelivery := make(chan struct{})
	gate := make(chan struct{})
	entered := make(chan uint64, 4)

	s := NewScheduler(SchedulerConfig{
		Run: func(gen uint64, trigger string) (Delta, bool) {
			entered <- gen
			if gen == 3 {
				return Delta{}, false
			}
			return Delta{Gen: gen}, true
		},
		OnDelta: func(d Delta) {
			if delivered.Add(1) == 1 {
				close(firstDelivery)
				<-gate
			}
		},
	})

	s.Request("one")
	waitGen(t, entered)
	<-firstDelivery // delivery worker now blocked inside the callback

	s.Request("two")
	waitGen(t, entered)

	// The worker is strictly serial, so entering a third pass proves the
	// second delta is already buffered for delivery.
	s.Request("three")
	waitGen(t, entered)

	close(gate)
	s.Close()

	if got := delivered.Load(); got != 2 {
		t.Errorf("expected both committed deltas delivered before Close returned, got %d", got)
	}
}

func TestSchedulerCloseIdempotent(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Run: func(gen uint64, trigger string) (Delta, bool) { return Delta{}, false },
	})
	s.Close()
	s.Close() // second close is a no-op

	// Requests after close are dropped without panicking.
	s.Request("late")
}
