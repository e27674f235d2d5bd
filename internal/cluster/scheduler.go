package cluster

import (
	"log"
	"sync"
	"sync/atomic"
)

// PassFunc executes one recompute pass for the given generation. It returns
// the committed delta and true, or a zero delta and false when the pass
// abandoned at a supersession checkpoint.
type PassFunc func(gen uint64, trigger string) (Delta, bool)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Run executes one pass. Required.
	Run PassFunc

	// OnDelta receives every committed delta, one at a time, from the
	// scheduler's single delivery goroutine.
	OnDelta func(Delta)

	// Logger for lifecycle messages. Nil means log.Default().
	Logger *log.Logger
}

type passRequest struct {
	gen     uint64
	trigger string
}

// Scheduler serializes recompute passes and guarantees that only the latest
// request's result is applied.
//
// Every request bumps a generation counter and lands in a one-slot mailbox,
// replacing any request still waiting there. One worker goroutine runs passes
// strictly one at a time; the pass function compares its captured generation
// against the counter at its checkpoints and abandons when a newer request
// has arrived. There is no preemptive cancellation: a pass already past its
// final checkpoint completes and its delta is delivered. A second goroutine
// owns delivery, so the boundary callback always runs on one designated
// goroutine, decoupled from the worker that computed the result.
type Scheduler struct {
	run     PassFunc
	onDelta func(Delta)
	logger  *log.Logger

	generation atomic.Uint64

	mu      sync.Mutex
	pending *passRequest

	kick        chan struct{}
	deltaCh     chan Delta
	stopCh      chan struct{}
	passDone    chan struct{}
	deliverDone chan struct{}
	closeOnce   sync.Once
}

// NewScheduler creates a scheduler and starts its pass and delivery workers.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Run == nil {
		panic("cluster: SchedulerConfig.Run is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		run:         cfg.Run,
		onDelta:     cfg.OnDelta,
		logger:      logger,
		kick:        make(chan struct{}, 1),
		deltaCh:     make(chan Delta, 16),
		stopCh:      make(chan struct{}),
		passDone:    make(chan struct{}),
		deliverDone: make(chan struct{}),
	}
	go s.passWorker()
	go s.deliveryWorker()
	return s
}

// Request enqueues a recompute, superseding any in-flight or waiting pass.
// It never blocks; add/remove paths call it fire-and-forget. Requests made
// after Close are dropped.
func (s *Scheduler) Request(trigger string) {
	gen := s.generation.Add(1)
	s.mu.Lock()
	s.pending = &passRequest{gen: gen, trigger: trigger}
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Generation returns the latest request generation.
func (s *Scheduler) Generation() uint64 { return s.generation.Load() }

// Superseded reports whether a newer request has arrived since gen was
// captured. Pass functions call this at their checkpoints.
func (s *Scheduler) Superseded(gen uint64) bool { return s.generation.Load() != gen }

// Close stops both workers. Buffered deltas are delivered before the
// delivery worker exits; an unstarted pending pass is dropped.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.passDone
		<-s.deliverDone
	})
}

func (s *Scheduler) passWorker() {
	defer close(s.passDone)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.kick:
		}
		for {
			s.mu.Lock()
			req := s.pending
			s.pending = nil
			s.mu.Unlock()
			if req == nil {
				break
			}
			if s.Superseded(req.gen) {
				continue
			}
			delta, ok := s.run(req.gen, req.trigger)
			if !ok {
				continue
			}
			select {
			case s.deltaCh <- delta:
			case <-s.stopCh:
				return
			}
		}
	}
}

func (s *Scheduler) deliveryWorker() {
	defer close(s.deliverDone)
	for {
		select {
		case d := <-s.deltaCh:
			s.deliver(d)
		case <-s.stopCh:
			for {
				select {
				case d := <-s.deltaCh:
					s.deliver(d)
				default:
					return
				}
			}
		}
	}
}

func (s *Scheduler) deliver(d Delta) {
	if s.onDelta != nil {
		s.onDelta(d)
	}
}
