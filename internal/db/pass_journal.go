package db

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/timeutil"
)

// PassWriter is an interface for types that can persist pass records.
// DB implements this interface.
type PassWriter interface {
	InsertPasses(stats []cluster.PassStats) error
}

// PassJournal buffers clustering pass statistics in memory and flushes them
// to the database in batches. Record is cheap enough to hand to the engine as
// its pass sink; the actual writes happen on the journal's own goroutine.
type PassJournal struct {
	store    PassWriter
	interval time.Duration
	capacity int
	logger   *log.Logger
	clock    timeutil.Clock

	mu      sync.Mutex
	pending []cluster.PassStats
	dropped uint64
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	kick    chan struct{}
}

// PassJournalConfig contains configuration for PassJournal.
type PassJournalConfig struct {
	// Store is the database store for persistence
	Store PassWriter
	// Interval is how often to flush (e.g., 30*time.Second)
	Interval time.Duration
	// Capacity is the buffered record count that triggers an early flush.
	// Defaults to 64.
	Capacity int
	// Clock is optional; if nil, uses the real clock
	Clock timeutil.Clock
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

// NewPassJournal creates a new PassJournal.
func NewPassJournal(cfg PassJournalConfig) *PassJournal {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 64
	}
	return &PassJournal{
		store:    cfg.Store,
		interval: cfg.Interval,
		capacity: capacity,
		logger:   logger,
		clock:    clock,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		kick:     make(chan struct{}, 1),
	}
}

// Record appends a pass record to the buffer. When the buffer reaches
// capacity it nudges the flush loop instead of writing inline, so this is
// safe to call from the engine's pass callback.
func (j *PassJournal) Record(st cluster.PassStats) {
	j.mu.Lock()
	j.pending = append(j.pending, st)

	// Guard against unbounded growth when the database is unavailable.
	if max := j.capacity * 16; len(j.pending) > max {
		over := len(j.pending) - max
		j.pending = j.pending[over:]
		j.dropped += uint64(over)
		j.logger.Printf("PassJournal: buffer full, dropped %d oldest records (%d total)", over, j.dropped)
	}
	full := len(j.pending) >= j.capacity
	j.mu.Unlock()

	if full {
		select {
		case j.kick <- struct{}{}:
		default:
		}
	}
}

// Run starts the periodic flushing loop. It blocks until the context is
// cancelled or Stop() is called. Returns nil on clean shutdown.
func (j *PassJournal) Run(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil // already running
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	defer func() {
		close(j.doneCh)
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	if j.interval <= 0 {
		j.logger.Printf("PassJournal: interval is zero or negative, not starting")
		return nil
	}

	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Printf("PassJournal started: interval=%v capacity=%d", j.interval, j.capacity)

	for {
		select {
		case <-ctx.Done():
			j.logger.Printf("PassJournal stopping due to context cancellation")
			j.flushFinal()
			return nil
		case <-j.stopCh:
			j.logger.Printf("PassJournal stopping due to Stop() call")
			j.flushFinal()
			return nil
		case <-ticker.C():
			j.flush()
		case <-j.kick:
			j.flush()
		}
	}
}

// Stop requests the journal to stop. It is safe to call multiple times.
func (j *PassJournal) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	select {
	case <-j.stopCh:
		// already closed
	default:
		close(j.stopCh)
	}
	j.mu.Unlock()

	// Wait for completion
	<-j.doneCh
}

// IsRunning returns whether the journal loop is currently running.
func (j *PassJournal) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// Pending returns the number of buffered records awaiting a flush.
func (j *PassJournal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// flush writes the buffered records. On failure the batch is requeued so the
// next flush retries it.
func (j *PassJournal) flush() {
	if j.store == nil {
		return
	}

	j.mu.Lock()
	batch := j.pending
	j.pending = nil
	j.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := j.store.InsertPasses(batch); err != nil {
		j.logger.Printf("PassJournal: error flushing %d records: %v", len(batch), err)
		j.mu.Lock()
		j.pending = append(batch, j.pending...)
		j.mu.Unlock()
		return
	}
	j.logger.Printf("PassJournal: flushed %d pass records to database", len(batch))
}

// flushFinal performs a final flush before shutdown.
func (j *PassJournal) flushFinal() {
	j.flush()
}

// FlushNow triggers an immediate flush outside the regular interval.
func (j *PassJournal) FlushNow() {
	j.flush()
}
