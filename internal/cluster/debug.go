package cluster

import (
	"io"
	"log"
	"sync"
)

// LogWriters selects the destination for each of the three logging
// streams. A nil writer silences that stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// stream is one switchable log destination.
type stream struct {
	mu sync.RWMutex
	l  *log.Logger
}

func (s *stream) set(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w == nil {
		s.l = nil
		return
	}
	s.l = log.New(w, "[cluster] ", log.LstdFlags|log.Lmicroseconds)
}

func (s *stream) printf(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.l
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

var (
	opsStream   stream
	diagStream  stream
	traceStream stream
)

// SetLogWriters routes the streams to their writers.
func SetLogWriters(w LogWriters) {
	opsStream.set(w.Ops)
	diagStream.set(w.Diag)
	traceStream.set(w.Trace)
}

// Opsf writes to the ops stream: lifecycle events and conditions an
// operator should act on.
func Opsf(format string, args ...interface{}) {
	opsStream.printf(format, args...)
}

// Diagf writes to the diag stream: per-pass summaries and tuning context.
func Diagf(format string, args ...interface{}) {
	diagStream.printf(format, args...)
}

// Tracef writes to the trace stream: high-frequency point mutation and
// supersession telemetry.
func Tracef(format string, args ...interface{}) {
	traceStream.printf(format, args...)
}
