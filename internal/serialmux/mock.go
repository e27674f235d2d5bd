package serialmux

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

// MockPort simulates a serial GPS receiver: reads replay a script, writes are
// captured for inspection. With Loop set the script repeats forever, paced by
// Interval, which is how dev mode fakes a live receiver.
type MockPort struct {
	mu       sync.Mutex
	pending  []byte       // bytes not yet read
	script   []byte       // the full script, for looping
	writes   bytes.Buffer // everything written to the port
	loop     bool
	interval time.Duration
	closed   bool
	wake     chan struct{} // signals blocked readers on Close or refill
}

// NewMockPort creates a port that replays script once and then reports EOF.
func NewMockPort(script []byte) *MockPort {
	return &MockPort{
		pending: append([]byte(nil), script...),
		script:  append([]byte(nil), script...),
		wake:    make(chan struct{}, 1),
	}
}

// NewLoopingMockPort creates a port that replays script forever, pausing
// interval between repetitions.
func NewLoopingMockPort(script []byte, interval time.Duration) *MockPort {
	p := NewMockPort(script)
	p.loop = true
	p.interval = interval
	return p
}

// Read returns the next scripted bytes. On a looping port an exhausted script
// refills after the pacing interval; otherwise Read reports io.EOF. Reads
// after Close report io.ErrClosedPipe.
func (p *MockPort) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if len(p.pending) > 0 {
			n := copy(b, p.pending)
			p.pending = p.pending[n:]
			p.mu.Unlock()
			return n, nil
		}
		if !p.loop {
			p.mu.Unlock()
			return 0, io.EOF
		}
		p.mu.Unlock()

		select {
		case <-time.After(p.interval):
			p.mu.Lock()
			if !p.closed && len(p.pending) == 0 {
				p.pending = append([]byte(nil), p.script...)
			}
			p.mu.Unlock()
		case <-p.wake:
		}
	}
}

// Write captures the bytes for later inspection.
func (p *MockPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.writes.Write(b)
}

// Close marks the port closed and wakes any blocked reader.
func (p *MockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Commands returns the lines written to the port so far, CRLF-stripped.
func (p *MockPort) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw := strings.TrimRight(p.writes.String(), "\r\n")
	if raw == "" {
		return nil
	}
	lines := strings.Split(raw, "\r\n")
	return lines
}

// NewMockSerialMux creates a mux over a looping mock port replaying script at
// the dev-mode pace of a real 1Hz receiver batch.
func NewMockSerialMux(script []byte) *Mux {
	return NewSerialMux(NewLoopingMockPort(script, 500*time.Millisecond))
}
