// Package serialmux fans a line-oriented serial device out to multiple
// subscribers. The mapcluster use is a GPS receiver on a field unit: one
// Monitor goroutine owns the port, every subscriber gets the NMEA sentence
// stream over its own channel, and writes (receiver configuration commands)
// are serialized through SendCommand. A scripted mock port stands in for the
// hardware in tests and dev mode.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrWriteFailed reports a short write to the serial port.
var ErrWriteFailed = errors.New("short write to serial port")

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls further behind than this starts losing lines rather than stalling the
// read loop; Dropped counts what was lost.
const subscriberBuffer = 16

// SerialMuxInterface is the surface tools program against, so a mux backed by
// real hardware and one backed by the mock are interchangeable.
type SerialMuxInterface interface {
	// Subscribe registers a new line channel and returns its id for
	// Unsubscribe.
	Subscribe() (string, chan string)
	// Unsubscribe closes and removes a subscriber channel.
	Unsubscribe(id string)
	// SendCommand writes one command line to the device, upgrading the
	// terminator to CRLF as NMEA framing requires.
	SendCommand(command string) error
	// Initialize sends the receiver start-up configuration.
	Initialize() error
	// Monitor reads lines from the device and fans them out until the
	// context is cancelled or the device closes.
	Monitor(ctx context.Context) error
	// Close closes all subscriber channels and the device.
	Close() error
}

// Mux multiplexes one serial device to many subscribers.
type Mux struct {
	port Port

	mu          sync.Mutex
	subscribers map[string]chan string
	dropped     uint64
	closed      bool

	writeMu sync.Mutex
}

var _ SerialMuxInterface = (*Mux)(nil)

// NewSerialMux wraps an already-open port.
func NewSerialMux(port Port) *Mux {
	return &Mux{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// NewRealSerialMux opens the serial device at path with the given options and
// returns a mux over it.
func NewRealSerialMux(path string, opts PortOptions) (*Mux, error) {
	port, err := OpenPort(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return NewSerialMux(port), nil
}

// subscriberID returns an 8-byte random hex token.
func subscriberID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber. The returned channel carries one
// serial line per receive and is closed by Unsubscribe or Close.
func (m *Mux) Subscribe() (string, chan string) {
	id := subscriberID()
	ch := make(chan string, subscriberBuffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return id, ch
	}
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (m *Mux) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Dropped returns the number of lines discarded because a subscriber's
// channel was full.
func (m *Mux) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// SendCommand writes one command line to the device. Commands from concurrent
// callers are serialized so their bytes never interleave on the wire.
func (m *Mux) SendCommand(command string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	command = strings.TrimRight(command, "\r\n") + "\r\n"
	n, err := m.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Initialize configures the receiver's sentence output so the parser sees
// only what it understands: position sentences (RMC and GGA) at a 1Hz fix
// and report rate. The commands follow the PMTK protocol common to MediaTek
// GPS modules; receivers that don't speak PMTK ignore them.
func (m *Mux) Initialize() error {
	for _, command := range []string{
		"$PMTK314,0,1,0,1,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0*28", // output RMC + GGA only
		"$PMTK220,1000*1F",         // report position once per second
		"$PMTK300,1000,0,0,0,0*1C", // compute a fix once per second
	} {
		if err := m.SendCommand(command); err != nil {
			return fmt.Errorf("send init command %q: %w", command, err)
		}
	}
	return nil
}

// Monitor reads lines from the device and fans them out to subscribers until
// ctx is cancelled, the device reports EOF (returns nil), or the read fails.
// A scan goroutine owns the blocking reads so cancellation is never stuck
// behind a quiet port.
func (m *Mux) Monitor(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scan := bufio.NewScanner(m.port)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			m.publish(line)
		}
	}
}

// publish delivers one line to every subscriber, dropping it for any whose
// buffer is full.
func (m *Mux) publish(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- line:
		default:
			m.dropped++
		}
	}
}

// Close closes every subscriber channel and then the device. Safe to call
// more than once.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.mu.Unlock()
	return m.port.Close()
}
