// Package feed receives marker mutations over UDP. Each datagram carries one
// JSON mutation object or a JSON array of them; accepted mutations are applied
// to the clustering engine and, when a database is attached, written through to
// the marker store so the set survives a restart.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/db"
	"github.com/banshee-data/mapcluster/internal/geo"
	"github.com/banshee-data/mapcluster/internal/metrics"
)

// Mutation is the wire form of one feed operation. Op is "add" or "remove".
// For "add", ID is optional: a blank ID gets a generated one, which makes the
// point impossible to address later but is fine for fire-and-forget sources.
// For "remove", ID is required.
type Mutation struct {
	Op        string  `json:"op"`
	ID        string  `json:"id,omitempty"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Label     string  `json:"label,omitempty"`
	Protected bool    `json:"protected,omitempty"`
}

// DecodeMutations parses a datagram payload into mutations. A payload whose
// first non-space byte is '[' is decoded as an array; anything else is decoded
// as a single object.
func DecodeMutations(data []byte) ([]Mutation, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if trimmed[0] == '[' {
		var muts []Mutation
		if err := json.Unmarshal(trimmed, &muts); err != nil {
			return nil, fmt.Errorf("failed to parse mutation array: %w", err)
		}
		return muts, nil
	}
	var m Mutation
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mutation: %w", err)
	}
	return []Mutation{m}, nil
}

// validCoord rejects NaN, infinities, and out-of-range coordinates before they
// reach the engine, where they would poison every distance computation.
func validCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lng) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// PacketStats tracks receive-loop counters between log intervals.
type PacketStats struct {
	mu            sync.Mutex
	packetCount   int64
	byteCount     int64
	badCount      int64
	mutationCount int64
	lastReset     time.Time
}

func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

func (ps *PacketStats) AddBad() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.badCount++
}

func (ps *PacketStats) AddMutations(count int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.mutationCount += int64(count)
}

func (ps *PacketStats) GetAndReset() (packets int64, bytes int64, bad int64, mutations int64, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ps.lastReset)
	packets = ps.packetCount
	bytes = ps.byteCount
	bad = ps.badCount
	mutations = ps.mutationCount

	ps.packetCount = 0
	ps.byteCount = 0
	ps.badCount = 0
	ps.mutationCount = 0
	ps.lastReset = now

	return
}

// MutationRecorder captures accepted mutations for later replay.
type MutationRecorder interface {
	RecordMutation(m interface{}) error
}

// Config assembles a Listener. Engine is required; DB, Metrics, and Recorder
// are optional. StatsInterval of zero disables the periodic stats log line.
type Config struct {
	Addr          string
	ReadBuffer    int
	StatsInterval time.Duration
	Engine        *cluster.Engine
	DB            *db.DB
	Metrics       *metrics.Metrics
	Recorder      MutationRecorder
}

// Listener owns the UDP socket and the receive loop.
type Listener struct {
	cfg   Config
	stats PacketStats
}

func New(cfg Config) *Listener {
	return &Listener{cfg: cfg, stats: PacketStats{lastReset: time.Now()}}
}

// Stats returns and resets the counters accumulated since the last call.
func (l *Listener) Stats() (packets, bytes, bad, mutations int64, duration time.Duration) {
	return l.stats.GetAndReset()
}

// Listen binds the UDP socket and runs the receive loop until ctx is
// cancelled. Each read uses a short deadline so cancellation is noticed
// within a second even when the feed is silent.
func (l *Listener) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	defer conn.Close()

	if l.cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(l.cfg.ReadBuffer); err != nil {
			log.Printf("[Feed] Warning: failed to set UDP receive buffer to %d bytes: %v (some OSes clamp buffer sizes)", l.cfg.ReadBuffer, err)
		}
	}

	log.Printf("[Feed] Listening for marker mutations on %s", l.cfg.Addr)

	if l.cfg.StatsInterval > 0 {
		go l.logStats(ctx)
	}

	// Datagrams are small JSON documents; 64KB covers the largest batch a
	// single UDP packet can carry.
	buffer := make([]byte, 65536)
	timeoutCount := 0

	for {
		select {
		case <-ctx.Done():
			log.Println("[Feed] UDP listener shutting down")
			return ctx.Err()
		default:
			if err := conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
				log.Printf("[Feed] Error setting read deadline: %v", err)
				continue
			}

			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					timeoutCount++
					continue
				}
				log.Printf("[Feed] Error reading UDP packet: %v", err)
				continue
			}

			timeoutCount = 0
			l.HandlePacket(buffer[:n])
		}
	}
}

// HandlePacket decodes one datagram and applies its mutations. Exported so
// replay tools can push recorded packets through the same path the socket
// uses.
func (l *Listener) HandlePacket(data []byte) {
	l.stats.AddPacket(len(data))

	muts, err := DecodeMutations(data)
	if err != nil {
		l.stats.AddBad()
		l.countPacket("bad_json")
		log.Printf("[Feed] Dropping packet: %v", err)
		return
	}

	applied := 0
	for _, m := range muts {
		if l.Apply(m) {
			applied++
		}
	}
	l.stats.AddMutations(applied)
	l.countPacket("ok")
	if l.cfg.Metrics != nil && applied > 0 {
		l.cfg.Metrics.FeedPoints.Add(float64(applied))
	}
}

// Apply executes a single mutation against the engine and, when configured,
// the marker store. It reports whether the mutation changed the point set.
func (l *Listener) Apply(m Mutation) bool {
	switch m.Op {
	case "add":
		if !validCoord(m.Lat, m.Lng) {
			l.stats.AddBad()
			l.countPacket("bad_coord")
			log.Printf("[Feed] Rejecting add with invalid coordinate (%v, %v)", m.Lat, m.Lng)
			return false
		}
		l.record(m)
		p := cluster.Point{
			ID:        m.ID,
			Pos:       geo.LatLng{Lat: m.Lat, Lng: m.Lng},
			Label:     m.Label,
			Protected: m.Protected,
		}
		if p.ID == "" {
			p.ID = cluster.NewPoint(m.Lat, m.Lng).ID
		}
		changed := l.cfg.Engine.Add(p)
		if changed && l.cfg.DB != nil {
			if err := l.cfg.DB.UpsertMarker(p); err != nil {
				log.Printf("[Feed] Failed to persist marker %s: %v", p.ID, err)
			}
		}
		return changed

	case "remove":
		if m.ID == "" {
			l.stats.AddBad()
			l.countPacket("bad_op")
			log.Printf("[Feed] Rejecting remove without an id")
			return false
		}
		l.record(m)
		changed := l.cfg.Engine.RemoveID(m.ID)
		if changed && l.cfg.DB != nil {
			if _, err := l.cfg.DB.DeleteMarker(m.ID); err != nil {
				log.Printf("[Feed] Failed to delete marker %s: %v", m.ID, err)
			}
		}
		return changed

	default:
		l.stats.AddBad()
		l.countPacket("bad_op")
		log.Printf("[Feed] Rejecting unknown op %q", m.Op)
		return false
	}
}

// record captures a mutation that passed validation, whether or not it ends
// up changing the point set. Replay needs the full input stream, not just the
// effective subset.
func (l *Listener) record(m Mutation) {
	if l.cfg.Recorder == nil {
		return
	}
	if err := l.cfg.Recorder.RecordMutation(m); err != nil {
		log.Printf("[Feed] Failed to record mutation: %v", err)
	}
}

func (l *Listener) countPacket(status string) {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.FeedPackets.WithLabelValues(status).Inc()
	}
}

func (l *Listener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			packets, bytes, bad, mutations, duration := l.stats.GetAndReset()
			if packets == 0 && bad == 0 {
				continue
			}
			packetsPerSec := float64(packets) / duration.Seconds()
			kbPerSec := float64(bytes) / duration.Seconds() / 1024
			mutationsPerSec := float64(mutations) / duration.Seconds()

			logMsg := fmt.Sprintf("[Feed] stats (/sec): %.1f KB, %.1f packets, %.1f mutations",
				kbPerSec, packetsPerSec, mutationsPerSec)
			if bad > 0 {
				logMsg += fmt.Sprintf(", %d rejected", bad)
			}
			log.Print(logMsg)
		}
	}
}
