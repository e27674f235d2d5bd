// Package recorder captures a live session as a durable event log: feed
// mutations, committed deltas, and pass summaries, in arrival order with
// capture timestamps. A session is a directory holding a JSON header, a
// sequence of zstd-compressed JSON-lines chunks rotated by event count, and
// a chunk index so replay can seek without decompressing everything.
package recorder

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/fsutil"
	"github.com/banshee-data/mapcluster/internal/security"
	"github.com/banshee-data/mapcluster/internal/timeutil"
)

// FormatVersion identifies the session layout. Bump on incompatible changes.
const FormatVersion = 1

// Session file names.
const (
	HeaderFile = "session.json"
	IndexFile  = "index.json"
)

// Event kinds.
const (
	EventMutation = "mutation"
	EventDelta    = "delta"
	EventPass     = "pass"
)

// Event is one recorded occurrence. Data holds the kind-specific payload
// exactly as it was captured.
type Event struct {
	Seq  uint64          `json:"seq"`
	At   time.Time       `json:"at"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Header describes a session. It is written when the session opens and
// rewritten with totals when it closes; a missing EndedAt means the session
// was interrupted.
type Header struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	ChunkSize int       `json:"chunk_size"`
	Events    uint64    `json:"events"`
	Chunks    int       `json:"chunks"`
	Version   int       `json:"version"`
}

// ChunkInfo is one index entry: the seq and time range a chunk covers.
type ChunkInfo struct {
	File     string    `json:"file"`
	FirstSeq uint64    `json:"first_seq"`
	LastSeq  uint64    `json:"last_seq"`
	FirstAt  time.Time `json:"first_at"`
	LastAt   time.Time `json:"last_at"`
	Events   int       `json:"events"`
}

// Config configures a Recorder.
type Config struct {
	// FS is the backing filesystem. Nil means the real one.
	FS fsutil.FileSystem

	// BaseDir is the directory sessions are created under.
	BaseDir string

	// Name overrides the generated session name. It is sanitized before use.
	Name string

	// ChunkSize is the number of events per chunk. <= 0 means 4096.
	ChunkSize int

	// Clock stamps events. Nil means the real clock.
	Clock timeutil.Clock
}

// Recorder appends events to the current session. Safe for concurrent use;
// the engine's delta callback, the feed loop, and the pass sink can all
// record into the same session.
type Recorder struct {
	fs        fsutil.FileSystem
	dir       string
	name      string
	chunkSize int
	clock     timeutil.Clock

	mu         sync.Mutex
	closed     bool
	seq        uint64
	header     Header
	index      []ChunkInfo
	chunkNum   int
	chunkFile  io.WriteCloser
	chunkEnc   *zstd.Encoder
	chunkJSON  *json.Encoder
	chunkInfo  ChunkInfo
	chunkCount int
}

// New opens a fresh session under cfg.BaseDir and writes its header. The
// first chunk is created lazily on the first event, so an immediately closed
// session holds only its header and an empty index.
func New(cfg Config) (*Recorder, error) {
	fsys := cfg.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("recorder base directory is required")
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 4096
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	started := clock.Now()
	name := cfg.Name
	if name == "" {
		name = started.UTC().Format("20060102-150405") + "-" + uuid.New().String()[:8]
	}
	name = security.SanitizeFilename(name)

	dir := filepath.Join(cfg.BaseDir, name)
	if fsys.Exists(dir) {
		return nil, fmt.Errorf("session %q already exists", name)
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	r := &Recorder{
		fs:        fsys,
		dir:       dir,
		name:      name,
		chunkSize: chunkSize,
		clock:     clock,
		header: Header{
			Name:      name,
			StartedAt: started,
			ChunkSize: chunkSize,
			Version:   FormatVersion,
		},
	}

	if err := r.writeHeader(); err != nil {
		return nil, err
	}
	return r, nil
}

// Name returns the session name.
func (r *Recorder) Name() string { return r.name }

// Dir returns the session directory.
func (r *Recorder) Dir() string { return r.dir }

// Events returns the number of events recorded so far.
func (r *Recorder) Events() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Record appends one event of the given kind. The payload is captured by
// JSON encoding at call time, so later mutation of the value is harmless.
func (r *Recorder) Record(kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("session %q is closed", r.name)
	}

	ev := Event{
		Seq:  r.seq + 1,
		At:   r.clock.Now(),
		Kind: kind,
		Data: data,
	}

	if r.chunkEnc == nil {
		if err := r.openChunk(ev); err != nil {
			return err
		}
	}

	if err := r.chunkJSON.Encode(ev); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	r.seq = ev.Seq
	r.chunkCount++
	r.chunkInfo.LastSeq = ev.Seq
	r.chunkInfo.LastAt = ev.At
	r.chunkInfo.Events = r.chunkCount

	if r.chunkCount >= r.chunkSize {
		if err := r.rotateChunk(); err != nil {
			return err
		}
	}
	return nil
}

// RecordDelta records a committed delta. Intended as an engine OnDelta sink.
func (r *Recorder) RecordDelta(d cluster.Delta) error {
	return r.Record(EventDelta, d)
}

// RecordPass records a pass summary. Intended as an engine OnPass sink.
func (r *Recorder) RecordPass(st cluster.PassStats) error {
	return r.Record(EventPass, st)
}

// RecordMutation records a feed mutation.
func (r *Recorder) RecordMutation(m interface{}) error {
	return r.Record(EventMutation, m)
}

// Close flushes the open chunk, writes the chunk index, and finalizes the
// header with totals and the end timestamp.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.chunkEnc != nil {
		if err := r.closeChunkLocked(); err != nil {
			return err
		}
	}

	if err := r.writeIndex(); err != nil {
		return err
	}

	r.header.EndedAt = r.clock.Now()
	r.header.Events = r.seq
	r.header.Chunks = len(r.index)
	return r.writeHeader()
}

// openChunk starts the next chunk file, named for its ordinal.
func (r *Recorder) openChunk(first Event) error {
	r.chunkNum++
	name := fmt.Sprintf("chunk-%06d.jsonl.zst", r.chunkNum)

	f, err := r.fs.Create(filepath.Join(r.dir, name))
	if err != nil {
		return fmt.Errorf("failed to create chunk %s: %w", name, err)
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}

	r.chunkFile = f
	r.chunkEnc = enc
	r.chunkJSON = json.NewEncoder(enc)
	r.chunkCount = 0
	r.chunkInfo = ChunkInfo{
		File:     name,
		FirstSeq: first.Seq,
		FirstAt:  first.At,
	}
	return nil
}

func (r *Recorder) rotateChunk() error {
	if err := r.closeChunkLocked(); err != nil {
		return err
	}
	// Persist the index at every rotation so an interrupted session still
	// replays up to its last completed chunk.
	return r.writeIndex()
}

func (r *Recorder) closeChunkLocked() error {
	if err := r.chunkEnc.Close(); err != nil {
		return fmt.Errorf("failed to close zstd writer: %w", err)
	}
	if err := r.chunkFile.Close(); err != nil {
		return fmt.Errorf("failed to close chunk file: %w", err)
	}
	r.index = append(r.index, r.chunkInfo)
	r.chunkFile = nil
	r.chunkEnc = nil
	r.chunkJSON = nil
	return nil
}

func (r *Recorder) writeHeader() error {
	data, err := json.MarshalIndent(r.header, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session header: %w", err)
	}
	if err := r.fs.WriteFile(filepath.Join(r.dir, HeaderFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session header: %w", err)
	}
	return nil
}

func (r *Recorder) writeIndex() error {
	index := r.index
	if index == nil {
		index = []ChunkInfo{}
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode chunk index: %w", err)
	}
	if err := r.fs.WriteFile(filepath.Join(r.dir, IndexFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write chunk index: %w", err)
	}
	return nil
}

// SessionInfo summarizes a recorded session for listings.
type SessionInfo struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Events    uint64    `json:"events"`
	Chunks    int       `json:"chunks"`
	SizeBytes int64     `json:"size_bytes"`
}

// ListSessions scans baseDir for session directories, newest first.
// Directories without a readable header are skipped.
func ListSessions(fsys fsutil.FileSystem, baseDir string) ([]SessionInfo, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}

	entries, err := fsys.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []SessionInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(baseDir, entry.Name())

		headerData, err := fsys.ReadFile(filepath.Join(dir, HeaderFile))
		if err != nil {
			continue
		}
		var header Header
		if err := json.Unmarshal(headerData, &header); err != nil {
			continue
		}

		info := SessionInfo{
			Name:      header.Name,
			StartedAt: header.StartedAt,
			EndedAt:   header.EndedAt,
			Events:    header.Events,
			Chunks:    header.Chunks,
		}
		if files, err := fsys.ReadDir(dir); err == nil {
			for _, f := range files {
				if fi, err := f.Info(); err == nil {
					info.SizeBytes += fi.Size()
				}
			}
		}
		sessions = append(sessions, info)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}
