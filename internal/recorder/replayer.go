package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/mapcluster/internal/fsutil"
)

// Replayer reads a recorded session back in sequence order. A chunk cut
// short by an interrupted session yields its complete events and is then
// skipped, so replay always ends cleanly at the last whole event.
type Replayer struct {
	fs     fsutil.FileSystem
	dir    string
	header Header
	index  []ChunkInfo
	chunks []string

	pos     int
	file    fs.File
	dec     *zstd.Decoder
	events  *json.Decoder
	pending *Event
}

// OpenSession opens the session directory for replay. The chunk index is
// used when present; otherwise chunk files are discovered by name, which
// covers sessions interrupted before their first rotation.
func OpenSession(fsys fsutil.FileSystem, dir string) (*Replayer, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}

	headerData, err := fsys.ReadFile(filepath.Join(dir, HeaderFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read session header: %w", err)
	}
	var header Header
	if err := json.Unmarshal(headerData, &header); err != nil {
		return nil, fmt.Errorf("failed to parse session header: %w", err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported session format version %d", header.Version)
	}

	var index []ChunkInfo
	if data, err := fsys.ReadFile(filepath.Join(dir, IndexFile)); err == nil {
		if err := json.Unmarshal(data, &index); err != nil {
			return nil, fmt.Errorf("failed to parse chunk index: %w", err)
		}
	}

	var chunks []string
	if len(index) > 0 {
		for _, ci := range index {
			chunks = append(chunks, ci.File)
		}
	} else {
		entries, err := fsys.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read session directory: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if !e.IsDir() && strings.HasPrefix(name, "chunk-") && strings.HasSuffix(name, ".jsonl.zst") {
				chunks = append(chunks, name)
			}
		}
		sort.Strings(chunks)
	}

	return &Replayer{
		fs:     fsys,
		dir:    dir,
		header: header,
		index:  index,
		chunks: chunks,
	}, nil
}

// Header returns the session header.
func (r *Replayer) Header() Header { return r.header }

// Next returns the next event, or io.EOF after the last one.
func (r *Replayer) Next() (*Event, error) {
	if r.pending != nil {
		ev := r.pending
		r.pending = nil
		return ev, nil
	}

	for {
		if r.events == nil {
			if r.pos >= len(r.chunks) {
				return nil, io.EOF
			}
			if err := r.openChunk(r.chunks[r.pos]); err != nil {
				return nil, err
			}
			r.pos++
		}

		var ev Event
		err := r.events.Decode(&ev)
		if err == nil {
			return &ev, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// Chunk exhausted, or truncated by an interrupted recorder.
			if cerr := r.closeChunk(); cerr != nil {
				return nil, cerr
			}
			continue
		}
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
}

// Seek positions the replayer so that the next event returned has
// Seq >= seq. Seeking past the end is not an error; Next then returns
// io.EOF. The chunk index narrows the scan to a single chunk when present.
func (r *Replayer) Seek(seq uint64) error {
	if err := r.closeChunk(); err != nil {
		return err
	}
	r.pending = nil

	r.pos = 0
	if len(r.index) > 0 {
		r.pos = len(r.chunks)
		for i, ci := range r.index {
			if ci.LastSeq >= seq {
				r.pos = i
				break
			}
		}
	}

	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if ev.Seq >= seq {
			r.pending = ev
			return nil
		}
	}
}

// Close releases the open chunk, if any.
func (r *Replayer) Close() error {
	r.pending = nil
	return r.closeChunk()
}

func (r *Replayer) openChunk(name string) error {
	f, err := r.fs.Open(filepath.Join(r.dir, name))
	if err != nil {
		return fmt.Errorf("failed to open chunk %s: %w", name, err)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to create zstd reader for %s: %w", name, err)
	}
	r.file = f
	r.dec = dec
	r.events = json.NewDecoder(dec)
	return nil
}

func (r *Replayer) closeChunk() error {
	if r.dec != nil {
		r.dec.Close()
		r.dec = nil
	}
	r.events = nil
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		if err != nil {
			return fmt.Errorf("failed to close chunk file: %w", err)
		}
	}
	return nil
}
