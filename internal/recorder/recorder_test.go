package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/fsutil"
	"github.com/banshee-data/mapcluster/internal/timeutil"
)

func newTestRecorder(t *testing.T, fs *fsutil.MemoryFileSystem, clock timeutil.Clock, chunkSize int) *Recorder {
	t.Helper()
	rec, err := New(Config{
		FS:        fs,
		BaseDir:   "sessions",
		Name:      "test-session",
		ChunkSize: chunkSize,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("Failed to create recorder: %v", err)
	}
	return rec
}

func readAll(t *testing.T, rep *Replayer) []*Event {
	t.Helper()
	var events []*Event
	for {
		ev, err := rep.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("Failed to read event: %v", err)
		}
		events = append(events, ev)
	}
}

func TestRecordAndReplay(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := newTestRecorder(t, fs, clock, 3)

	if err := rec.RecordMutation(map[string]string{"op": "add", "id": "m-1"}); err != nil {
		t.Fatalf("Failed to record mutation: %v", err)
	}
	clock.Advance(time.Second)
	if err := rec.RecordDelta(cluster.Delta{PassID: "pass-1", Gen: 1, Trigger: "add"}); err != nil {
		t.Fatalf("Failed to record delta: %v", err)
	}
	clock.Advance(time.Second)
	if err := rec.RecordPass(cluster.PassStats{PassID: "pass-1", Gen: 1}); err != nil {
		t.Fatalf("Failed to record pass: %v", err)
	}
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		payload := map[string]string{"op": "add", "id": fmt.Sprintf("m-%d", i+2)}
		if err := rec.RecordMutation(payload); err != nil {
			t.Fatalf("Failed to record mutation %d: %v", i, err)
		}
	}

	if got := rec.Events(); got != 7 {
		t.Errorf("Expected 7 recorded events, got %d", got)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Failed to close recorder: %v", err)
	}

	rep, err := OpenSession(fs, rec.Dir())
	if err != nil {
		t.Fatalf("Failed to open session: %v", err)
	}
	defer rep.Close()

	header := rep.Header()
	if header.Name != "test-session" {
		t.Errorf("Expected session name test-session, got %q", header.Name)
	}
	if header.Events != 7 {
		t.Errorf("Expected 7 events in header, got %d", header.Events)
	}
	if header.Chunks != 3 {
		t.Errorf("Expected 3 chunks in header, got %d", header.Chunks)
	}
	if header.EndedAt.IsZero() {
		t.Error("Expected EndedAt to be set after close")
	}

	events := readAll(t, rep)
	if len(events) != 7 {
		t.Fatalf("Expected 7 replayed events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("Event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}
	if events[0].Kind != EventMutation || events[1].Kind != EventDelta || events[2].Kind != EventPass {
		t.Errorf("Unexpected event kinds: %s, %s, %s", events[0].Kind, events[1].Kind, events[2].Kind)
	}

	var d cluster.Delta
	if err := json.Unmarshal(events[1].Data, &d); err != nil {
		t.Fatalf("Failed to decode delta payload: %v", err)
	}
	if d.PassID != "pass-1" || d.Trigger != "add" {
		t.Errorf("Delta payload did not round-trip: %+v", d)
	}

	if want := events[0].At.Add(time.Second); !events[1].At.Equal(want) {
		t.Errorf("Expected second event at %v, got %v", want, events[1].At)
	}
}

func TestChunkLayout(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := newTestRecorder(t, fs, clock, 2)

	for i := 0; i < 5; i++ {
		if err := rec.RecordMutation(map[string]int{"n": i}); err != nil {
			t.Fatalf("Failed to record event %d: %v", i, err)
		}
		clock.Advance(time.Second)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Failed to close recorder: %v", err)
	}

	expected := []string{
		HeaderFile,
		IndexFile,
		"chunk-000001.jsonl.zst",
		"chunk-000002.jsonl.zst",
		"chunk-000003.jsonl.zst",
	}
	for _, name := range expected {
		if !fs.Exists(filepath.Join(rec.Dir(), name)) {
			t.Errorf("Expected session file %s to exist", name)
		}
	}

	data, err := fs.ReadFile(filepath.Join(rec.Dir(), IndexFile))
	if err != nil {
		t.Fatalf("Failed to read index: %v", err)
	}
	var index []ChunkInfo
	if err := json.Unmarshal(data, &index); err != nil {
		t.Fatalf("Failed to parse index: %v", err)
	}
	if len(index) != 3 {
		t.Fatalf("Expected 3 index entries, got %d", len(index))
	}
	if index[0].FirstSeq != 1 || index[0].LastSeq != 2 || index[0].Events != 2 {
		t.Errorf("Unexpected first index entry: %+v", index[0])
	}
	if index[2].FirstSeq != 5 || index[2].LastSeq != 5 || index[2].Events != 1 {
		t.Errorf("Unexpected last index entry: %+v", index[2])
	}
	if !index[1].LastAt.After(index[1].FirstAt) {
		t.Errorf("Expected chunk time range to advance, got %v..%v", index[1].FirstAt, index[1].LastAt)
	}
}

func TestSeek(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := newTestRecorder(t, fs, clock, 2)

	for i := 0; i < 6; i++ {
		if err := rec.RecordMutation(map[string]int{"n": i}); err != nil {
			t.Fatalf("Failed to record event %d: %v", i, err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Failed to close recorder: %v", err)
	}

	rep, err := OpenSession(fs, rec.Dir())
	if err != nil {
		t.Fatalf("Failed to open session: %v", err)
	}
	defer rep.Close()

	if err := rep.Seek(4); err != nil {
		t.Fatalf("Failed to seek: %v", err)
	}
	ev, err := rep.Next()
	if err != nil {
		t.Fatalf("Failed to read after seek: %v", err)
	}
	if ev.Seq != 4 {
		t.Errorf("Expected seq 4 after seek, got %d", ev.Seq)
	}
	ev, err = rep.Next()
	if err != nil {
		t.Fatalf("Failed to read next event: %v", err)
	}
	if ev.Seq != 5 {
		t.Errorf("Expected seq 5, got %d", ev.Seq)
	}

	// Seeking backwards rewinds.
	if err := rep.Seek(1); err != nil {
		t.Fatalf("Failed to seek backwards: %v", err)
	}
	ev, err = rep.Next()
	if err != nil {
		t.Fatalf("Failed to read after rewind: %v", err)
	}
	if ev.Seq != 1 {
		t.Errorf("Expected seq 1 after rewind, got %d", ev.Seq)
	}

	// Seeking past the end leaves the replayer at EOF.
	if err := rep.Seek(100); err != nil {
		t.Fatalf("Failed to seek past end: %v", err)
	}
	if _, err := rep.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF after seeking past end, got %v", err)
	}
}

func TestEmptySession(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := newTestRecorder(t, fs, clock, 4)

	if err := rec.Close(); err != nil {
		t.Fatalf("Failed to close recorder: %v", err)
	}

	rep, err := OpenSession(fs, rec.Dir())
	if err != nil {
		t.Fatalf("Failed to open empty session: %v", err)
	}
	defer rep.Close()

	header := rep.Header()
	if header.Events != 0 || header.Chunks != 0 {
		t.Errorf("Expected empty header, got events=%d chunks=%d", header.Events, header.Chunks)
	}
	if header.EndedAt.IsZero() {
		t.Error("Expected EndedAt to be set")
	}
	if _, err := rep.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF from empty session, got %v", err)
	}
}

func TestRecordAfterClose(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := newTestRecorder(t, fs, clock, 4)

	if err := rec.Close(); err != nil {
		t.Fatalf("Failed to close recorder: %v", err)
	}
	if err := rec.RecordMutation(map[string]string{"op": "add"}); err == nil {
		t.Error("Expected error recording after close")
	}
	// Closing twice is fine.
	if err := rec.Close(); err != nil {
		t.Errorf("Expected second close to succeed, got %v", err)
	}
}

func TestDuplicateSessionName(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	rec := newTestRecorder(t, fs, clock, 4)
	if err := rec.Close(); err != nil {
		t.Fatalf("Failed to close recorder: %v", err)
	}

	_, err := New(Config{FS: fs, BaseDir: "sessions", Name: "test-session", Clock: clock})
	if err == nil {
		t.Error("Expected error creating session with duplicate name")
	}
}

func TestGeneratedSessionName(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	rec, err := New(Config{FS: fs, BaseDir: "sessions", Clock: clock})
	if err != nil {
		t.Fatalf("Failed to create recorder: %v", err)
	}
	defer rec.Close()

	if rec.Name() == "" {
		t.Fatal("Expected generated session name")
	}
	if filepath.Base(rec.Name()) != rec.Name() {
		t.Errorf("Generated name %q contains path separators", rec.Name())
	}
}

func TestListSessions(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	first, err := New(Config{FS: fs, BaseDir: "sessions", Name: "first", Clock: clock})
	if err != nil {
		t.Fatalf("Failed to create first session: %v", err)
	}
	if err := first.RecordMutation(map[string]string{"op": "add"}); err != nil {
		t.Fatalf("Failed to record: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Failed to close first session: %v", err)
	}

	clock.Advance(time.Hour)
	second, err := New(Config{FS: fs, BaseDir: "sessions", Name: "second", Clock: clock})
	if err != nil {
		t.Fatalf("Failed to create second session: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("Failed to close second session: %v", err)
	}

	// Directories without a header are not sessions.
	if err := fs.MkdirAll("sessions/stray", 0o755); err != nil {
		t.Fatalf("Failed to create stray directory: %v", err)
	}

	sessions, err := ListSessions(fs, "sessions")
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].Name != "second" || sessions[1].Name != "first" {
		t.Errorf("Expected newest-first ordering, got %s, %s", sessions[0].Name, sessions[1].Name)
	}
	if sessions[1].Events != 1 {
		t.Errorf("Expected 1 event in first session, got %d", sessions[1].Events)
	}
	if sessions[0].SizeBytes <= 0 {
		t.Errorf("Expected positive session size, got %d", sessions[0].SizeBytes)
	}
}

func TestReplayInterruptedSession(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := newTestRecorder(t, fs, clock, 2)

	// Five events: two full chunks rotate and hit the index, the fifth sits
	// in an open chunk that never gets flushed.
	for i := 0; i < 5; i++ {
		if err := rec.RecordMutation(map[string]int{"n": i}); err != nil {
			t.Fatalf("Failed to record event %d: %v", i, err)
		}
	}

	rep, err := OpenSession(fs, rec.Dir())
	if err != nil {
		t.Fatalf("Failed to open interrupted session: %v", err)
	}
	defer rep.Close()

	if !rep.Header().EndedAt.IsZero() {
		t.Error("Expected interrupted session header to have no end time")
	}

	events := readAll(t, rep)
	if len(events) != 4 {
		t.Fatalf("Expected 4 events from completed chunks, got %d", len(events))
	}
	if events[3].Seq != 4 {
		t.Errorf("Expected last salvaged seq 4, got %d", events[3].Seq)
	}
}
