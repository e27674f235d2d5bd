package cluster

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogWritersRoutesStreams(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops, diag, trace bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag, Trace: &trace})

	Opsf("engine stopped: %d", 1)
	Diagf("pass summary: %d", 2)
	Tracef("point moved: %d", 3)

	if got := ops.String(); !strings.Contains(got, "engine stopped: 1") {
		t.Errorf("ops output = %q, want to contain %q", got, "engine stopped: 1")
	}
	if got := diag.String(); !strings.Contains(got, "pass summary: 2") {
		t.Errorf("diag output = %q, want to contain %q", got, "pass summary: 2")
	}
	if got := trace.String(); !strings.Contains(got, "point moved: 3") {
		t.Errorf("trace output = %q, want to contain %q", got, "point moved: 3")
	}

	// Each message lands on exactly one stream.
	if strings.Contains(ops.String(), "pass summary") || strings.Contains(ops.String(), "point moved") {
		t.Errorf("ops stream received other streams' output: %q", ops.String())
	}
}

func TestNilWriterSilencesStream(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var diag bytes.Buffer
	SetLogWriters(LogWriters{Diag: &diag})

	// Must not panic with the ops and trace streams disabled.
	Opsf("dropped")
	Tracef("dropped")
	Diagf("kept")

	if got := diag.String(); !strings.Contains(got, "kept") {
		t.Errorf("diag output = %q, want to contain %q", got, "kept")
	}
}

func TestLogLinesCarryPrefix(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops})
	Opsf("hello")

	if got := ops.String(); !strings.Contains(got, "[cluster] ") {
		t.Errorf("ops output = %q, want the [cluster] prefix", got)
	}
}
