package main

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestTailer(t *testing.T, path string) (*Tailer, chan tailLine) {
	t.Helper()
	lines := make(chan tailLine, 100)
	tailer := NewTailer([]string{path}, lines, &pipelineCounters{})
	return tailer, lines
}

func drainLines(ch chan tailLine) []string {
	var out []string
	for {
		select {
		case l := <-ch:
			out = append(out, l.Line)
		default:
			return out
		}
	}
}

func appendToFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestTailerEmitsAppendedLinesInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	appendToFile(t, path, "historical line\n")

	tailer, lines := newTestTailer(t, path)

	// First reconcile records the current end; historical content must
	// not be emitted.
	tailer.reconcileAll()
	if got := drainLines(lines); len(got) != 0 {
		t.Fatalf("expected no lines from initial pass, got %v", got)
	}

	appendToFile(t, path, "first\nsecond\nthird\n")
	tailer.reconcileAll()

	got := drainLines(lines)
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("expected %d lines, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestTailerBuffersPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	appendToFile(t, path, "")

	tailer, lines := newTestTailer(t, path)
	tailer.reconcileAll()

	appendToFile(t, path, "incompl")
	tailer.reconcileAll()
	if got := drainLines(lines); len(got) != 0 {
		t.Fatalf("partial line should not be emitted, got %v", got)
	}

	appendToFile(t, path, "ete\nnext\n")
	tailer.reconcileAll()

	got := drainLines(lines)
	if len(got) != 2 || got[0] != "incomplete" || got[1] != "next" {
		t.Fatalf("expected [incomplete next], got %v", got)
	}
}

func TestTailerHandlesRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	appendToFile(t, path, "old\n")

	tailer, lines := newTestTailer(t, path)
	tailer.reconcileAll()
	drainLines(lines)

	appendToFile(t, path, "before rotation\n")
	tailer.reconcileAll()
	if got := drainLines(lines); len(got) != 1 || got[0] != "before rotation" {
		t.Fatalf("expected [before rotation], got %v", got)
	}

	// Rotate: move the file aside and create a fresh one at the same path.
	if err := os.Rename(path, filepath.Join(dir, "access.log.1")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	appendToFile(t, path, "after rotation\n")
	tailer.reconcileAll()

	got := drainLines(lines)
	if len(got) != 1 || got[0] != "after rotation" {
		t.Fatalf("expected [after rotation], got %v", got)
	}
}

func TestTailerHandlesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	appendToFile(t, path, "a long historical line to establish an offset\n")

	tailer, lines := newTestTailer(t, path)
	tailer.reconcileAll()
	drainLines(lines)

	if err := os.Truncate(path, 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	appendToFile(t, path, "fresh\n")
	tailer.reconcileAll()

	got := drainLines(lines)
	if len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("expected [fresh], got %v", got)
	}
}

func TestTailerMissingFileIsRetried(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notyet.log")

	tailer, lines := newTestTailer(t, path)
	tailer.reconcileAll()
	if got := drainLines(lines); len(got) != 0 {
		t.Fatalf("expected no lines for missing file, got %v", got)
	}

	appendToFile(t, path, "ignored history\n")
	tailer.reconcileAll()
	drainLines(lines)

	appendToFile(t, path, "now visible\n")
	tailer.reconcileAll()

	got := drainLines(lines)
	if len(got) != 1 || got[0] != "now visible" {
		t.Fatalf("expected [now visible], got %v", got)
	}
}
