package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tailPollInterval is the poll backstop for platforms where filesystem
// notifications are unreliable or lossy.
const tailPollInterval = 2 * time.Second

// tailLine is one complete log line surfaced by a tailer source.
type tailLine struct {
	Source string
	Line   string
}

// tailFile holds per-file tailing state: a stable identity token for
// rotation detection, the read offset, and any buffered partial line.
type tailFile struct {
	path     string
	dev      uint64
	ino      uint64
	idKnown  bool
	offset   int64
	partial  []byte
	seenOnce bool
}

// Tailer surfaces newly appended bytes from a set of local files without
// re-emitting or losing lines, tolerant of rotation and truncation. Both
// fsnotify events and the poll ticker funnel into the same idempotent
// per-file reconcile, so duplicate triggers are harmless.
type Tailer struct {
	paths   []string
	files   map[string]*tailFile
	lines   chan<- tailLine
	counter *pipelineCounters
	mutex   sync.Mutex
}

// NewTailer creates a tailer for the given local file paths.
func NewTailer(paths []string, lines chan<- tailLine, counter *pipelineCounters) *Tailer {
	files := make(map[string]*tailFile, len(paths))
	for _, p := range paths {
		files[p] = &tailFile{path: p}
	}
	return &Tailer{
		paths:   paths,
		files:   files,
		lines:   lines,
		counter: counter,
	}
}

// Run tails all configured files until the context is cancelled. The
// fsnotify watcher is best effort: if it cannot be created or a directory
// cannot be watched, the poll ticker still drives reconciliation.
func (t *Tailer) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("WARNING: failed to create file watcher, falling back to polling only: %v", err)
	} else {
		defer watcher.Close()
		watched := make(map[string]bool)
		for _, p := range t.paths {
			dir := filepath.Dir(p)
			if watched[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				log.Printf("WARNING: failed to watch directory %s: %v", dir, err)
				continue
			}
			watched[dir] = true
		}
	}

	// Initial pass records starting offsets so only appends from here on
	// are emitted.
	t.reconcileAll()

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errors chan error
	if watcher != nil {
		events = watcher.Events
		errors = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if f, tracked := t.files[ev.Name]; tracked {
				t.reconcile(f)
			}
		case err, ok := <-errors:
			if !ok {
				errors = nil
				continue
			}
			log.Printf("WARNING: file watcher error: %v", err)
		case <-ticker.C:
			t.reconcileAll()
		}
	}
}

// reconcileAll reconciles every tracked file in a stable order.
func (t *Tailer) reconcileAll() {
	for _, p := range t.paths {
		t.reconcile(t.files[p])
	}
}

// reconcile brings one file's state up to date and emits any complete lines
// appended since the last pass. Safe to call from any trigger; calls for
// the same tailer are serialized.
func (t *Tailer) reconcile(f *tailFile) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	fi, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing files are retried on the next trigger.
			return
		}
		log.Printf("WARNING: cannot stat log file %s: %v", f.path, err)
		return
	}

	dev, ino, idKnown := fileIdentity(fi)

	if f.seenOnce && f.idKnown && idKnown && (dev != f.dev || ino != f.ino) {
		// Same path, new file: the log was rotated. Start over from byte 0.
		if os.Getenv("DEBUG") != "" {
			log.Printf("Detected rotation of %s, resetting offset", f.path)
		}
		f.offset = 0
		f.partial = nil
	}
	f.dev, f.ino, f.idKnown = dev, ino, idKnown

	size := fi.Size()
	if size < f.offset {
		// File shrank in place: truncation.
		if os.Getenv("DEBUG") != "" {
			log.Printf("Detected truncation of %s, resetting offset", f.path)
		}
		f.offset = 0
		f.partial = nil
	}

	if !f.seenOnce {
		// First sight: record the current end so historical lines are not
		// replayed into the detection pipeline.
		f.seenOnce = true
		f.offset = size
		return
	}

	if size == f.offset {
		return
	}

	if err := t.readNewBytes(f, size); err != nil {
		log.Printf("WARNING: failed to read %s: %v", f.path, err)
	}
}

// readNewBytes reads [offset, size) from the file, splits complete lines
// and buffers the trailing partial line for the next pass.
func (t *Tailer) readNewBytes(f *tailFile, size int64) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open failed: %v", err)
	}
	defer file.Close()

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek to %d failed: %v", f.offset, err)
	}

	data := make([]byte, size-f.offset)
	n, err := io.ReadFull(file, data)
	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("read failed: %v", err)
	}
	data = data[:n]
	f.offset += int64(n)

	buf := append(f.partial, data...)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimSuffix(buf[:idx], []byte("\r")))
		buf = buf[idx+1:]
		if line == "" {
			continue
		}
		t.counter.addLine()
		t.lines <- tailLine{Source: f.path, Line: line}
	}

	// Keep the unterminated tail for the next pass.
	if len(buf) > 0 {
		f.partial = append([]byte(nil), buf...)
	} else {
		f.partial = nil
	}
	return nil
}

// fileIdentity returns a stable device+inode token for rotation detection.
// On platforms without Stat_t the identity is reported as unknown and only
// size-based truncation detection applies.
func fileIdentity(fi os.FileInfo) (dev, ino uint64, ok bool) {
	st, isStat := fi.Sys().(*syscall.Stat_t)
	if !isStat {
		return 0, 0, false
	}
	return uint64(st.Dev), uint64(st.Ino), true
}
