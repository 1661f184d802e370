package trace

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const rawQueueSize = 64

type rawJob struct {
	callID string
	data   any
}

// rawWriter persists raw tool outputs off the hot path. When the queue is
// full the payload is dropped with a warning; the invocation itself is
// unaffected.
type rawWriter struct {
	dir  string
	log  *slog.Logger
	jobs chan rawJob
	wg   sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int
}

func newRawWriter(dir string, log *slog.Logger) *rawWriter {
	w := &rawWriter{dir: dir, log: log, jobs: make(chan rawJob, rawQueueSize)}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *rawWriter) enqueue(callID string, data any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.jobs <- rawJob{callID: callID, data: data}:
	default:
		w.dropped++
		w.log.Warn("raw payload queue full, payload not persisted", "call_id", callID, "dropped_total", w.dropped)
	}
}

func (w *rawWriter) run() {
	defer w.wg.Done()
	for job := range w.jobs {
		if err := w.write(job); err != nil {
			w.log.Warn("raw payload not persisted", "call_id", job.callID, "error", err)
		}
	}
}

func (w *rawWriter) write(job rawJob) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	var b []byte
	switch v := job.data.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		var err error
		if b, err = json.MarshalIndent(v, "", "  "); err != nil {
			return err
		}
	}
	return writeFileAtomic(RawPath(w.dir, job.callID), b)
}

// close stops accepting payloads and waits for the queue to drain.
func (w *rawWriter) close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RawPath is the file a call's raw payload is stored in.
func RawPath(dir, callID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, callID)
	if safe == "" || safe == "." || safe == ".." {
		safe = "_"
	}
	return filepath.Join(dir, safe+".json")
}
