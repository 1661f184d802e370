// Package eventlog is the append-only, line-delimited session event sink.
//
// A single writer goroutine owns the sink, so concurrent Log calls are
// serialized through a bounded in-memory queue. Sink failures never reach
// the caller: the entry stays queued and is retried, and only when the queue
// is full while the sink keeps failing is the oldest entry dropped.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

const (
	DefaultBufferSize    = 1024
	DefaultBlockTimeout  = 50 * time.Millisecond
	DefaultRetryInterval = 10 * time.Millisecond
	maxRetryInterval     = time.Second
)

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("eventlog: logger closed")

// Options configures a Logger. Zero values fall back to the defaults.
type Options struct {
	SessionID     string
	BufferSize    int
	BlockTimeout  time.Duration
	RetryInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Stats is a point-in-time view of the writer.
type Stats struct {
	Written     int64 `json:"written"`
	Dropped     int64 `json:"dropped"`
	WriteErrors int64 `json:"write_errors"`
	Pending     int   `json:"pending"`
}

type entry struct {
	seq  int64
	line []byte
}

// Logger appends events to a Sink. It is safe for concurrent use.
type Logger struct {
	sink Sink
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	queue    []entry
	inflight int64 // seq being written, 0 when idle
	healthy  bool
	closing  bool
	last     time.Time
	seq      int64
	stats    Stats
	spaceCh  chan struct{}
	idleCh   chan struct{}
	notify   chan struct{}
	done     chan struct{}
	stopped  chan struct{}
}

// New starts a Logger writing to sink.
func New(sink Sink, opts Options) *Logger {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = DefaultBlockTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Logger{
		sink:    sink,
		opts:    opts,
		log:     logger.With("component", "eventlog"),
		queue:   make([]entry, 0, opts.BufferSize),
		healthy: true,
		spaceCh: make(chan struct{}),
		idleCh:  make(chan struct{}),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// Open is New over a FileSink at path.
func Open(path string, opts Options) *Logger {
	return New(NewFileSink(path), opts)
}

// Log appends one event. It returns an error only when data cannot be
// encoded or the logger is closed; storage problems are logged as warnings.
func (l *Logger) Log(eventType types.EventType, data map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closing {
		return ErrClosed
	}
	l.waitForSpaceLocked()

	ts := l.opts.Now().UTC()
	if ts.Before(l.last) {
		ts = l.last
	}
	evt := types.Event{
		Type:      eventType,
		Timestamp: ts,
		Seq:       l.seq + 1,
		SessionID: l.opts.SessionID,
		Payload:   data,
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventlog: encode %s event: %w", eventType, err)
	}
	l.last = ts
	l.seq++
	l.queue = append(l.queue, entry{seq: l.seq, line: append(line, '\n')})

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// waitForSpaceLocked blocks for at most BlockTimeout while the queue is full
// and the sink is healthy; otherwise it drops the oldest queued entry.
func (l *Logger) waitForSpaceLocked() {
	if len(l.queue) < l.opts.BufferSize {
		return
	}
	deadline := time.Now().Add(l.opts.BlockTimeout)
	for len(l.queue) >= l.opts.BufferSize {
		remaining := time.Until(deadline)
		if !l.healthy || remaining <= 0 {
			l.dropOldestLocked()
			return
		}
		ch := l.spaceCh
		l.mu.Unlock()
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
		l.mu.Lock()
	}
}

func (l *Logger) dropOldestLocked() {
	idx := 0
	if len(l.queue) > 1 && l.queue[0].seq == l.inflight {
		idx = 1
	}
	l.queue = append(l.queue[:idx], l.queue[idx+1:]...)
	l.stats.Dropped++
	if l.stats.Dropped == 1 || l.stats.Dropped%100 == 0 {
		l.log.Warn("event queue full while sink unavailable, dropping oldest events",
			"dropped_total", l.stats.Dropped, "buffer_size", l.opts.BufferSize)
	}
}

func (l *Logger) run() {
	defer close(l.stopped)
	backoff := l.opts.RetryInterval

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			close(l.idleCh)
			l.idleCh = make(chan struct{})
			closing := l.closing
			l.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-l.notify:
			case <-l.done:
			}
			continue
		}
		head := l.queue[0]
		l.inflight = head.seq
		l.mu.Unlock()

		err := l.sink.Write(head.line)

		l.mu.Lock()
		l.inflight = 0
		if err == nil {
			if len(l.queue) > 0 && l.queue[0].seq == head.seq {
				l.queue = l.queue[1:]
			}
			if !l.healthy {
				l.log.Info("event sink recovered", "pending", len(l.queue))
			}
			l.healthy = true
			l.stats.Written++
			backoff = l.opts.RetryInterval
			close(l.spaceCh)
			l.spaceCh = make(chan struct{})
			l.mu.Unlock()
			continue
		}

		l.stats.WriteErrors++
		if l.healthy {
			l.log.Warn("event sink write failed, keeping events in memory",
				"error", err, "pending", len(l.queue))
		}
		l.healthy = false
		if l.closing {
			// Closing against a dead sink: report what is lost and stop.
			lost := int64(len(l.queue))
			l.stats.Dropped += lost
			l.queue = l.queue[:0]
			l.mu.Unlock()
			l.log.Warn("event sink unavailable at close, events lost", "lost", lost)
			continue
		}
		l.mu.Unlock()

		select {
		case <-time.After(backoff):
		case <-l.done:
		}
		backoff *= 2
		if backoff > maxRetryInterval {
			backoff = maxRetryInterval
		}
	}
}

// Flush waits until every queued event has been handed to the sink or ctx
// is done.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.Lock()
	if len(l.queue) == 0 && l.inflight == 0 {
		l.mu.Unlock()
		return nil
	}
	ch := l.idleCh
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, stops the writer and closes the sink. Calling it
// more than once is safe.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		<-l.stopped
		return nil
	}
	l.closing = true
	close(l.done)
	l.mu.Unlock()

	select {
	case <-l.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := l.sink.Close(); err != nil {
		return fmt.Errorf("eventlog: close sink: %w", err)
	}
	return nil
}

// Stats returns a snapshot of writer counters.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Pending = len(l.queue)
	return s
}

// SessionID returns the session id stamped on every event.
func (l *Logger) SessionID() string {
	return l.opts.SessionID
}
