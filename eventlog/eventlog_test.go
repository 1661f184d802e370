package eventlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func closeLogger(t *testing.T, l *Logger) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLogWritesOrderedLines(t *testing.T) {
	sink := &MemorySink{}
	l := New(sink, Options{SessionID: "s1", Logger: quietLogger()})

	for i := 0; i < 10; i++ {
		if err := l.Log(types.EventToolStart, map[string]any{"call_id": fmt.Sprintf("c%d", i)}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	closeLogger(t, l)

	var events []types.Event
	if _, err := Replay(bytes.NewReader(sink.Bytes()), func(e types.Event) error {
		events = append(events, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 10 {
		t.Fatalf("got %d events, want 10", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.SessionID != "s1" {
			t.Errorf("event %d session = %q", i, e.SessionID)
		}
		if i > 0 && e.Timestamp.Before(events[i-1].Timestamp) {
			t.Errorf("timestamp went backwards at %d", i)
		}
	}
}

func TestTimestampsClampedWhenClockGoesBack(t *testing.T) {
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	var mu sync.Mutex
	i := 0
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts := clock[i]
		i++
		return ts
	}

	sink := &MemorySink{}
	l := New(sink, Options{Now: now, Logger: quietLogger()})
	for range clock {
		_ = l.Log(types.EventWarning, nil)
	}
	closeLogger(t, l)

	events := mustReplay(t, sink.Bytes())
	if !events[1].Timestamp.Equal(base) {
		t.Errorf("second timestamp = %v, want clamped to %v", events[1].Timestamp, base)
	}
	if !events[2].Timestamp.Equal(base.Add(time.Second)) {
		t.Errorf("third timestamp = %v", events[2].Timestamp)
	}
}

func TestConcurrentLoggersKeepSeqUnique(t *testing.T) {
	sink := &MemorySink{}
	l := New(sink, Options{Logger: quietLogger()})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = l.Log(types.EventToolEnd, map[string]any{"g": g, "i": i})
			}
		}(g)
	}
	wg.Wait()
	closeLogger(t, l)

	events := mustReplay(t, sink.Bytes())
	if len(events) != 400 {
		t.Fatalf("got %d events, want 400", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("line %d has seq %d; file order must follow seq", i, e.Seq)
		}
	}
}

func TestFailingSinkNeverBlocksCaller(t *testing.T) {
	sink := &MemorySink{Fail: errors.New("disk full")}
	l := New(sink, Options{BufferSize: 4, BlockTimeout: 5 * time.Millisecond, Logger: quietLogger()})

	start := time.Now()
	for i := 0; i < 20; i++ {
		if err := l.Log(types.EventToolStart, map[string]any{"i": i}); err != nil {
			t.Fatalf("Log returned %v; sink failures must not surface", err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("logging against a failing sink took %v", elapsed)
	}

	stats := l.Stats()
	if stats.Dropped == 0 {
		t.Error("expected dropped events once the queue filled")
	}
	if stats.Pending > 4 {
		t.Errorf("pending = %d, exceeds buffer size", stats.Pending)
	}
	closeLogger(t, l)
}

func TestSinkRecoveryKeepsQueuedEvents(t *testing.T) {
	sink := &MemorySink{Fail: errors.New("transient")}
	l := New(sink, Options{BufferSize: 16, RetryInterval: time.Millisecond, Logger: quietLogger()})

	for i := 0; i < 3; i++ {
		_ = l.Log(types.EventToolStart, map[string]any{"i": i})
	}
	time.Sleep(5 * time.Millisecond)
	sink.SetFail(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := sink.Lines(); got != 3 {
		t.Errorf("lines after recovery = %d, want 3", got)
	}
	if l.Stats().WriteErrors == 0 {
		t.Error("expected recorded write errors")
	}
	closeLogger(t, l)
}

func TestLogAfterClose(t *testing.T) {
	l := New(&MemorySink{}, Options{Logger: quietLogger()})
	closeLogger(t, l)
	if err := l.Log(types.EventWarning, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Log after Close = %v, want ErrClosed", err)
	}
	closeLogger(t, l)
}

func TestLogRejectsUnencodablePayload(t *testing.T) {
	l := New(&MemorySink{}, Options{Logger: quietLogger()})
	defer closeLogger(t, l)
	if err := l.Log(types.EventWarning, map[string]any{"bad": make(chan int)}); err == nil {
		t.Error("expected encode error")
	}
}

func TestFileSinkAndReplaySkipsTornLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	l := Open(path, Options{Logger: quietLogger()})
	_ = l.Log(types.EventSessionStart, nil)
	_ = l.Log(types.EventSessionEnd, nil)
	closeLogger(t, l)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"type":"tool_st`)
	f.Close()

	var got []types.EventType
	res, err := ReplayFile(path, func(e types.Event) error {
		got = append(got, e.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayFile: %v", err)
	}
	if res.Events != 2 || res.Skipped != 1 {
		t.Errorf("result = %+v, want 2 events and 1 skipped", res)
	}
	if strings.Join([]string{string(got[0]), string(got[1])}, ",") != "session_start,session_end" {
		t.Errorf("events = %v", got)
	}
}

func mustReplay(t *testing.T, data []byte) []types.Event {
	t.Helper()
	var events []types.Event
	if _, err := Replay(bytes.NewReader(data), func(e types.Event) error {
		events = append(events, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return events
}
