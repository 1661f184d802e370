package eventlog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Sink receives complete, newline-terminated event lines one at a time.
type Sink interface {
	Write(line []byte) error
	Close() error
}

// FileSink appends to a file, opening it lazily and reopening it after a
// failed write so transient errors (disk full, removed directory) recover.
type FileSink struct {
	path string
	f    *os.File
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Write(line []byte) error {
	if s.f == nil {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		s.f = f
	}
	if _, err := s.f.Write(line); err != nil {
		s.f.Close()
		s.f = nil
		return fmt.Errorf("write event log: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Path returns the file the sink appends to.
func (s *FileSink) Path() string {
	return s.path
}

// MemorySink keeps lines in memory. A non-nil Fail makes writes return that
// error, which lets callers simulate an unavailable disk.
type MemorySink struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	lines int
	Fail  error
}

func (s *MemorySink) Write(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.buf.Write(line)
	s.lines++
	return nil
}

func (s *MemorySink) Close() error { return nil }

// SetFail swaps the injected failure.
func (s *MemorySink) SetFail(err error) {
	s.mu.Lock()
	s.Fail = err
	s.mu.Unlock()
}

// Bytes returns a copy of everything written so far.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

// Lines returns the number of lines written.
func (s *MemorySink) Lines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}
