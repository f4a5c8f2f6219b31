package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("checkpoint log closed")

// Appender records events. Append must not return before the event has been
// handed to the operating system.
type Appender interface {
	Append(e Event) error
}

// Discard drops every event. It backs runs without a checkpoint path.
var Discard Appender = discard{}

type discard struct{}

func (discard) Append(Event) error { return nil }

// Options tunes durability.
type Options struct {
	// Sync forces an fsync after every event.
	Sync bool
	Now  func() time.Time
}

// Log is a single-writer NDJSON journal opened in append mode.
type Log struct {
	path string
	sync bool
	now  func() time.Time

	mu     sync.Mutex
	f      *os.File
	closed bool
	count  int64
}

// Open creates parent directories and opens path for appending.
func Open(path string, opts Options) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Log{path: path, sync: opts.Sync, now: now, f: f}, nil
}

// Append encodes e as one line and writes it with a single write call.
func (l *Log) Append(e Event) error {
	if e.Type == "" {
		return fmt.Errorf("checkpoint event has no type")
	}
	if e.TS.IsZero() {
		e.TS = Timestamp{Time: l.now()}
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode checkpoint event %s: %w", e.Type, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", l.path, err)
	}
	if l.sync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync checkpoint %s: %w", l.path, err)
		}
	}
	l.count++
	return nil
}

// Count returns the number of events appended through this handle.
func (l *Log) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Path returns the journal location.
func (l *Log) Path() string {
	return l.path
}

// Close flushes and closes the file. It is safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return fmt.Errorf("sync checkpoint %s: %w", l.path, err)
	}
	return l.f.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	return nil
}
