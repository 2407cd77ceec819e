package faults

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"
)

// RotateBytes is the size at which JSONL logs roll over to a ".old" file.
const RotateBytes = 10 * 1024 * 1024

// JSONLog is an append-only file of one JSON object per line with size
// rotation. When the file exceeds RotateBytes it is renamed to ".old"
// (overwriting any previous ".old") and a fresh file is started.
//
// Used for the dead-letter log and the scheduler's failed-reminders log.
type JSONLog struct {
	mu   sync.Mutex
	path string
	max  int64
}

// NewJSONLog creates a rotating JSONL file at path. The parent directory
// is created on first append.
func NewJSONLog(path string) *JSONLog {
	return &JSONLog{path: path, max: RotateBytes}
}

// Path returns the log file path.
func (l *JSONLog) Path() string { return l.path }

// AppendRecord marshals v and appends it as a single line.
func (l *JSONLog) AppendRecord(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	l.rotateIfNeeded()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// Count returns the number of lines currently in the log file. Used by
// health reporting; a missing file counts as zero.
func (l *JSONLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func (l *JSONLog) rotateIfNeeded() {
	info, err := os.Stat(l.path)
	if err != nil || info.Size() < l.max {
		return
	}
	// Best effort: a failed rename leaves the oversized file in place and
	// appends continue.
	_ = os.Rename(l.path, l.path+".old")
}

// Entry is a single dead-lettered payload.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"`
	Data      any    `json:"data"`
	Error     string `json:"error"`
	Stack     string `json:"stack,omitempty"`
}

// DeadLetter is the append-only log of payloads whose store writes
// failed. It is the recovery surface for failed writes; nothing replays
// entries automatically. Nil-safe: appending to a nil *DeadLetter is a
// no-op, so callers do not need guard checks.
type DeadLetter struct {
	log        *JSONLog
	withStacks bool
}

// NewDeadLetter creates a dead-letter log at path
// (conventionally data/dead-letter.jsonl). withStacks controls whether
// entries capture a goroutine stack for post-mortems.
func NewDeadLetter(path string, withStacks bool) *DeadLetter {
	return &DeadLetter{log: NewJSONLog(path), withStacks: withStacks}
}

// Append records a failed operation and its payload.
func (d *DeadLetter) Append(op string, data any, cause error) error {
	if d == nil {
		return nil
	}
	e := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Operation: op,
		Data:      data,
		Error:     cause.Error(),
	}
	if d.withStacks {
		e.Stack = string(debug.Stack())
	}
	return d.log.AppendRecord(e)
}

// Count returns the number of dead-lettered entries in the current file.
func (d *DeadLetter) Count() int {
	if d == nil {
		return 0
	}
	return d.log.Count()
}
