package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Outcomes recorded for an Event.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Event is one JSON line of the audit trail.
type Event struct {
	At         string `json:"at"`
	Action     string `json:"action"`
	UserID     int64  `json:"user_id,omitempty"`
	ResourceID int64  `json:"resource_id,omitempty"`
	Outcome    string `json:"outcome"`
	RequestID  string `json:"request_id,omitempty"`
	RemoteIP   string `json:"remote_ip,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Logger appends events to a file. A nil Logger or an empty path records
// nothing.
type Logger struct {
	path    string
	nowFunc func() time.Time
	mu      sync.Mutex
}

func NewLogger(path string) *Logger {
	return &Logger{path: path, nowFunc: time.Now}
}

func (l *Logger) Record(e Event) error {
	if l == nil || l.path == "" {
		return nil
	}
	if e.At == "" {
		e.At = l.nowFunc().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir audit log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit log entry: %w", err)
	}
	return nil
}
