package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	l := NewLogger(path)
	l.nowFunc = func() time.Time { return time.Date(2026, 2, 16, 9, 0, 0, 0, time.UTC) }

	if err := l.Record(Event{Action: "user.create", UserID: 1, Outcome: OutcomeSuccess, RequestID: "rid-1"}); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if err := l.Record(Event{Action: "user.delete", Outcome: OutcomeFailed, Detail: "user not found"}); err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode audit line: %v", err)
		}
		events = append(events, e)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audit lines, got %d", len(events))
	}
	if events[0].Action != "user.create" || events[0].UserID != 1 || events[0].At != "2026-02-16T09:00:00Z" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Outcome != OutcomeFailed || events[1].Detail != "user not found" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestNilAndEmptyLoggerAreNoops(t *testing.T) {
	var l *Logger
	if err := l.Record(Event{Action: "user.create"}); err != nil {
		t.Fatalf("nil Logger Record() error: %v", err)
	}
	if err := NewLogger("").Record(Event{Action: "user.create"}); err != nil {
		t.Fatalf("empty path Record() error: %v", err)
	}
}
