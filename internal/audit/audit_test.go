package audit

import (
	"errors"
	"testing"
	"time"
)

func TestLoggerConnectDisconnect(t *testing.T) {
	store := NewStore(10)
	now := time.Date(2026, 2, 10, 18, 0, 0, 0, time.UTC)
	logger := NewLoggerWithClock(store, func() time.Time { return now })

	logger.LogConnect("session-1", "nagios@db1")
	now = now.Add(2 * time.Second)
	logger.LogDisconnect("session-1", "nagios@db1")

	events, total := store.List(0, 10)
	if total != 2 {
		t.Fatalf("expected 2 events, got %d", total)
	}
	if events[0].Event != EventConnect || events[1].Event != EventDisconnect {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[1].Data != "2s" {
		t.Fatalf("expected duration 2s, got %q", events[1].Data)
	}
}

func TestLoggerCheckEvents(t *testing.T) {
	store := NewStore(10)
	logger := NewLoggerWithClock(store, func() time.Time {
		return time.Date(2026, 2, 10, 18, 0, 0, 0, time.UTC)
	})

	logger.LogCommand("session-2", 42, "nagios@db1", "check_disk")
	logger.LogResult(42, "nagios@db1", true, 2)
	logger.LogResult(43, "nagios@db1", false, 0)
	logger.LogBlocked(44, "nagios@db1", "blocked by rule r1")
	logger.LogError("session-3", "nagios@db2", errors.New("connection refused"))

	events, total := store.List(0, 0)
	if total != 5 || len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", total)
	}
	want := []struct {
		event string
		data  string
	}{
		{EventCommand, "check_disk"},
		{EventResult, "2"},
		{EventResult, "not executed"},
		{EventBlocked, "blocked by rule r1"},
		{EventError, "connection refused"},
	}
	for i, w := range want {
		if events[i].Event != w.event || events[i].Data != w.data {
			t.Errorf("event %d = %s/%q, want %s/%q", i, events[i].Event, events[i].Data, w.event, w.data)
		}
	}
	if events[0].CommandID != 42 || events[0].SessionID != "session-2" {
		t.Errorf("unexpected command event %+v", events[0])
	}
}

func TestStoreLimitAndPaging(t *testing.T) {
	store := NewStore(2)

	store.Add(Event{SessionID: "one"})
	store.Add(Event{SessionID: "two"})
	store.Add(Event{SessionID: "three"})

	events, total := store.List(0, 10)
	if total != 2 {
		t.Fatalf("expected 2 events, got %d", total)
	}
	if events[0].SessionID != "two" || events[1].SessionID != "three" {
		t.Fatalf("unexpected order: %+v", events)
	}

	page, _ := store.List(1, 1)
	if len(page) != 1 || page[0].SessionID != "three" {
		t.Fatalf("unexpected page %+v", page)
	}
	if page, _ := store.List(5, 1); len(page) != 0 {
		t.Fatalf("expected empty page, got %+v", page)
	}
}
