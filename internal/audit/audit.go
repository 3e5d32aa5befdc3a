// Package audit keeps a bounded in-memory record of session and check
// activity.
package audit

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Extra-Chill/connector-ssh/internal/logging"
)

const DefaultLimit = 10000

// Event kinds.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"
	EventCommand    = "command"
	EventResult     = "result"
	EventBlocked    = "blocked"
)

// Event is one audited occurrence. Passwords are never recorded.
type Event struct {
	SessionID string    `json:"session_id,omitempty"`
	CommandID uint64    `json:"command_id,omitempty"`
	Target    string    `json:"target"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data,omitempty"`
}

// Store keeps the most recent events.
type Store struct {
	mu     sync.RWMutex
	events []Event
	limit  int
	log    zerolog.Logger
}

// NewStore creates a store holding at most limit events.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{
		events: make([]Event, 0, min(limit, 1024)),
		limit:  limit,
		log:    logging.Component("audit"),
	}
}

// Add stores an event and logs it.
func (s *Store) Add(event Event) {
	s.log.Debug().
		Str("event", event.Event).
		Str("session_id", event.SessionID).
		Uint64("command_id", event.CommandID).
		Str("target", event.Target).
		Str("data", event.Data).
		Msg("audit")

	s.mu.Lock()
	s.events = append(s.events, event)
	if len(s.events) > s.limit {
		s.events = s.events[len(s.events)-s.limit:]
	}
	s.mu.Unlock()
}

// List returns a page of events and the total count.
func (s *Store) List(offset, limit int) ([]Event, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.events)
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = total
	}
	start := min(offset, total)
	end := min(start+limit, total)

	result := make([]Event, end-start)
	copy(result, s.events[start:end])
	return result, total
}

// Logger records session and check lifecycles into a Store.
type Logger struct {
	store         *Store
	mu            sync.Mutex
	sessionStarts map[string]time.Time
	now           func() time.Time
}

// NewLogger creates a Logger using the wall clock.
func NewLogger(store *Store) *Logger {
	return NewLoggerWithClock(store, func() time.Time { return time.Now().UTC() })
}

// NewLoggerWithClock creates a Logger with a custom clock.
func NewLoggerWithClock(store *Store, now func() time.Time) *Logger {
	if store == nil {
		panic("audit: nil Store")
	}
	if now == nil {
		panic("audit: nil clock")
	}
	return &Logger{
		store:         store,
		sessionStarts: make(map[string]time.Time),
		now:           now,
	}
}

// Store returns the underlying store.
func (l *Logger) Store() *Store { return l.store }

func (l *Logger) LogConnect(sessionID, target string) {
	now := l.now()
	l.mu.Lock()
	l.sessionStarts[sessionID] = now
	l.mu.Unlock()

	l.store.Add(Event{SessionID: sessionID, Target: target, Event: EventConnect, Timestamp: now})
}

// LogDisconnect records the end of a session with its duration.
func (l *Logger) LogDisconnect(sessionID, target string) {
	now := l.now()
	var duration time.Duration

	l.mu.Lock()
	if start, ok := l.sessionStarts[sessionID]; ok {
		duration = now.Sub(start)
		delete(l.sessionStarts, sessionID)
	}
	l.mu.Unlock()

	l.store.Add(Event{
		SessionID: sessionID,
		Target:    target,
		Event:     EventDisconnect,
		Timestamp: now,
		Data:      duration.String(),
	})
}

func (l *Logger) LogError(sessionID, target string, err error) {
	l.mu.Lock()
	delete(l.sessionStarts, sessionID)
	l.mu.Unlock()

	data := ""
	if err != nil {
		data = err.Error()
	}
	l.store.Add(Event{SessionID: sessionID, Target: target, Event: EventError, Timestamp: l.now(), Data: data})
}

func (l *Logger) LogCommand(sessionID string, commandID uint64, target, command string) {
	l.store.Add(Event{
		SessionID: sessionID,
		CommandID: commandID,
		Target:    target,
		Event:     EventCommand,
		Timestamp: l.now(),
		Data:      command,
	})
}

// LogResult records a reported result. Data is the exit code, or
// "not executed".
func (l *Logger) LogResult(commandID uint64, target string, executed bool, exitCode int) {
	data := "not executed"
	if executed {
		data = strconv.Itoa(exitCode)
	}
	l.store.Add(Event{CommandID: commandID, Target: target, Event: EventResult, Timestamp: l.now(), Data: data})
}

func (l *Logger) LogBlocked(commandID uint64, target, reason string) {
	l.store.Add(Event{CommandID: commandID, Target: target, Event: EventBlocked, Timestamp: l.now(), Data: reason})
}
