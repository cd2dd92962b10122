package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Activity event types.
const (
	EventMessageReceived = "message.received"
	EventSessionCreated  = "session.created"
	EventPersonaReplied  = "persona.replied"
	EventProviderError   = "provider.error"
	EventTeamFinished    = "team.finished"
	EventNotebookExport  = "notebook.exported"
	EventPersonaSelected = "persona.selected"
)

const defaultHistory = 1000

// Event is an activity record: a message arrived, a persona replied, a
// notebook was exported. The web channel serves the history as a feed.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Session   string         `json:"session,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type EventHandler func(Event)

type subscription struct {
	id      string
	handler EventHandler
}

// EventBus fans activity events out to subscribers and keeps the most recent
// ones for replay.
type EventBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]subscription // event type or "*"
	ring   []Event
	next   int
	filled bool
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return newEventBus(logger, defaultHistory)
}

func newEventBus(logger *slog.Logger, size int) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]subscription),
		ring:   make([]Event, size),
	}
}

// On subscribes handler to eventType, or to everything with "*". The
// returned id unsubscribes via Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := uuid.NewString()
	eb.subs[eventType] = append(eb.subs[eventType], subscription{id: id, handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.subs[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit records e and calls the matching subscribers synchronously. A
// panicking subscriber is logged and does not stop the others.
func (eb *EventBus) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.ring[eb.next] = e
	eb.next = (eb.next + 1) % len(eb.ring)
	if eb.next == 0 {
		eb.filled = true
	}
	subs := make([]subscription, 0, len(eb.subs[e.Type])+len(eb.subs["*"]))
	subs = append(subs, eb.subs[e.Type]...)
	subs = append(subs, eb.subs["*"]...)
	eb.mu.Unlock()

	for _, s := range subs {
		eb.dispatch(s, e)
	}
}

func (eb *EventBus) dispatch(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", e.Type, "handler", s.id, "panic", r)
		}
	}()
	s.handler(e)
}

// Query selects events from the replay history. Zero fields match
// everything.
type Query struct {
	Type    string // event type, "" or "*" for all
	Session string
	Since   time.Time
	Limit   int // newest N after filtering
}

func (q Query) match(e Event) bool {
	if q.Type != "" && q.Type != "*" && e.Type != q.Type {
		return false
	}
	if q.Session != "" && e.Session != q.Session {
		return false
	}
	return !e.Timestamp.Before(q.Since)
}

// Replay returns matching events oldest first.
func (eb *EventBus) Replay(q Query) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	out := []Event{}
	eb.each(func(e Event) {
		if q.match(e) {
			out = append(out, e)
		}
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// HistoryLen reports how many events are retained.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.filled {
		return len(eb.ring)
	}
	return eb.next
}

// each walks the ring oldest first. Callers hold mu.
func (eb *EventBus) each(fn func(Event)) {
	if eb.filled {
		for _, e := range eb.ring[eb.next:] {
			fn(e)
		}
	}
	for _, e := range eb.ring[:eb.next] {
		fn(e)
	}
}
