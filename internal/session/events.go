package session

import (
	"sync"
	"time"
)

// EventType identifies a session lifecycle transition.
type EventType string

const (
	EventCreated EventType = "created"
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventFailed  EventType = "failed"
)

// Event is a broadcast lifecycle notification.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    int64     `json:"user_id"`
	Branch    string    `json:"branch,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans session events out to subscribers. Slow subscribers drop
// events instead of blocking lifecycle operations.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered event channel and a cancel function that
// must be called when the subscriber goes away.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish broadcasts an event to all subscribers.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
