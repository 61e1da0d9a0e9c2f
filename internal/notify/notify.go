// Package notify is a best-effort, in-process notification fan-out used to
// push resource-change events to UI subscribers. Delivery never blocks or
// fails the caller; a subscriber that cannot keep up loses events.
package notify

import (
	"log/slog"
	"sync"
)

// Event describes one resource change.
type Event struct {
	Resource string
	Action   string // "created", "updated", "deleted"
	ID       string
	Name     string
	Meta     map[string]any
}

// Notifier is what producers (router, lifecycle) see.
type Notifier interface {
	Notify(resource, action, id, name string, meta map[string]any)
}

// Hub fans events out to subscribers over buffered channels.
type Hub struct {
	subs    map[int]chan Event
	nextID  int
	bufSize int
	mu      sync.Mutex
}

// NewHub creates a Hub. If bufSize is 0, defaults to 64.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub{
		subs:    make(map[int]chan Event),
		bufSize: bufSize,
	}
}

// Notify delivers the event to every subscriber without blocking. Events to a
// full subscriber buffer are dropped.
func (h *Hub) Notify(resource, action, id, name string, meta map[string]any) {
	ev := Event{Resource: resource, Action: action, ID: id, Name: name, Meta: meta}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("notify: dropping event for slow subscriber",
				"subscriber", sub, "resource", resource, "action", action)
		}
	}
}

// Subscribe registers a new subscriber. Call the returned cancel function to
// unsubscribe; the event channel is closed on cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.bufSize)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}
