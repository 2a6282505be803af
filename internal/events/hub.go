// Package events provides a task-keyed publish/subscribe hub for progress streams.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Listener is one subscription to a task's event stream.
type Listener struct {
	id int
	ch chan Event
}

// C returns the receive channel for the listener.
func (l *Listener) C() <-chan Event { return l.ch }

// Hub fans events out to listeners subscribed per task id.
// Publishing for a task with no listeners is a cheap no-op.
type Hub struct {
	mu         sync.RWMutex
	bufferSize int
	nextID     int
	listeners  map[string]map[int]*Listener // task id -> listener id -> listener
	taps       map[int]func(Event)          // cross-task observers (event log)
}

// NewHub creates a Hub. bufferSize is the per-listener channel depth.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		bufferSize: bufferSize,
		listeners:  make(map[string]map[int]*Listener),
		taps:       make(map[int]func(Event)),
	}
}

// Subscribe registers a listener for one task's events.
// The caller owns the listener and must Unsubscribe when done.
func (h *Hub) Subscribe(taskID string) *Listener {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	l := &Listener{id: h.nextID, ch: make(chan Event, h.bufferSize)}

	if h.listeners[taskID] == nil {
		h.listeners[taskID] = make(map[int]*Listener)
	}
	h.listeners[taskID][l.id] = l
	return l
}

// Unsubscribe removes a listener. Safe to call more than once.
func (h *Hub) Unsubscribe(taskID string, l *Listener) {
	if l == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.listeners[taskID]
	if !ok {
		return
	}
	if _, ok := set[l.id]; !ok {
		return
	}
	delete(set, l.id)
	close(l.ch)
	if len(set) == 0 {
		delete(h.listeners, taskID)
	}
}

// Tap registers an observer for every event on every task.
// Returns an unsubscribe function.
func (h *Hub) Tap(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.taps[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.taps, id)
	}
}

// Publish delivers an event to all listeners for its task id, in publish
// order per listener. The event's TaskID, Type, and Timestamp are filled in.
// A listener whose buffer is full has the event dropped rather than blocking
// the publisher.
func (h *Hub) Publish(taskID string, typ Type, e Event) {
	e.TaskID = taskID
	e.Type = typ
	e.Timestamp = time.Now()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, fn := range h.taps {
		fn(e)
	}

	for _, l := range h.listeners[taskID] {
		select {
		case l.ch <- e:
		default:
			slog.Debug("event dropped for slow listener", "task_id", taskID, "type", typ)
		}
	}
}

// ListenerCount returns the number of live listeners for a task.
func (h *Hub) ListenerCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[taskID])
}

// Close unsubscribes every listener. Used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for taskID, set := range h.listeners {
		for id, l := range set {
			delete(set, id)
			close(l.ch)
		}
		delete(h.listeners, taskID)
	}
	h.taps = make(map[int]func(Event))
}
