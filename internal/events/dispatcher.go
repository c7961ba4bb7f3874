package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type subscription struct {
	id        int
	predicate Predicate
	handlers  Handlers
}

// Hub is an in-memory Source. Publish delivers synchronously, so events
// reach each subscriber in publish order.
type Hub struct {
	mu        sync.RWMutex
	deliverMu sync.Mutex
	subs      []subscription
	nextID    int
	connected atomic.Bool
}

// NewHub creates a hub that reports itself connected.
func NewHub() *Hub {
	h := &Hub{}
	h.connected.Store(true)
	return h
}

// Publish invokes every matching subscriber's handler for the event type.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	subs := append([]subscription{}, h.subs...)
	h.mu.RUnlock()

	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	for _, sub := range subs {
		if sub.predicate != nil && !sub.predicate(event) {
			continue
		}
		if handler := sub.handlers.For(event.Type); handler != nil {
			handler(event)
		}
	}
	return nil
}

// Subscribe registers handlers for events accepted by predicate.
func (h *Hub) Subscribe(predicate Predicate, handlers Handlers) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.subs = append(h.subs, subscription{id: id, predicate: predicate, handlers: handlers})

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, sub := range h.subs {
				if sub.id == id {
					h.subs = append(h.subs[:i], h.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Connected reports the transport state last set by SetConnected.
func (h *Hub) Connected() bool { return h.connected.Load() }

// SetConnected records the transport state.
func (h *Hub) SetConnected(connected bool) { h.connected.Store(connected) }
