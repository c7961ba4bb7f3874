package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/spec-kit/ticket-collab/internal/domain"
)

// EventType enumerates supported change notifications.
type EventType string

const (
	EventTicketCreated       EventType = "created"
	EventTicketUpdated       EventType = "updated"
	EventTicketStatusChanged EventType = "status_changed"
	EventTicketMessageAdded  EventType = "message_added"
)

// ErrMalformedEvent is wrapped by every Validate failure.
var ErrMalformedEvent = errors.New("malformed event")

// Event is one server-side change delivered by the push stream.
type Event struct {
	ID        string                `json:"id"`
	Type      EventType             `json:"type"`
	TicketID  string                `json:"ticket_id"`
	Ticket    *domain.Ticket        `json:"ticket,omitempty"`
	Message   *domain.TicketMessage `json:"message,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Validate checks the payload shape required by the event type.
func (e Event) Validate() error {
	if e.TicketID == "" {
		return fmt.Errorf("%w: ticket_id missing", ErrMalformedEvent)
	}
	switch e.Type {
	case EventTicketCreated, EventTicketUpdated, EventTicketStatusChanged:
		if e.Ticket == nil {
			return fmt.Errorf("%w: %s event without ticket", ErrMalformedEvent, e.Type)
		}
		if e.Ticket.ID != e.TicketID {
			return fmt.Errorf("%w: ticket id %q does not match %q", ErrMalformedEvent, e.Ticket.ID, e.TicketID)
		}
		if e.Ticket.UpdatedAt.IsZero() {
			return fmt.Errorf("%w: ticket %s has no updated_at", ErrMalformedEvent, e.TicketID)
		}
	case EventTicketMessageAdded:
		if e.Message == nil || e.Message.ID == "" {
			return fmt.Errorf("%w: message_added without message", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
	return nil
}

// Handler consumes one event.
type Handler func(Event)

// Handlers carries one callback per event type. Nil callbacks drop the
// corresponding events.
type Handlers struct {
	OnCreated       Handler
	OnUpdated       Handler
	OnStatusChanged Handler
	OnMessageAdded  Handler
}

// For returns the handler registered for t.
func (h Handlers) For(t EventType) Handler {
	switch t {
	case EventTicketCreated:
		return h.OnCreated
	case EventTicketUpdated:
		return h.OnUpdated
	case EventTicketStatusChanged:
		return h.OnStatusChanged
	case EventTicketMessageAdded:
		return h.OnMessageAdded
	}
	return nil
}

// All routes every event type to fn.
func All(fn Handler) Handlers {
	return Handlers{OnCreated: fn, OnUpdated: fn, OnStatusChanged: fn, OnMessageAdded: fn}
}

// Predicate scopes a subscription.
type Predicate func(Event) bool

// Source is an ordered stream of change notifications. Reconnection is the
// source's concern; subscribers only observe gaps.
type Source interface {
	Subscribe(predicate Predicate, handlers Handlers) (unsubscribe func())
	Connected() bool
}
