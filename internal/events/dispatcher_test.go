package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-collab/internal/domain"
)

func TestHub_DeliversByTypeAndPredicate(t *testing.T) {
	hub := NewHub()
	var created, updated []string

	unsubscribe := hub.Subscribe(func(e Event) bool { return e.TicketID != "skip" }, Handlers{
		OnCreated: func(e Event) { created = append(created, e.TicketID) },
		OnUpdated: func(e Event) { updated = append(updated, e.TicketID) },
	})

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, Event{Type: EventTicketCreated, TicketID: "T1"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: EventTicketUpdated, TicketID: "T2"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: EventTicketCreated, TicketID: "skip"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: EventTicketMessageAdded, TicketID: "T3"}))

	assert.Equal(t, []string{"T1"}, created)
	assert.Equal(t, []string{"T2"}, updated)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, hub.Subscribers())
	require.NoError(t, hub.Publish(ctx, Event{Type: EventTicketCreated, TicketID: "T4"}))
	assert.Equal(t, []string{"T1"}, created)
}

func TestHub_ConnectedSignal(t *testing.T) {
	hub := NewHub()
	assert.True(t, hub.Connected())
	hub.SetConnected(false)
	assert.False(t, hub.Connected())
}

func TestHub_PublishHonoursContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hub.Publish(ctx, Event{Type: EventTicketCreated, TicketID: "T1"}), context.Canceled)
}

func TestEvent_Validate(t *testing.T) {
	ts := time.Unix(100, 0)
	tk := &domain.Ticket{ID: "T1", UpdatedAt: ts}

	cases := []struct {
		name  string
		event Event
		ok    bool
	}{
		{"created", Event{Type: EventTicketCreated, TicketID: "T1", Ticket: tk}, true},
		{"missing id", Event{Type: EventTicketCreated, Ticket: tk}, false},
		{"updated without ticket", Event{Type: EventTicketUpdated, TicketID: "T1"}, false},
		{"id mismatch", Event{Type: EventTicketStatusChanged, TicketID: "T2", Ticket: tk}, false},
		{"zero updated_at", Event{Type: EventTicketUpdated, TicketID: "T1", Ticket: &domain.Ticket{ID: "T1"}}, false},
		{"message", Event{Type: EventTicketMessageAdded, TicketID: "T1", Message: &domain.TicketMessage{ID: "M1"}}, true},
		{"message without id", Event{Type: EventTicketMessageAdded, TicketID: "T1", Message: &domain.TicketMessage{}}, false},
		{"unknown type", Event{Type: "deleted", TicketID: "T1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}
