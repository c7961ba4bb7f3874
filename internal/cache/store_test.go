package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-collab/internal/clock"
	"github.com/spec-kit/ticket-collab/internal/domain"
)

func ticket(id string, updated int64) domain.Ticket {
	return domain.Ticket{
		ID:        id,
		Subject:   "subject " + id,
		Status:    domain.TicketStatusOpen,
		Priority:  domain.TicketPriorityMedium,
		UpdatedAt: time.Unix(updated, 0).UTC(),
	}
}

func TestStore_ListsAndDetails(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	s := New(fc)
	key := domain.Filter{}.Key()

	_, ok := s.Get(key)
	assert.False(t, ok)

	s.SetList(key, []domain.Ticket{ticket("T1", 1), ticket("T2", 1), ticket("T1", 1)})

	ids, ok := s.Get(key)
	require.True(t, ok)
	assert.Equal(t, []string{"T1", "T2"}, ids)

	detail, ok := s.GetDetail("T2")
	require.True(t, ok)
	assert.Equal(t, "subject T2", detail.Subject)

	since, ok := s.DirtySince(key)
	require.True(t, ok)
	assert.Equal(t, fc.Now(), since)
}

func TestStore_PrependIsIdempotent(t *testing.T) {
	s := New(clock.NewFake(time.Unix(0, 0)))
	key := domain.FilterKey("k")
	s.SetList(key, []domain.Ticket{ticket("T1", 1)})

	assert.True(t, s.PrependToList(key, ticket("T2", 2)))
	assert.False(t, s.PrependToList(key, ticket("T2", 2)))

	ids, _ := s.Get(key)
	assert.Equal(t, []string{"T2", "T1"}, ids)
}

func TestStore_DetailsSharedAcrossKeys(t *testing.T) {
	s := New(clock.NewFake(time.Unix(0, 0)))
	a, b := domain.FilterKey("a"), domain.FilterKey("b")
	s.SetList(a, []domain.Ticket{ticket("T1", 1)})
	s.SetList(b, []domain.Ticket{ticket("T1", 1)})

	updated := ticket("T1", 2)
	updated.Status = domain.TicketStatusDone
	s.UpsertDetail(updated)

	assert.Equal(t, domain.TicketStatusDone, s.Tickets(a)[0].Status)
	assert.Equal(t, domain.TicketStatusDone, s.Tickets(b)[0].Status)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New(nil)
	original := ticket("T1", 1)
	original.Tags = []string{"vip"}
	s.UpsertDetail(original)

	got, _ := s.GetDetail("T1")
	got.Tags[0] = "changed"

	again, _ := s.GetDetail("T1")
	assert.Equal(t, []string{"vip"}, again.Tags)
}

func TestStore_ChangeNotifications(t *testing.T) {
	s := New(clock.NewFake(time.Unix(0, 0)))
	key := domain.FilterKey("k")
	s.SetList(key, []domain.Ticket{ticket("T1", 1)})

	var changes []Change
	unsubscribe := s.OnChange(func(c Change) { changes = append(changes, c) })

	s.UpsertDetail(ticket("T1", 2))
	assert.Equal(t, []Change{
		{Kind: ChangeDetail, TicketID: "T1"},
		{Kind: ChangeList, Key: key, TicketID: "T1"},
	}, changes)

	changes = nil
	s.UpsertDetail(ticket("T1", 3), Silent())
	assert.Empty(t, changes)

	unsubscribe()
	s.UpsertDetail(ticket("T1", 4))
	assert.Empty(t, changes)
}

func TestStore_RemoveFromLists(t *testing.T) {
	s := New(nil)
	key := domain.FilterKey("k")
	s.SetList(key, []domain.Ticket{ticket("T1", 1), ticket("T2", 1)})

	s.RemoveFromLists("T1")

	ids, _ := s.Get(key)
	assert.Equal(t, []string{"T2"}, ids)
	_, ok := s.GetDetail("T1")
	assert.False(t, ok)
}

func TestStore_DropListEvictsUnreferencedDetails(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(fc)
	a, b := domain.FilterKey("a"), domain.FilterKey("b")
	s.SetList(a, []domain.Ticket{ticket("T1", 1), ticket("T2", 1), ticket("T3", 1)})
	s.SetList(b, []domain.Ticket{ticket("T2", 1)})
	s.ArmDebounce(a, time.Second, func() { t.Fatal("dropped window fired") })

	s.DropList(a, "T3")

	_, listed := s.Get(a)
	assert.False(t, listed)
	_, ok := s.GetDetail("T1")
	assert.False(t, ok)
	_, ok = s.GetDetail("T2")
	assert.True(t, ok, "still shown by another list")
	_, ok = s.GetDetail("T3")
	assert.True(t, ok, "retained")

	state, _ := s.DebounceState(a)
	assert.Equal(t, DebounceIdle, state)
	assert.Zero(t, fc.Pending())
	fc.Advance(2 * time.Second)
}

func TestStore_DebounceStateMachine(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(fc)
	key := domain.FilterKey("k")

	state, _ := s.DebounceState(key)
	assert.Equal(t, DebounceIdle, state)

	fired := 0
	assert.False(t, s.ArmDebounce(key, 300*time.Millisecond, func() { fired++ }))
	fc.Advance(200 * time.Millisecond)
	assert.True(t, s.ArmDebounce(key, 300*time.Millisecond, func() { fired++ }))

	state, deadline := s.DebounceState(key)
	assert.Equal(t, DebounceArmed, state)
	assert.Equal(t, time.Unix(0, 0).Add(500*time.Millisecond), deadline)
	assert.Equal(t, 1, s.ArmedDebounces())

	fc.Advance(200 * time.Millisecond)
	assert.Equal(t, 0, fired)

	fc.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, fired)
	state, _ = s.DebounceState(key)
	assert.Equal(t, DebounceFired, state)
	assert.Equal(t, 0, s.ArmedDebounces())
}

func TestStore_CancelDebounce(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(fc)

	fired := false
	s.ArmDebounce("a", time.Second, func() { fired = true })
	s.ArmDebounce("b", time.Second, func() { fired = true })

	assert.True(t, s.CancelDebounce("a"))
	assert.False(t, s.CancelDebounce("a"))
	assert.Equal(t, 1, s.CancelAllDebounces())

	fc.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, fc.Pending())

	state, _ := s.DebounceState("b")
	assert.Equal(t, DebounceCancelled, state)
}
