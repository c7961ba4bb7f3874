package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-collab/internal/cache"
	"github.com/spec-kit/ticket-collab/internal/clock"
	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/events"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	tickets []domain.Ticket
	err     error
}

func (f *stubFetcher) FetchList(_ context.Context, _ domain.Filter) ([]domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Ticket, len(f.tickets))
	for i := range f.tickets {
		out[i] = f.tickets[i].Clone()
	}
	return out, nil
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type blockingFetcher struct {
	started chan struct{}
}

func (f *blockingFetcher) FetchList(ctx context.Context, _ domain.Filter) ([]domain.Ticket, error) {
	close(f.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	clock   *clock.Fake
	store   *cache.Store
	fetcher *stubFetcher
	rec     *Reconciler
	key     domain.FilterKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fc := clock.NewFake(time.Unix(1_000, 0))
	store := cache.New(fc)
	fetcher := &stubFetcher{}
	rec := New(Dependencies{Store: store, Fetcher: fetcher, Clock: fc})
	key, err := rec.Watch(domain.Filter{})
	require.NoError(t, err)
	return &fixture{clock: fc, store: store, fetcher: fetcher, rec: rec, key: key}
}

func ticketAt(id string, updated int64) domain.Ticket {
	return domain.Ticket{
		ID:        id,
		Subject:   "printer on fire " + id,
		Status:    domain.TicketStatusOpen,
		Priority:  domain.TicketPriorityMedium,
		Category:  "hardware",
		CreatedAt: time.Unix(1, 0).UTC(),
		UpdatedAt: time.Unix(updated, 0).UTC(),
	}
}

func eventOf(typ events.EventType, t domain.Ticket) events.Event {
	tt := t.Clone()
	return events.Event{ID: "evt-" + t.ID, Type: typ, TicketID: t.ID, Ticket: &tt, Timestamp: t.UpdatedAt}
}

func (f *fixture) detail(t *testing.T, id string) domain.Ticket {
	t.Helper()
	d, ok := f.store.GetDetail(id)
	require.True(t, ok, "ticket %s not cached", id)
	return d
}

func TestApplyEvent_CreatedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100)})

	created := eventOf(events.EventTicketCreated, ticketAt("T2", 100))
	require.NoError(t, f.rec.ApplyEvent(f.key, created))
	ids, _ := f.store.Get(f.key)
	assert.Equal(t, []string{"T2", "T1"}, ids)

	require.NoError(t, f.rec.ApplyEvent(f.key, created))
	ids, _ = f.store.Get(f.key)
	assert.Len(t, ids, 2)
}

func TestApplyEvent_StaleUpdateDiscarded(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100)})

	stale := ticketAt("T1", 90)
	stale.Status = domain.TicketStatusDone
	err := f.rec.ApplyEvent(f.key, eventOf(events.EventTicketUpdated, stale))

	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.CodeStaleEvent))
	cached := f.detail(t, "T1")
	assert.Equal(t, domain.TicketStatusOpen, cached.Status)
	assert.Equal(t, time.Unix(100, 0).UTC(), cached.UpdatedAt)
}

func TestApplyEvent_NewerUpdateApplied(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100)})

	newer := ticketAt("T1", 110)
	newer.Status = domain.TicketStatusEscalated
	require.NoError(t, f.rec.ApplyEvent(f.key, eventOf(events.EventTicketStatusChanged, newer)))

	assert.Equal(t, domain.TicketStatusEscalated, f.detail(t, "T1").Status)
}

func TestApplyEvent_MalformedDropped(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100)})

	err := f.rec.ApplyEvent(f.key, events.Event{Type: events.EventTicketUpdated, TicketID: "T1"})

	assert.ErrorIs(t, err, events.ErrMalformedEvent)
	assert.Equal(t, domain.TicketStatusOpen, f.detail(t, "T1").Status)
}

func TestApplyEvent_MessageDedup(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100)})

	msg := &domain.TicketMessage{ID: "M1", Body: "any update?", AuthorType: domain.AuthorTypeCustomer}
	evt := events.Event{Type: events.EventTicketMessageAdded, TicketID: "T1", Message: msg}

	require.NoError(t, f.rec.ApplyEvent(f.key, evt))
	require.NoError(t, f.rec.ApplyEvent(f.key, evt))

	cached := f.detail(t, "T1")
	require.Len(t, cached.Messages, 1)
	assert.Equal(t, "T1", cached.Messages[0].TicketID)
}

func TestUpdatedAtNeverDecreases(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100)})

	last := f.detail(t, "T1").UpdatedAt
	check := func(step string) {
		t.Helper()
		now := f.detail(t, "T1").UpdatedAt
		assert.False(t, now.Before(last), "updated_at decreased after %s", step)
		last = now
	}

	_ = f.rec.ApplyEvent(f.key, eventOf(events.EventTicketUpdated, ticketAt("T1", 120)))
	check("newer event")
	_ = f.rec.ApplyEvent(f.key, eventOf(events.EventTicketUpdated, ticketAt("T1", 110)))
	check("older event")

	pm, err := f.rec.ApplyOptimistic("T1", domain.StatusDelta(domain.TicketStatusDone))
	require.NoError(t, err)
	check("optimistic apply")

	waiting := ticketAt("T1", 130)
	waiting.Status = domain.TicketStatusWaiting
	_ = f.rec.ApplyEvent(f.key, eventOf(events.EventTicketUpdated, waiting))
	check("event during pending mutation")
	assert.Equal(t, domain.TicketStatusDone, f.detail(t, "T1").Status)

	require.True(t, f.rec.Rollback(pm.Token))
	check("rollback")
	assert.Equal(t, domain.TicketStatusWaiting, f.detail(t, "T1").Status)

	f.fetcher.tickets = []domain.Ticket{ticketAt("T1", 90)}
	require.NoError(t, f.rec.Refresh(context.Background(), f.key))
	check("refresh with older record")
	assert.Equal(t, time.Unix(130, 0).UTC(), f.detail(t, "T1").UpdatedAt)
}

func TestRollback_RestoresExactSnapshot(t *testing.T) {
	f := newFixture(t)
	original := ticketAt("T1", 100)
	agent := "agent-7"
	original.AssignedAgentID = &agent
	original.Tags = []string{"billing"}
	f.store.SetList(f.key, []domain.Ticket{original})
	before := f.detail(t, "T1")

	delta := domain.StatusDelta(domain.TicketStatusDone)
	delta.AddTags = []string{"vip"}
	delta.ClearAssignee = true

	pm, err := f.rec.ApplyOptimistic("T1", delta)
	require.NoError(t, err)
	optimistic := f.detail(t, "T1")
	assert.Equal(t, domain.TicketStatusDone, optimistic.Status)
	assert.Nil(t, optimistic.AssignedAgentID)
	assert.ElementsMatch(t, []string{"billing", "vip"}, optimistic.Tags)
	assert.Equal(t, before.UpdatedAt, optimistic.UpdatedAt)

	require.True(t, f.rec.Rollback(pm.Token))

	assert.Equal(t, before, f.detail(t, "T1"))
	assert.Zero(t, f.rec.PendingCount())
	assert.False(t, f.rec.Rollback(pm.Token))
}

func TestApplyOptimistic_RejectsInvalidAndUnknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.ApplyOptimistic("T1", domain.TagDelta(" "))
	assert.True(t, apperrors.IsKind(err, apperrors.CodeValidation))

	_, err = f.rec.ApplyOptimistic("missing", domain.StatusDelta(domain.TicketStatusDone))
	assert.True(t, apperrors.IsKind(err, apperrors.CodeNotFound))
}

func TestConfirm_MergesAuthoritativeRecord(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100)})

	pm, err := f.rec.ApplyOptimistic("T1", domain.PriorityDelta(domain.TicketPriorityUrgent))
	require.NoError(t, err)

	server := ticketAt("T1", 140)
	server.Priority = domain.TicketPriorityUrgent
	server.Category = "escalations"
	assert.True(t, f.rec.Confirm(pm.Token, &server))

	cached := f.detail(t, "T1")
	assert.Equal(t, domain.TicketPriorityUrgent, cached.Priority)
	assert.Equal(t, "escalations", cached.Category)
	assert.Equal(t, time.Unix(140, 0).UTC(), cached.UpdatedAt)
	assert.Empty(t, f.rec.Pending("T1"))
}

func TestConfirm_WithoutRecordKeepsOptimisticValues(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100)})

	pm, err := f.rec.ApplyOptimistic("T1", domain.StatusDelta(domain.TicketStatusInProgress))
	require.NoError(t, err)
	assert.True(t, f.rec.Confirm(pm.Token, nil))

	assert.Equal(t, domain.TicketStatusInProgress, f.detail(t, "T1").Status)
	assert.Zero(t, f.rec.PendingCount())
}

func withThread(t domain.Ticket, ids ...string) domain.Ticket {
	for _, id := range ids {
		t.Messages = append(t.Messages, domain.TicketMessage{ID: id, TicketID: t.ID, Body: "msg " + id})
	}
	return t
}

func TestConfirm_KeepsThreadMissingFromServerRecord(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{withThread(ticketAt("T1", 100), "M1", "M2")})

	pm, err := f.rec.ApplyOptimistic("T1", domain.StatusDelta(domain.TicketStatusDone))
	require.NoError(t, err)

	server := ticketAt("T1", 110)
	server.Status = domain.TicketStatusDone
	require.True(t, f.rec.Confirm(pm.Token, &server))

	cached := f.detail(t, "T1")
	assert.Equal(t, domain.TicketStatusDone, cached.Status)
	require.Len(t, cached.Messages, 2)
	assert.Equal(t, "M1", cached.Messages[0].ID)
	assert.Equal(t, "M2", cached.Messages[1].ID)
}

func TestApplyEvent_UpdateKeepsThread(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{withThread(ticketAt("T1", 100), "M1", "M2")})

	update := withThread(ticketAt("T1", 120), "M1", "M3")
	update.Priority = domain.TicketPriorityHigh
	require.NoError(t, f.rec.ApplyEvent(f.key, eventOf(events.EventTicketUpdated, update)))

	cached := f.detail(t, "T1")
	assert.Equal(t, domain.TicketPriorityHigh, cached.Priority)
	ids := make([]string, 0, len(cached.Messages))
	for _, m := range cached.Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"M1", "M3", "M2"}, ids)

	bare := ticketAt("T1", 130)
	require.NoError(t, f.rec.ApplyEvent(f.key, eventOf(events.EventTicketStatusChanged, bare)))
	assert.Len(t, f.detail(t, "T1").Messages, 3)
}

func TestApplyOptimistic_DoesNotRetainCallerIDBuffer(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100)})
	before := f.detail(t, "T1")

	buf := []byte("T1")
	id := unsafe.String(&buf[0], len(buf))
	first, err := f.rec.ApplyOptimistic(id, domain.StatusDelta(domain.TicketStatusDone))
	require.NoError(t, err)
	second, err := f.rec.ApplyOptimistic(id, domain.PriorityDelta(domain.TicketPriorityHigh))
	require.NoError(t, err)
	copy(buf, "XX")

	assert.Equal(t, "T1", second.TicketID)
	require.True(t, f.rec.Rollback(second.Token))
	require.True(t, f.rec.Rollback(first.Token))
	assert.Equal(t, before, f.detail(t, "T1"))
}

func TestEventConsistentWithPendingMutationConfirmsIt(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100)})

	pm, err := f.rec.ApplyOptimistic("T1", domain.StatusDelta(domain.TicketStatusInProgress))
	require.NoError(t, err)

	var changes int
	unsubscribe := f.store.OnChange(func(cache.Change) { changes++ })
	defer unsubscribe()

	echo := ticketAt("T1", 150)
	echo.Status = domain.TicketStatusInProgress
	require.NoError(t, f.rec.ApplyEvent(f.key, eventOf(events.EventTicketStatusChanged, echo)))

	assert.Zero(t, changes)
	assert.Zero(t, f.rec.PendingCount())
	cached := f.detail(t, "T1")
	assert.Equal(t, domain.TicketStatusInProgress, cached.Status)
	assert.Equal(t, time.Unix(150, 0).UTC(), cached.UpdatedAt)

	assert.False(t, f.rec.Confirm(pm.Token, nil))
}

func TestRefresh_KeepsPendingOverlay(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100)})

	pm, err := f.rec.ApplyOptimistic("T1", domain.PriorityDelta(domain.TicketPriorityUrgent))
	require.NoError(t, err)

	f.fetcher.tickets = []domain.Ticket{ticketAt("T1", 150), ticketAt("T2", 150)}
	require.NoError(t, f.rec.Refresh(context.Background(), f.key))

	cached := f.detail(t, "T1")
	assert.Equal(t, domain.TicketPriorityUrgent, cached.Priority)
	assert.Equal(t, time.Unix(150, 0).UTC(), cached.UpdatedAt)
	require.Len(t, f.rec.Pending("T1"), 1)

	require.True(t, f.rec.Rollback(pm.Token))
	assert.Equal(t, domain.TicketPriorityMedium, f.detail(t, "T1").Priority)
}

func TestRefresh_FailureIsTyped(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = apperrors.NewTransientNetworkError("list fetch failed", errors.New("connection refused"))

	err := f.rec.Refresh(context.Background(), f.key)
	assert.True(t, apperrors.IsKind(err, apperrors.CodeTransientNetwork))
}

func TestDebounce_CoalescesCreatedBurst(t *testing.T) {
	f := newFixture(t)
	f.fetcher.tickets = []domain.Ticket{ticketAt("T5", 200), ticketAt("T4", 200)}

	for _, id := range []string{"T1", "T2", "T3", "T4", "T5"} {
		require.NoError(t, f.rec.ApplyEvent(f.key, eventOf(events.EventTicketCreated, ticketAt(id, 200))))
		f.clock.Advance(50 * time.Millisecond)
	}
	assert.Zero(t, f.fetcher.Calls())
	state, _ := f.store.DebounceState(f.key)
	assert.Equal(t, cache.DebounceArmed, state)

	f.clock.Advance(249 * time.Millisecond)
	assert.Zero(t, f.fetcher.Calls())

	f.clock.Advance(time.Millisecond)
	assert.Equal(t, 1, f.fetcher.Calls())
	state, _ = f.store.DebounceState(f.key)
	assert.Equal(t, cache.DebounceFired, state)

	f.clock.Advance(time.Second)
	assert.Equal(t, 1, f.fetcher.Calls())
	ids, _ := f.store.Get(f.key)
	assert.Equal(t, []string{"T5", "T4"}, ids)
}

func TestUnwatch_CancelsDebounceTimer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.ApplyEvent(f.key, eventOf(events.EventTicketCreated, ticketAt("T1", 100))))
	require.Equal(t, 1, f.store.ArmedDebounces())

	assert.True(t, f.rec.Unwatch(f.key))

	assert.Zero(t, f.store.ArmedDebounces())
	assert.Zero(t, f.clock.Pending())
	f.clock.Advance(time.Second)
	assert.Zero(t, f.fetcher.Calls())
	_, listed := f.store.Get(f.key)
	assert.False(t, listed)
	assert.False(t, f.rec.Unwatch(f.key))
}

func TestUnwatch_KeepsDetailsWithPendingMutations(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100), ticketAt("T2", 100)})
	pm, err := f.rec.ApplyOptimistic("T1", domain.StatusDelta(domain.TicketStatusDone))
	require.NoError(t, err)

	require.True(t, f.rec.Unwatch(f.key))

	_, ok := f.store.GetDetail("T2")
	assert.False(t, ok)
	assert.Equal(t, domain.TicketStatusDone, f.detail(t, "T1").Status)
	require.True(t, f.rec.Rollback(pm.Token))
	assert.Equal(t, domain.TicketStatusOpen, f.detail(t, "T1").Status)
}

func TestUnwatch_SharedRegistrationSurvivesFirstRelease(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Watch(domain.Filter{})
	require.NoError(t, err)

	assert.True(t, f.rec.Unwatch(f.key))
	_, ok := f.rec.Filter(f.key)
	assert.True(t, ok)

	assert.True(t, f.rec.Unwatch(f.key))
	_, ok = f.rec.Filter(f.key)
	assert.False(t, ok)
}

func TestUnwatch_CancelsInFlightRefresh(t *testing.T) {
	fc := clock.NewFake(time.Unix(1_000, 0))
	store := cache.New(fc)
	fetcher := &blockingFetcher{started: make(chan struct{})}
	rec := New(Dependencies{Store: store, Fetcher: fetcher, Clock: fc})
	key, err := rec.Watch(domain.Filter{})
	require.NoError(t, err)
	require.NoError(t, rec.ApplyEvent(key, eventOf(events.EventTicketCreated, ticketAt("T1", 100))))

	done := make(chan struct{})
	go func() {
		fc.Advance(DefaultDebounceWindow)
		close(done)
	}()

	select {
	case <-fetcher.started:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never started")
	}
	rec.Unwatch(key)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh was not cancelled")
	}
	_, listed := store.Get(key)
	assert.False(t, listed)
}

func TestDispose_ClearsTimersAndRejectsWork(t *testing.T) {
	f := newFixture(t)
	other, err := f.rec.Watch(domain.Filter{Statuses: []domain.TicketStatus{domain.TicketStatusOpen}})
	require.NoError(t, err)

	require.NoError(t, f.rec.ApplyEvent(f.key, eventOf(events.EventTicketCreated, ticketAt("T1", 100))))
	require.NoError(t, f.rec.ApplyEvent(other, eventOf(events.EventTicketCreated, ticketAt("T2", 100))))
	require.Equal(t, 2, f.store.ArmedDebounces())

	f.rec.Dispose()

	assert.Zero(t, f.store.ArmedDebounces())
	f.clock.Advance(time.Second)
	assert.Zero(t, f.fetcher.Calls())
	assert.ErrorIs(t, f.rec.ApplyEvent(f.key, eventOf(events.EventTicketCreated, ticketAt("T3", 100))), ErrDisposed)
	_, err = f.rec.Watch(domain.Filter{})
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestRemoveTickets_DropsListsAndPending(t *testing.T) {
	f := newFixture(t)
	f.store.SetList(f.key, []domain.Ticket{ticketAt("T1", 100), ticketAt("T2", 100)})
	_, err := f.rec.ApplyOptimistic("T1", domain.StatusDelta(domain.TicketStatusDone))
	require.NoError(t, err)

	f.rec.RemoveTickets("T1")

	ids, _ := f.store.Get(f.key)
	assert.Equal(t, []string{"T2"}, ids)
	assert.Zero(t, f.rec.PendingCount())
}
