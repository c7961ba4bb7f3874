package service

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-collab/internal/cache"
	"github.com/spec-kit/ticket-collab/internal/clock"
	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/reconciler"
	"github.com/spec-kit/ticket-collab/internal/remote"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// fakeRemote is an in-memory ticket service. Every accepted write advances
// the ticket's UpdatedAt by one second.
type fakeRemote struct {
	mu         sync.Mutex
	tickets    map[string]domain.Ticket
	order      []string
	fail       map[string]error
	listErr    error
	mergeErr   error
	calls      []string
	merges     []remote.MergeRequest
	listCalls  int
	bulkCalls  int
	detailHits int
}

func newFakeRemote(tickets ...domain.Ticket) *fakeRemote {
	r := &fakeRemote{tickets: make(map[string]domain.Ticket), fail: make(map[string]error)}
	for _, t := range tickets {
		r.put(t)
	}
	return r
}

func (r *fakeRemote) put(t domain.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tickets[t.ID]; !ok {
		r.order = append(r.order, t.ID)
	}
	r.tickets[t.ID] = t.Clone()
}

func (r *fakeRemote) failWith(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[id] = err
}

func (r *fakeRemote) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *fakeRemote) ListCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listCalls
}

func (r *fakeRemote) applyLocked(id string, delta domain.TicketDelta) (domain.Ticket, error) {
	if err, ok := r.fail[id]; ok {
		return domain.Ticket{}, err
	}
	t, ok := r.tickets[id]
	if !ok {
		return domain.Ticket{}, apperrors.FromHTTP(404, "ticket not found", nil)
	}
	t = t.Clone()
	delta.ApplyTo(&t)
	t.UpdatedAt = t.UpdatedAt.Add(time.Second)
	r.tickets[id] = t
	return t.Clone(), nil
}

func (r *fakeRemote) UpdateTicket(_ context.Context, id string, delta domain.TicketDelta) (domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "update:"+id)
	return r.applyLocked(id, delta)
}

func (r *fakeRemote) BulkUpdate(_ context.Context, ids []string, delta domain.TicketDelta) ([]remote.ItemResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bulkCalls++
	r.calls = append(r.calls, "bulk")
	results := make([]remote.ItemResult, 0, len(ids))
	for _, id := range ids {
		t, err := r.applyLocked(id, delta)
		if err != nil {
			status := apperrors.ToDomainError(err).HTTPStatus
			results = append(results, remote.ItemResult{ID: id, Error: &remote.ItemError{Status: status, Message: err.Error()}})
			continue
		}
		results = append(results, remote.ItemResult{ID: id, Ticket: &t})
	}
	return results, nil
}

func (r *fakeRemote) MergeTickets(_ context.Context, req remote.MergeRequest) (domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "merge:"+req.TargetID)
	r.merges = append(r.merges, req)
	if r.mergeErr != nil {
		return domain.Ticket{}, r.mergeErr
	}
	target := r.tickets[req.TargetID].Clone()
	for field, value := range req.Resolutions {
		switch field {
		case domain.MergeFieldStatus:
			target.Status = domain.TicketStatus(value)
		case domain.MergeFieldPriority:
			target.Priority = domain.TicketPriority(value)
		case domain.MergeFieldAssignedAgent:
			if value == "" {
				target.AssignedAgentID = nil
			} else {
				agent := value
				target.AssignedAgentID = &agent
			}
		}
	}
	target.UpdatedAt = target.UpdatedAt.Add(time.Second)
	r.tickets[req.TargetID] = target
	for _, id := range req.SourceIDs {
		delete(r.tickets, id)
	}
	return target.Clone(), nil
}

func (r *fakeRemote) AssignTicket(_ context.Context, id, agentID string) (domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "assign:"+id)
	return r.applyLocked(id, domain.AssignDelta(agentID))
}

func (r *fakeRemote) FetchList(_ context.Context, filter domain.Filter) ([]domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if r.listErr != nil {
		return nil, r.listErr
	}
	now := time.Unix(5_000, 0)
	out := make([]domain.Ticket, 0, len(r.order))
	for _, id := range r.order {
		if t, ok := r.tickets[id]; ok && filter.Matches(t, now) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (r *fakeRemote) FetchDetail(_ context.Context, id string) (domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detailHits++
	t, ok := r.tickets[id]
	if !ok {
		return domain.Ticket{}, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	return t.Clone(), nil
}

func ticket(id string, updated int64) domain.Ticket {
	return domain.Ticket{
		ID:        id,
		Subject:   "cannot log in " + id,
		Status:    domain.TicketStatusOpen,
		Priority:  domain.TicketPriorityMedium,
		Category:  "access",
		Tags:      []string{},
		CreatedAt: time.Unix(10, 0).UTC(),
		UpdatedAt: time.Unix(updated, 0).UTC(),
	}
}

type harness struct {
	clock  *clock.Fake
	store  *cache.Store
	rec    *reconciler.Reconciler
	remote *fakeRemote
	key    domain.FilterKey
}

// newHarness watches the unfiltered view and loads every remote ticket
// into it.
func newHarness(t *testing.T, tickets ...domain.Ticket) *harness {
	t.Helper()
	fc := clock.NewFake(time.Unix(1_000, 0))
	store := cache.New(fc)
	rm := newFakeRemote(tickets...)
	rec := reconciler.New(reconciler.Dependencies{Store: store, Fetcher: rm, Clock: fc})
	t.Cleanup(rec.Dispose)
	key, err := rec.Watch(domain.Filter{})
	require.NoError(t, err)
	require.NoError(t, rec.Refresh(context.Background(), key))
	return &harness{clock: fc, store: store, rec: rec, remote: rm, key: key}
}

func (h *harness) detail(t *testing.T, id string) domain.Ticket {
	t.Helper()
	d, ok := h.store.GetDetail(id)
	require.True(t, ok, "ticket %s not cached", id)
	return d
}
