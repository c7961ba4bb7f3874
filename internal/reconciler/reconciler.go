// Package reconciler merges inbound events, optimistic mutations and list
// refreshes into the cache store.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/cache"
	"github.com/spec-kit/ticket-collab/internal/clock"
	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/events"
	"github.com/spec-kit/ticket-collab/internal/observability"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// DefaultDebounceWindow coalesces bursts of created events into one refresh.
const DefaultDebounceWindow = 300 * time.Millisecond

// ErrDisposed is returned by operations issued after Dispose.
var ErrDisposed = errors.New("reconciler disposed")

// ListFetcher loads the authoritative list for a filter.
type ListFetcher interface {
	FetchList(ctx context.Context, filter domain.Filter) ([]domain.Ticket, error)
}

// Dependencies bundles collaborators for the reconciler.
type Dependencies struct {
	Store          *cache.Store
	Fetcher        ListFetcher
	Clock          clock.Clock
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	DebounceWindow time.Duration
}

type watch struct {
	filter        domain.Filter
	refs          int
	cancelRefresh context.CancelFunc
}

// Reconciler is the single writer of the cache store. One mutex serializes
// every apply so events, optimistic changes and refresh results never
// interleave.
type Reconciler struct {
	mu       sync.Mutex
	store    *cache.Store
	fetcher  ListFetcher
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics
	window   time.Duration
	watches  map[domain.FilterKey]*watch
	pending  []*PendingMutation
	bases    map[string]domain.Ticket
	ctx      context.Context
	cancel   context.CancelFunc
	disposed bool
}

// New constructs a reconciler over deps.Store.
func New(deps Dependencies) *Reconciler {
	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	window := deps.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:   deps.Store,
		fetcher: deps.Fetcher,
		clock:   c,
		logger:  observability.OrNop(deps.Logger),
		metrics: deps.Metrics,
		window:  window,
		watches: make(map[domain.FilterKey]*watch),
		bases:   make(map[string]domain.Ticket),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Watch registers interest in filter and returns its key. Watching the same
// filter twice shares one registration.
func (r *Reconciler) Watch(filter domain.Filter) (domain.FilterKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return "", ErrDisposed
	}
	key := filter.Key()
	w, ok := r.watches[key]
	if !ok {
		w = &watch{filter: filter}
		r.watches[key] = w
	}
	w.refs++
	return key, nil
}

// Unwatch releases one registration for key. When the last one goes, the
// debounce window is cleared, an in-flight refresh is cancelled and the list
// is dropped along with details only it showed, except tickets with pending
// mutations. It reports whether key was watched.
func (r *Reconciler) Unwatch(key domain.FilterKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watches[key]
	if !ok {
		return false
	}
	w.refs--
	if w.refs > 0 {
		return true
	}
	delete(r.watches, key)
	if w.cancelRefresh != nil {
		w.cancelRefresh()
	}
	tracked := make([]string, 0, len(r.bases))
	for id := range r.bases {
		tracked = append(tracked, id)
	}
	r.store.DropList(key, tracked...)
	r.logger.Debug("view unwatched", zap.String("filter_key", string(key)))
	return true
}

// Filter returns the filter registered under key.
func (r *Reconciler) Filter(key domain.FilterKey) (domain.Filter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watches[key]
	if !ok {
		return domain.Filter{}, false
	}
	return w.filter, true
}

// Dispose cancels every timer and in-flight refresh and forgets pending
// mutations. The reconciler rejects work afterwards.
func (r *Reconciler) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.disposed = true
	r.cancel()
	cancelled := r.store.CancelAllDebounces()
	r.watches = make(map[domain.FilterKey]*watch)
	r.pending = nil
	r.bases = make(map[string]domain.Ticket)
	r.metrics.SetPending(0)
	r.logger.Info("reconciler disposed", zap.Int("cancelled_timers", cancelled))
}

// ApplyEvent folds one inbound event into the cache for the view under key.
// Malformed events return an error wrapping events.ErrMalformedEvent and
// stale updates return a StaleEvent domain error; both are dropped.
func (r *Reconciler) ApplyEvent(key domain.FilterKey, e events.Event) error {
	if err := e.Validate(); err != nil {
		r.metrics.EventDiscarded("malformed")
		r.logger.Warn("dropping malformed event",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
			zap.Error(err))
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}

	switch e.Type {
	case events.EventTicketCreated:
		r.applyCreatedLocked(key, *e.Ticket)
	case events.EventTicketUpdated, events.EventTicketStatusChanged:
		return r.applyUpdateLocked(e)
	case events.EventTicketMessageAdded:
		r.applyMessageLocked(e)
	}
	return nil
}

func (r *Reconciler) applyCreatedLocked(key domain.FilterKey, incoming domain.Ticket) {
	cached, cachedOK := r.store.GetDetail(incoming.ID)
	newer := !cachedOK || incoming.NewerThan(r.authoritativeLocked(cached))
	t := incoming
	if !newer {
		t = cached
	}
	if !r.store.PrependToList(key, t) {
		r.metrics.EventDiscarded("duplicate")
		r.logger.Debug("duplicate created event",
			zap.String("ticket_id", incoming.ID),
			zap.String("filter_key", string(key)))
		if newer {
			r.adoptLocked(incoming)
		}
		return
	}
	if newer && cachedOK {
		r.adoptLocked(incoming)
	}
	r.metrics.EventApplied(string(events.EventTicketCreated))
	if _, watched := r.watches[key]; watched {
		r.store.ArmDebounce(key, r.window, func() { r.runRefresh(key) })
	}
}

func (r *Reconciler) applyUpdateLocked(e events.Event) error {
	incoming := *e.Ticket
	cached, ok := r.store.GetDetail(incoming.ID)
	if ok && !incoming.NewerThan(r.authoritativeLocked(cached)) {
		r.metrics.EventDiscarded("stale")
		r.logger.Debug("discarding stale event",
			zap.String("ticket_id", incoming.ID),
			zap.String("event_type", string(e.Type)),
			zap.Time("event_updated_at", incoming.UpdatedAt),
			zap.Time("cached_updated_at", cached.UpdatedAt))
		return apperrors.NewStaleEvent(incoming.ID)
	}
	r.adoptLocked(incoming)
	r.metrics.EventApplied(string(e.Type))
	return nil
}

func (r *Reconciler) applyMessageLocked(e events.Event) {
	cached, ok := r.store.GetDetail(e.TicketID)
	if !ok {
		r.metrics.EventDiscarded("unknown_ticket")
		r.logger.Debug("message for uncached ticket", zap.String("ticket_id", e.TicketID))
		return
	}
	if cached.HasMessage(e.Message.ID) {
		r.metrics.EventDiscarded("duplicate")
		r.logger.Debug("duplicate message",
			zap.String("ticket_id", e.TicketID),
			zap.String("message_id", e.Message.ID))
		return
	}
	msg := e.Message.Clone()
	msg.TicketID = e.TicketID
	cached.Messages = append(cached.Messages, msg)
	if base, ok := r.bases[e.TicketID]; ok && !base.HasMessage(msg.ID) {
		base = base.Clone()
		base.Messages = append(base.Messages, msg.Clone())
		r.bases[e.TicketID] = base
	}
	r.store.UpsertDetail(cached)
	r.metrics.EventApplied(string(events.EventTicketMessageAdded))
}

// ApplyOptimistic writes delta into the cached ticket before the remote
// call resolves and registers a pending mutation for it.
func (r *Reconciler) ApplyOptimistic(ticketID string, delta domain.TicketDelta) (PendingMutation, error) {
	if err := delta.Validate(); err != nil {
		return PendingMutation{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return PendingMutation{}, ErrDisposed
	}

	cached, ok := r.store.GetDetail(ticketID)
	if !ok {
		return PendingMutation{}, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	if _, tracked := r.bases[cached.ID]; !tracked {
		r.bases[cached.ID] = cached.Clone()
	}

	next := cached.Clone()
	delta.ApplyTo(&next)
	pm := &PendingMutation{
		Token:      uuid.NewString(),
		TicketID:   cached.ID,
		Fields:     delta.Fields(),
		Delta:      delta,
		Snapshot:   cached,
		Optimistic: next.Clone(),
		CreatedAt:  r.clock.Now(),
	}
	r.pending = append(r.pending, pm)
	r.store.UpsertDetail(next)
	r.metrics.SetPending(len(r.pending))

	r.logger.Debug("optimistic apply",
		zap.String("ticket_id", ticketID),
		zap.String("token", pm.Token),
		zap.Strings("fields", pm.Fields))
	return pm.clone(), nil
}

// Confirm clears the pending mutation for token. A strictly newer
// authoritative record is merged over the cached one; otherwise the optimistic
// values become authoritative. It reports whether token was still pending,
// which is false when an inbound event already confirmed it.
func (r *Reconciler) Confirm(token string, authoritative *domain.Ticket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return false
	}

	pm, ok := r.takePendingLocked(token)
	switch {
	case ok:
		base := r.bases[pm.TicketID].Clone()
		if authoritative != nil && authoritative.ID == pm.TicketID && authoritative.NewerThan(base) {
			base = authoritative.CarryThread(base)
		} else {
			pm.Delta.ApplyTo(&base)
		}
		r.bases[pm.TicketID] = base
		r.rebuildLocked(pm.TicketID)
	case authoritative != nil:
		if cached, cachedOK := r.store.GetDetail(authoritative.ID); !cachedOK || authoritative.NewerThan(r.authoritativeLocked(cached)) {
			r.adoptLocked(*authoritative)
		}
	}
	r.metrics.SetPending(len(r.pending))
	return ok
}

// Rollback reverts the pending mutation for token. Without an intervening
// newer record the cached ticket is restored field for field to the state
// it held before the optimistic apply. It reports whether token was pending.
func (r *Reconciler) Rollback(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return false
	}

	pm, ok := r.takePendingLocked(token)
	if !ok {
		return false
	}
	r.rebuildLocked(pm.TicketID)
	r.metrics.Rollback()
	r.metrics.SetPending(len(r.pending))
	r.logger.Debug("optimistic rollback",
		zap.String("ticket_id", pm.TicketID),
		zap.String("token", token))
	return true
}

// Pending returns the unconfirmed mutations for ticketID in dispatch order.
func (r *Reconciler) Pending(ticketID string) []PendingMutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PendingMutation
	for _, pm := range r.pending {
		if pm.TicketID == ticketID {
			out = append(out, pm.clone())
		}
	}
	return out
}

// PendingCount returns the number of unconfirmed mutations.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// RemoveTickets drops ids from every cached list along with any pending
// bookkeeping for them.
func (r *Reconciler) RemoveTickets(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.pending = dropPending(r.pending, id)
		delete(r.bases, id)
		r.store.RemoveFromLists(id)
	}
	r.metrics.SetPending(len(r.pending))
}

// Upsert merges an authoritative record under last-writer-wins.
func (r *Reconciler) Upsert(t domain.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.store.GetDetail(t.ID); ok && !t.NewerThan(r.authoritativeLocked(cached)) {
		return
	}
	r.adoptLocked(t)
}

// Refresh fetches the list for key and replaces the cached list with it.
func (r *Reconciler) Refresh(ctx context.Context, key domain.FilterKey) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	w, ok := r.watches[key]
	if !ok {
		r.mu.Unlock()
		return apperrors.NewNotFound("view", map[string]any{"filter_key": string(key)})
	}
	filter := w.filter
	r.mu.Unlock()

	tickets, err := r.fetcher.FetchList(ctx, filter)
	if err != nil {
		r.metrics.Refresh("failed")
		return apperrors.MapError(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	if _, still := r.watches[key]; !still {
		return nil
	}
	r.setListLocked(key, tickets)
	r.metrics.Refresh("ok")
	return nil
}

// runRefresh is the debounce callback. It runs with the reconciler lock
// released during the fetch so events keep flowing.
func (r *Reconciler) runRefresh(key domain.FilterKey) {
	r.mu.Lock()
	w, ok := r.watches[key]
	if !ok || r.disposed {
		r.mu.Unlock()
		return
	}
	if w.cancelRefresh != nil {
		w.cancelRefresh()
	}
	ctx, cancel := context.WithCancel(r.ctx)
	w.cancelRefresh = cancel
	filter := w.filter
	r.mu.Unlock()
	defer cancel()

	tickets, err := r.fetcher.FetchList(ctx, filter)

	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil || r.disposed {
		r.metrics.Refresh("cancelled")
		return
	}
	if current, ok := r.watches[key]; ok && current == w {
		w.cancelRefresh = nil
	}
	if err != nil {
		r.metrics.Refresh("failed")
		r.logger.Warn("debounced refresh failed", zap.String("filter_key", string(key)), zap.Error(err))
		return
	}
	r.setListLocked(key, tickets)
	r.metrics.Refresh("ok")
	r.logger.Debug("debounced refresh applied", zap.String("filter_key", string(key)), zap.Int("tickets", len(tickets)))
}

// setListLocked merges fetched tickets under last-writer-wins, keeps pending
// optimistic values on top and writes the list.
func (r *Reconciler) setListLocked(key domain.FilterKey, fetched []domain.Ticket) {
	merged := make([]domain.Ticket, 0, len(fetched))
	for _, t := range fetched {
		cached, ok := r.store.GetDetail(t.ID)
		if ok && !t.NewerThan(r.authoritativeLocked(cached)) {
			merged = append(merged, cached)
			continue
		}
		t = r.withThreadLocked(t)
		if _, tracked := r.bases[t.ID]; tracked {
			r.bases[t.ID] = t.Clone()
			r.confirmConsistentLocked(t)
			merged = append(merged, r.overlayLocked(t.ID))
			r.releaseBaseLocked(t.ID)
			continue
		}
		merged = append(merged, t)
	}
	r.store.SetList(key, merged)
}

// adoptLocked makes incoming the authoritative record. Pending mutations it
// already reflects are cleared; the rest stay overlaid. A write that only
// moves UpdatedAt is silent.
func (r *Reconciler) adoptLocked(incoming domain.Ticket) {
	incoming = r.withThreadLocked(incoming)
	if _, tracked := r.bases[incoming.ID]; tracked {
		r.bases[incoming.ID] = incoming.Clone()
		r.confirmConsistentLocked(incoming)
		r.rebuildLocked(incoming.ID)
		return
	}
	r.writeLocked(incoming)
}

// confirmConsistentLocked clears every pending mutation for t.ID whose
// touched fields t already carries.
func (r *Reconciler) confirmConsistentLocked(t domain.Ticket) {
	kept := r.pending[:0]
	for _, pm := range r.pending {
		if pm.TicketID == t.ID && pm.ConsistentWith(t) {
			r.metrics.Mutation("confirmed_by_event")
			r.logger.Debug("pending mutation confirmed by event",
				zap.String("ticket_id", t.ID),
				zap.String("token", pm.Token))
			continue
		}
		kept = append(kept, pm)
	}
	r.pending = kept
	r.metrics.SetPending(len(r.pending))
}

// rebuildLocked recomputes the cached ticket as its base plus every
// remaining pending delta, then writes it.
func (r *Reconciler) rebuildLocked(id string) {
	next := r.overlayLocked(id)
	r.releaseBaseLocked(id)
	r.writeLocked(next)
}

func (r *Reconciler) overlayLocked(id string) domain.Ticket {
	next := r.bases[id].Clone()
	for _, pm := range r.pending {
		if pm.TicketID == id {
			pm.Delta.ApplyTo(&next)
		}
	}
	return next
}

func (r *Reconciler) releaseBaseLocked(id string) {
	for _, pm := range r.pending {
		if pm.TicketID == id {
			return
		}
	}
	delete(r.bases, id)
}

func (r *Reconciler) writeLocked(next domain.Ticket) {
	cached, ok := r.store.GetDetail(next.ID)
	switch {
	case !ok:
		r.store.UpsertDetail(next)
	case next.SameContent(cached) && next.UpdatedAt.Equal(cached.UpdatedAt):
	case next.SameContent(cached):
		r.store.UpsertDetail(next, cache.Silent())
	default:
		r.store.UpsertDetail(next)
	}
}

// withThreadLocked keeps the cached message thread and notes that incoming
// omits.
func (r *Reconciler) withThreadLocked(incoming domain.Ticket) domain.Ticket {
	if cached, ok := r.store.GetDetail(incoming.ID); ok {
		return incoming.CarryThread(cached)
	}
	if base, ok := r.bases[incoming.ID]; ok {
		return incoming.CarryThread(base)
	}
	return incoming
}

// authoritativeLocked returns the server record underneath any optimistic
// overlay for cached.
func (r *Reconciler) authoritativeLocked(cached domain.Ticket) domain.Ticket {
	if base, ok := r.bases[cached.ID]; ok {
		return base
	}
	return cached
}

func (r *Reconciler) takePendingLocked(token string) (*PendingMutation, bool) {
	for i, pm := range r.pending {
		if pm.Token == token {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return pm, true
		}
	}
	return nil, false
}

func dropPending(pending []*PendingMutation, ticketID string) []*PendingMutation {
	kept := pending[:0]
	for _, pm := range pending {
		if pm.TicketID != ticketID {
			kept = append(kept, pm)
		}
	}
	return kept
}
