package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/cache"
	"github.com/spec-kit/ticket-collab/internal/clock"
	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/events"
	"github.com/spec-kit/ticket-collab/internal/observability"
	"github.com/spec-kit/ticket-collab/internal/reconciler"
	"github.com/spec-kit/ticket-collab/internal/remote"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// ErrNotReady is returned by operations issued before Init or after Dispose.
var ErrNotReady = errors.New("engine not initialized")

// EngineDependencies bundles everything the engine composes.
type EngineDependencies struct {
	Source          events.Source
	Client          remote.MutationClient
	Fetcher         remote.Fetcher
	Clock           clock.Clock
	Logger          *zap.Logger
	Metrics         *observability.Metrics
	DebounceWindow  time.Duration
	BulkConcurrency int
	BulkMode        string
}

type view struct {
	refs        int
	unsubscribe func()
}

// Engine is the view-layer entry point. Each Init builds a fresh store and
// reconciler, so state never outlives the Init/Dispose pair.
type Engine struct {
	deps   EngineDependencies
	logger *zap.Logger

	mu         sync.RWMutex
	ready      bool
	store      *cache.Store
	reconciler *reconciler.Reconciler
	mutations  *MutationService
	bulk       *BulkService
	merges     *MergeService
	views      map[domain.FilterKey]*view
}

// NewEngine wires the engine. Call Init before use.
func NewEngine(deps EngineDependencies) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Engine{
		deps:   deps,
		logger: observability.OrNop(deps.Logger),
		views:  make(map[domain.FilterKey]*view),
	}
}

// Init creates the store, the reconciler and the services. Calling Init on
// a ready engine is a no-op.
func (e *Engine) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}
	if e.deps.Source == nil || e.deps.Client == nil || e.deps.Fetcher == nil {
		return apperrors.NewInternalError(errors.New("engine requires an event source, a mutation client and a fetcher"))
	}

	store := cache.New(e.deps.Clock)
	rec := reconciler.New(reconciler.Dependencies{
		Store:          store,
		Fetcher:        e.deps.Fetcher,
		Clock:          e.deps.Clock,
		Logger:         e.logger.Named("reconciler"),
		Metrics:        e.deps.Metrics,
		DebounceWindow: e.deps.DebounceWindow,
	})
	e.store = store
	e.reconciler = rec
	e.mutations = NewMutationService(MutationDependencies{
		Reconciler: rec,
		Client:     e.deps.Client,
		Logger:     e.logger.Named("mutations"),
		Metrics:    e.deps.Metrics,
	})
	e.bulk = NewBulkService(BulkDependencies{
		Reconciler:  rec,
		Client:      e.deps.Client,
		Concurrency: e.deps.BulkConcurrency,
		Mode:        e.deps.BulkMode,
		Logger:      e.logger.Named("bulk"),
		Metrics:     e.deps.Metrics,
	})
	e.merges = NewMergeService(MergeDependencies{
		Store:      store,
		Loader:     e.deps.Fetcher,
		Client:     e.deps.Client,
		Reconciler: rec,
		Logger:     e.logger.Named("merge"),
		Metrics:    e.deps.Metrics,
	})
	e.views = make(map[domain.FilterKey]*view)
	e.ready = true
	e.logger.Info("engine initialized")
	return nil
}

// Dispose unsubscribes every view, cancels timers and in-flight refreshes,
// cancels open merges and empties the store.
func (e *Engine) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return
	}
	for _, v := range e.views {
		v.unsubscribe()
	}
	e.views = make(map[domain.FilterKey]*view)
	e.merges.CancelAll()
	e.reconciler.Dispose()
	e.store.Clear()
	e.ready = false
	e.logger.Info("engine disposed")
}

// Ready reports whether Init succeeded and Dispose has not run.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

// Connected reports the event source's transport state.
func (e *Engine) Connected() bool {
	return e.deps.Source.Connected()
}

// Watch registers filter, subscribes to events that may affect its list and
// loads the initial list. Watching an already watched filter shares the
// existing view.
func (e *Engine) Watch(ctx context.Context, filter domain.Filter) (domain.FilterKey, error) {
	e.mu.Lock()
	if !e.ready {
		e.mu.Unlock()
		return "", notReady()
	}
	rec, store := e.reconciler, e.store
	key, err := rec.Watch(filter)
	if err != nil {
		e.mu.Unlock()
		return "", mapError(err)
	}
	if v, ok := e.views[key]; ok {
		v.refs++
		e.mu.Unlock()
		return key, nil
	}

	predicate := func(ev events.Event) bool {
		if ev.Type == events.EventTicketCreated {
			return ev.Ticket != nil && filter.Matches(*ev.Ticket, e.deps.Clock.Now())
		}
		return store.Contains(key, ev.TicketID)
	}
	apply := func(ev events.Event) {
		if err := rec.ApplyEvent(key, ev); err != nil && !errors.Is(err, reconciler.ErrDisposed) {
			e.logger.Debug("event not applied",
				zap.String("filter_key", string(key)),
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	}
	unsubscribe := e.deps.Source.Subscribe(predicate, events.All(apply))
	e.views[key] = &view{refs: 1, unsubscribe: unsubscribe}
	e.mu.Unlock()

	if err := rec.Refresh(ctx, key); err != nil {
		e.Unwatch(key)
		e.logger.Warn("initial list fetch failed", zap.String("filter_key", string(key)), zap.Error(err))
		return "", mapError(err)
	}
	e.logger.Debug("view watched", zap.String("filter_key", string(key)))
	return key, nil
}

// Unwatch releases one registration for key and reports whether it existed.
func (e *Engine) Unwatch(key domain.FilterKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return false
	}
	v, ok := e.views[key]
	if !ok {
		return false
	}
	v.refs--
	e.reconciler.Unwatch(key)
	if v.refs > 0 {
		return true
	}
	v.unsubscribe()
	delete(e.views, key)
	return true
}

// Refresh reloads the list for a watched key.
func (e *Engine) Refresh(ctx context.Context, key domain.FilterKey) error {
	rec, err := e.current()
	if err != nil {
		return err
	}
	return mapError(rec.Refresh(ctx, key))
}

// GetVisibleTickets returns the current list for key, optimistic values
// included.
func (e *Engine) GetVisibleTickets(key domain.FilterKey) ([]domain.Ticket, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.ready {
		return nil, notReady()
	}
	if _, ok := e.views[key]; !ok {
		return nil, apperrors.NewNotFound("view", map[string]any{"filter_key": string(key)})
	}
	tickets := e.store.Tickets(key)
	if tickets == nil {
		tickets = []domain.Ticket{}
	}
	return tickets, nil
}

// GetTicket returns the cached detail for id.
func (e *Engine) GetTicket(id string) (domain.Ticket, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.ready {
		return domain.Ticket{}, notReady()
	}
	t, ok := e.store.GetDetail(id)
	if !ok {
		return domain.Ticket{}, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	return t, nil
}

// Pending lists unconfirmed optimistic mutations for id.
func (e *Engine) Pending(id string) []reconciler.PendingMutation {
	rec, err := e.current()
	if err != nil {
		return nil
	}
	return rec.Pending(id)
}

// DispatchMutation applies delta to one ticket.
func (e *Engine) DispatchMutation(ctx context.Context, id string, delta domain.TicketDelta) (domain.Ticket, error) {
	svc, err := e.services()
	if err != nil {
		return domain.Ticket{}, err
	}
	return svc.mutations.Dispatch(ctx, id, delta)
}

// DispatchAssign assigns one ticket to agentID.
func (e *Engine) DispatchAssign(ctx context.Context, id, agentID string) (domain.Ticket, error) {
	svc, err := e.services()
	if err != nil {
		return domain.Ticket{}, err
	}
	return svc.mutations.Assign(ctx, id, agentID)
}

// DispatchBulk applies delta to every id.
func (e *Engine) DispatchBulk(ctx context.Context, ids []string, delta domain.TicketDelta) (BulkResult, error) {
	svc, err := e.services()
	if err != nil {
		return BulkResult{}, err
	}
	return svc.bulk.Dispatch(ctx, ids, delta)
}

// StartMerge opens a merge workflow over selection.
func (e *Engine) StartMerge(selection []string) (*MergeWorkflow, error) {
	svc, err := e.services()
	if err != nil {
		return nil, err
	}
	return svc.merges.Start(selection)
}

// Merge returns the open workflow with id.
func (e *Engine) Merge(id string) (*MergeWorkflow, error) {
	svc, err := e.services()
	if err != nil {
		return nil, err
	}
	return svc.merges.Get(id)
}

// DiscardMerge cancels and forgets the workflow with id.
func (e *Engine) DiscardMerge(id string) error {
	svc, err := e.services()
	if err != nil {
		return err
	}
	return svc.merges.Discard(id)
}

// DispatchMerge runs a whole merge in one call: select the target, apply
// resolutions for the fields that conflict, then confirm. Resolutions for
// fields without a conflict are ignored.
func (e *Engine) DispatchMerge(ctx context.Context, sourceIDs []string, targetID string, opts domain.MergeOptions, resolutions map[domain.MergeField]domain.Resolution) (domain.Ticket, error) {
	svc, err := e.services()
	if err != nil {
		return domain.Ticket{}, err
	}
	wf, err := svc.merges.Start(append([]string{targetID}, sourceIDs...))
	if err != nil {
		return domain.Ticket{}, err
	}
	defer svc.merges.Discard(wf.ID())

	conflicts, err := wf.SelectTarget(ctx, targetID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := wf.SetOptions(opts); err != nil {
		return domain.Ticket{}, err
	}
	for _, c := range conflicts {
		if r, ok := resolutions[c.Field]; ok {
			if _, err := wf.Resolve(c.Field, r); err != nil {
				return domain.Ticket{}, err
			}
		}
	}
	return wf.Confirm(ctx)
}

// OnChange registers fn for store change notifications until the returned
// function is called or the engine is disposed.
func (e *Engine) OnChange(fn func(cache.Change)) (func(), error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.ready {
		return nil, notReady()
	}
	return e.store.OnChange(fn), nil
}

type engineServices struct {
	mutations *MutationService
	bulk      *BulkService
	merges    *MergeService
}

func (e *Engine) services() (engineServices, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.ready {
		return engineServices{}, notReady()
	}
	return engineServices{mutations: e.mutations, bulk: e.bulk, merges: e.merges}, nil
}

func (e *Engine) current() (*reconciler.Reconciler, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.ready {
		return nil, notReady()
	}
	return e.reconciler, nil
}

func notReady() error {
	return apperrors.NewConflictState(ErrNotReady.Error(), nil)
}

// mapError types an error for callers. A disposed reconciler reads as an
// engine that is not ready.
func mapError(err error) error {
	if errors.Is(err, reconciler.ErrDisposed) {
		de := apperrors.ToDomainError(notReady())
		de.Err = err
		return de
	}
	return apperrors.MapError(err)
}
