// Package cache holds the last known materialized ticket lists per filter
// key plus one detail record per ticket id.
package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/spec-kit/ticket-collab/internal/clock"
	"github.com/spec-kit/ticket-collab/internal/domain"
)

// ChangeKind describes what a Change touched.
type ChangeKind string

const (
	ChangeList    ChangeKind = "list"
	ChangeDetail  ChangeKind = "detail"
	ChangeRemoved ChangeKind = "removed"
	ChangeCleared ChangeKind = "cleared"
)

// Change is delivered to listeners after every visible write.
type Change struct {
	Kind     ChangeKind
	Key      domain.FilterKey
	TicketID string
}

// WriteOption tunes a single write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	silent bool
}

// Silent suppresses change notifications for the write. Used when a write
// only adopts authoritative metadata for state already on screen.
func Silent() WriteOption {
	return func(o *writeOptions) { o.silent = true }
}

type listEntry struct {
	ids        []string
	dirtySince time.Time
}

// Store is the engine's only shared mutable resource. Lists hold ticket ids
// and details are indexed once by id, so a ticket visible under several
// filter keys is a single record. Every write happens under one lock and is
// fully applied before any reader or listener observes it.
type Store struct {
	mu        sync.RWMutex
	clock     clock.Clock
	lists     map[domain.FilterKey]*listEntry
	details   map[string]domain.Ticket
	debounces map[domain.FilterKey]*Debounce

	listenerMu   sync.Mutex
	listeners    map[int]func(Change)
	nextListener int
}

// New builds an empty store.
func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		clock:     c,
		lists:     make(map[domain.FilterKey]*listEntry),
		details:   make(map[string]domain.Ticket),
		debounces: make(map[domain.FilterKey]*Debounce),
		listeners: make(map[int]func(Change)),
	}
}

// Get returns the ordered ticket ids cached for key.
func (s *Store) Get(key domain.FilterKey) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.lists[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(entry.ids), true
}

// GetDetail returns a copy of the cached ticket.
func (s *Store) GetDetail(id string) (domain.Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.details[id]
	if !ok {
		return domain.Ticket{}, false
	}
	return t.Clone(), true
}

// Tickets materializes the list for key in order. Ids without a detail
// record are skipped.
func (s *Store) Tickets(key domain.FilterKey) []domain.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.lists[key]
	if !ok {
		return nil
	}
	out := make([]domain.Ticket, 0, len(entry.ids))
	for _, id := range entry.ids {
		if t, ok := s.details[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Contains reports whether the list for key holds id.
func (s *Store) Contains(key domain.FilterKey, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.lists[key]
	return ok && slices.Contains(entry.ids, id)
}

// Keys returns every filter key with a cached list.
func (s *Store) Keys() []domain.FilterKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]domain.FilterKey, 0, len(s.lists))
	for k := range s.lists {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// DirtySince reports when the list for key was last written.
func (s *Store) DirtySince(key domain.FilterKey) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.lists[key]
	if !ok || entry.dirtySince.IsZero() {
		return time.Time{}, false
	}
	return entry.dirtySince, true
}

// SetList replaces the list for key and writes every ticket's detail.
func (s *Store) SetList(key domain.FilterKey, tickets []domain.Ticket) {
	s.mu.Lock()
	ids := make([]string, 0, len(tickets))
	for _, t := range tickets {
		if t.ID == "" || slices.Contains(ids, t.ID) {
			continue
		}
		ids = append(ids, t.ID)
		s.details[t.ID] = t.Clone()
	}
	s.lists[key] = &listEntry{ids: ids, dirtySince: s.clock.Now()}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeList, Key: key})
}

// UpsertDetail writes the ticket's detail record and marks every list that
// shows it dirty.
func (s *Store) UpsertDetail(t domain.Ticket, opts ...WriteOption) {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	s.details[t.ID] = t.Clone()
	keys := s.markContaining(t.ID)
	s.mu.Unlock()

	if o.silent {
		return
	}
	s.notify(Change{Kind: ChangeDetail, TicketID: t.ID})
	for _, k := range keys {
		s.notify(Change{Kind: ChangeList, Key: k, TicketID: t.ID})
	}
}

// PrependToList puts the ticket at the head of the list for key and writes
// its detail. It is a no-op returning false when the id is already listed.
func (s *Store) PrependToList(key domain.FilterKey, t domain.Ticket) bool {
	s.mu.Lock()
	entry, ok := s.lists[key]
	if !ok {
		entry = &listEntry{}
		s.lists[key] = entry
	}
	if slices.Contains(entry.ids, t.ID) {
		s.mu.Unlock()
		return false
	}
	entry.ids = append([]string{t.ID}, entry.ids...)
	s.details[t.ID] = t.Clone()
	s.markContaining(t.ID)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeList, Key: key, TicketID: t.ID})
	return true
}

// RemoveFromLists drops id from every cached list and deletes its detail.
func (s *Store) RemoveFromLists(id string) {
	s.mu.Lock()
	keys := s.markContaining(id)
	for _, k := range keys {
		entry := s.lists[k]
		entry.ids = slices.DeleteFunc(entry.ids, func(existing string) bool { return existing == id })
	}
	delete(s.details, id)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRemoved, TicketID: id})
	for _, k := range keys {
		s.notify(Change{Kind: ChangeList, Key: k, TicketID: id})
	}
}

// DropList forgets the list for key along with its debounce record. Details
// of its tickets that no other list shows are evicted unless named in retain.
func (s *Store) DropList(key domain.FilterKey, retain ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
	delete(s.debounces, key)
	entry, ok := s.lists[key]
	if !ok {
		return
	}
	delete(s.lists, key)
	for _, id := range entry.ids {
		if slices.Contains(retain, id) || s.listedLocked(id) {
			continue
		}
		delete(s.details, id)
	}
}

func (s *Store) listedLocked(id string) bool {
	for _, entry := range s.lists {
		if slices.Contains(entry.ids, id) {
			return true
		}
	}
	return false
}

// Clear stops every debounce timer and empties the store.
func (s *Store) Clear() {
	s.CancelAllDebounces()
	s.mu.Lock()
	s.lists = make(map[domain.FilterKey]*listEntry)
	s.details = make(map[string]domain.Ticket)
	s.debounces = make(map[domain.FilterKey]*Debounce)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeCleared})
}

// OnChange registers fn for change notifications. The returned function
// unregisters it.
func (s *Store) OnChange(fn func(Change)) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

// markContaining stamps every list holding id as dirty and returns their
// keys. Callers hold s.mu.
func (s *Store) markContaining(id string) []domain.FilterKey {
	now := s.clock.Now()
	var keys []domain.FilterKey
	for k, entry := range s.lists {
		if slices.Contains(entry.ids, id) {
			entry.dirtySince = now
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (s *Store) notify(c Change) {
	s.listenerMu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
