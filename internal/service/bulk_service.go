package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/ticket-collab/internal/config"
	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/observability"
	"github.com/spec-kit/ticket-collab/internal/reconciler"
	"github.com/spec-kit/ticket-collab/internal/remote"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// DefaultBulkConcurrency bounds in-flight per-item requests.
const DefaultBulkConcurrency = 8

// BulkItem is the settled outcome for one identifier.
type BulkItem struct {
	ID     string         `json:"id"`
	Ticket *domain.Ticket `json:"ticket,omitempty"`
	Err    error          `json:"-"`
}

// OK reports whether the item succeeded.
func (i BulkItem) OK() bool { return i.Err == nil }

// BulkFailure describes one failed identifier.
type BulkFailure struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// BulkResult aggregates every item once all of them settled.
type BulkResult struct {
	Total     int           `json:"total"`
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
	Items     []BulkItem    `json:"-"`
}

// FailedIDs lists the identifiers that failed, in request order.
func (r BulkResult) FailedIDs() []string {
	ids := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.ID
	}
	return ids
}

// BulkService fans one delta out over many tickets.
type BulkService struct {
	reconciler  *reconciler.Reconciler
	client      remote.MutationClient
	concurrency int
	mode        string
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// BulkDependencies bundles collaborators for the bulk service.
type BulkDependencies struct {
	Reconciler  *reconciler.Reconciler
	Client      remote.MutationClient
	Concurrency int
	Mode        string
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// NewBulkService creates the service.
func NewBulkService(deps BulkDependencies) *BulkService {
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultBulkConcurrency
	}
	mode := deps.Mode
	if mode == "" {
		mode = config.BulkModePerItem
	}
	return &BulkService{
		reconciler:  deps.Reconciler,
		client:      deps.Client,
		concurrency: concurrency,
		mode:        mode,
		logger:      observability.OrNop(deps.Logger),
		metrics:     deps.Metrics,
	}
}

// Dispatch validates the request, then issues one mutation per identifier
// and waits for all of them. Succeeded items stay applied when others fail;
// the returned error is a PartialBatchFailure in that case and the result
// names every failed identifier.
func (s *BulkService) Dispatch(ctx context.Context, ids []string, delta domain.TicketDelta) (BulkResult, error) {
	ids, err := validateBulk(ids, delta)
	if err != nil {
		return BulkResult{}, err
	}

	var items []BulkItem
	if s.mode == config.BulkModeBatched {
		items = s.dispatchBatched(ctx, ids, delta)
	} else {
		items = s.dispatchPerItem(ctx, ids, delta)
	}
	return s.aggregate(items)
}

func validateBulk(ids []string, delta domain.TicketDelta) ([]string, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return nil, apperrors.NewValidationError("at least one ticket id required", nil)
	}
	if err := delta.Validate(); err != nil {
		return nil, err
	}
	return unique, nil
}

func (s *BulkService) dispatchPerItem(ctx context.Context, ids []string, delta domain.TicketDelta) []BulkItem {
	items := make([]BulkItem, len(ids))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			ticket, err := s.client.UpdateTicket(ctx, id, delta)
			items[i] = s.settle(id, delta, ticket, err)
			return nil
		})
	}
	_ = g.Wait()
	return items
}

func (s *BulkService) dispatchBatched(ctx context.Context, ids []string, delta domain.TicketDelta) []BulkItem {
	items := make([]BulkItem, len(ids))
	results, err := s.client.BulkUpdate(ctx, ids, delta)
	if err != nil {
		mapped := apperrors.MapError(err)
		for i, id := range ids {
			items[i] = s.settle(id, delta, domain.Ticket{}, mapped)
		}
		return items
	}

	byID := make(map[string]remote.ItemResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	for i, id := range ids {
		r, ok := byID[id]
		if !ok {
			items[i] = s.settle(id, delta, domain.Ticket{}, apperrors.NewInternalError(errors.New("no result for ticket")))
			continue
		}
		var ticket domain.Ticket
		if r.Ticket != nil {
			ticket = *r.Ticket
		}
		items[i] = s.settle(id, delta, ticket, r.Err())
	}
	return items
}

// settle records one item outcome. Successes go through the same optimistic
// apply and confirm path as a single mutation so views update as results
// arrive; failures leave the cache untouched.
func (s *BulkService) settle(id string, delta domain.TicketDelta, ticket domain.Ticket, err error) BulkItem {
	if err != nil {
		s.metrics.BulkItem("failed")
		return BulkItem{ID: id, Err: apperrors.MapError(err)}
	}
	if ticket.ID == "" {
		ticket.ID = id
	}
	if pm, applyErr := s.reconciler.ApplyOptimistic(id, delta); applyErr == nil {
		s.reconciler.Confirm(pm.Token, &ticket)
	} else if !ticket.UpdatedAt.IsZero() {
		s.reconciler.Upsert(ticket)
	}
	s.metrics.BulkItem("succeeded")
	return BulkItem{ID: id, Ticket: &ticket}
}

func (s *BulkService) aggregate(items []BulkItem) (BulkResult, error) {
	result := BulkResult{Total: len(items), Items: items, Succeeded: []string{}, Failed: []BulkFailure{}}
	for _, item := range items {
		if item.OK() {
			result.Succeeded = append(result.Succeeded, item.ID)
			continue
		}
		de := apperrors.ToDomainError(item.Err)
		result.Failed = append(result.Failed, BulkFailure{
			ID:        item.ID,
			Code:      de.Code,
			Message:   de.Message,
			Retryable: de.Retryable,
		})
	}
	if len(result.Failed) == 0 {
		return result, nil
	}
	s.logger.Warn("bulk operation partially failed",
		zap.Int("total", result.Total),
		zap.Strings("failed_ids", result.FailedIDs()))
	return result, apperrors.NewPartialBatchFailure(len(result.Failed), result.Total, map[string]any{
		"failed":    result.Failed,
		"succeeded": result.Succeeded,
	})
}
