package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/observability"
	"github.com/spec-kit/ticket-collab/internal/reconciler"
	"github.com/spec-kit/ticket-collab/internal/remote"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// MutationService dispatches single-ticket mutations with optimistic apply.
type MutationService struct {
	reconciler *reconciler.Reconciler
	client     remote.MutationClient
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// MutationDependencies bundles collaborators for the mutation service.
type MutationDependencies struct {
	Reconciler *reconciler.Reconciler
	Client     remote.MutationClient
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// NewMutationService creates the service.
func NewMutationService(deps MutationDependencies) *MutationService {
	return &MutationService{
		reconciler: deps.Reconciler,
		client:     deps.Client,
		logger:     observability.OrNop(deps.Logger),
		metrics:    deps.Metrics,
	}
}

// Dispatch applies delta locally, sends it to the ticket service and then
// confirms or rolls back. Failures are never retried.
func (s *MutationService) Dispatch(ctx context.Context, ticketID string, delta domain.TicketDelta) (domain.Ticket, error) {
	return s.run(ctx, ticketID, delta, func(ctx context.Context) (domain.Ticket, error) {
		return s.client.UpdateTicket(ctx, ticketID, delta)
	})
}

// Assign hands ticketID to agentID through the dedicated assign call.
func (s *MutationService) Assign(ctx context.Context, ticketID, agentID string) (domain.Ticket, error) {
	delta := domain.AssignDelta(agentID)
	return s.run(ctx, ticketID, delta, func(ctx context.Context) (domain.Ticket, error) {
		return s.client.AssignTicket(ctx, ticketID, agentID)
	})
}

func (s *MutationService) run(ctx context.Context, ticketID string, delta domain.TicketDelta, send func(context.Context) (domain.Ticket, error)) (domain.Ticket, error) {
	pm, err := s.reconciler.ApplyOptimistic(ticketID, delta)
	if err != nil {
		s.metrics.Mutation("rejected")
		return domain.Ticket{}, mapError(err)
	}

	ticket, err := send(ctx)
	if err != nil {
		s.reconciler.Rollback(pm.Token)
		s.metrics.Mutation("failed")
		mapped := apperrors.MapError(err)
		s.logger.Warn("mutation failed; rolled back",
			zap.String("ticket_id", ticketID),
			zap.String("token", pm.Token),
			zap.Strings("fields", pm.Fields),
			zap.Error(mapped))
		return domain.Ticket{}, mapped
	}

	s.reconciler.Confirm(pm.Token, &ticket)
	s.metrics.Mutation("confirmed")
	return ticket, nil
}
