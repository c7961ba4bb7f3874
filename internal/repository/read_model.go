package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/observability"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// ReadModel serves list and detail reads straight from a Postgres replica.
// It satisfies remote.Fetcher.
type ReadModel struct {
	tickets  TicketRepository
	messages TicketMessageRepository
	now      func() time.Time
	logger   *zap.Logger
}

// ReadModelDependencies bundles repositories for the read model.
type ReadModelDependencies struct {
	TicketRepo  TicketRepository
	MessageRepo TicketMessageRepository
	Now         func() time.Time
	Logger      *zap.Logger
}

// NewReadModel constructs the read model.
func NewReadModel(deps ReadModelDependencies) *ReadModel {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &ReadModel{
		tickets:  deps.TicketRepo,
		messages: deps.MessageRepo,
		now:      now,
		logger:   observability.OrNop(deps.Logger),
	}
}

// FetchList returns tickets matching filter.
func (m *ReadModel) FetchList(ctx context.Context, filter domain.Filter) ([]domain.Ticket, error) {
	tickets, err := m.tickets.ListWithFilter(ctx, filter, m.now(), DefaultListLimit)
	if err != nil {
		m.logger.Warn("read model list failed", zap.Error(err))
		return nil, classify(err)
	}
	return tickets, nil
}

// FetchDetail returns one ticket with its thread.
func (m *ReadModel) FetchDetail(ctx context.Context, id string) (domain.Ticket, error) {
	ticket, err := m.tickets.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Ticket{}, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
		}
		return domain.Ticket{}, classify(err)
	}
	if m.messages != nil {
		msgs, err := m.messages.ListByTicket(ctx, id)
		if err != nil {
			return domain.Ticket{}, classify(err)
		}
		ticket.Messages = msgs
	}
	return *ticket, nil
}

// classify treats database failures like any other unreachable upstream.
func classify(err error) error {
	if apperrors.IsKind(err, apperrors.CodeNotFound) {
		return err
	}
	return apperrors.NewTransientNetworkError("read model unavailable", err)
}
