// Package remote talks to the ticket service that owns ticket state.
package remote

import (
	"context"
	"errors"

	"github.com/spec-kit/ticket-collab/internal/domain"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// MutationClient issues writes against the ticket service. Every returned
// error is a *errorutil.DomainError.
type MutationClient interface {
	UpdateTicket(ctx context.Context, id string, delta domain.TicketDelta) (domain.Ticket, error)
	BulkUpdate(ctx context.Context, ids []string, delta domain.TicketDelta) ([]ItemResult, error)
	MergeTickets(ctx context.Context, req MergeRequest) (domain.Ticket, error)
	AssignTicket(ctx context.Context, id, agentID string) (domain.Ticket, error)
}

// Fetcher reads authoritative ticket state.
type Fetcher interface {
	FetchList(ctx context.Context, filter domain.Filter) ([]domain.Ticket, error)
	FetchDetail(ctx context.Context, id string) (domain.Ticket, error)
}

// MergeRequest is the single call that collapses sources into the target.
type MergeRequest struct {
	SourceIDs   []string                     `json:"source_ids"`
	TargetID    string                       `json:"target_id"`
	Options     domain.MergeOptions          `json:"options"`
	Resolutions map[domain.MergeField]string `json:"resolutions,omitempty"`
}

// ItemResult is one entry of a bulk update response.
type ItemResult struct {
	ID     string         `json:"id"`
	Ticket *domain.Ticket `json:"ticket,omitempty"`
	Error  *ItemError     `json:"error,omitempty"`
}

// ItemError describes why a bulk item failed.
type ItemError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Err returns the classified failure for the item, or nil on success.
func (r ItemResult) Err() error {
	if r.Error != nil {
		return apperrors.FromHTTP(r.Error.Status, r.Error.Message, nil)
	}
	if r.Ticket == nil {
		return apperrors.NewInternalError(errors.New("bulk item reported success without a ticket"))
	}
	return nil
}
