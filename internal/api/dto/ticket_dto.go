package dto

import (
	"time"

	"github.com/spec-kit/ticket-collab/internal/domain"
)

// TicketSummary is one row of a view.
type TicketSummary struct {
	ID              string                `json:"id"`
	Subject         string                `json:"subject"`
	Status          domain.TicketStatus   `json:"status"`
	Priority        domain.TicketPriority `json:"priority"`
	Category        string                `json:"category"`
	AssignedAgentID *string               `json:"assigned_agent_id"`
	Tags            []string              `json:"tags"`
	SLADueAt        *time.Time            `json:"sla_due_at"`
	Overdue         bool                  `json:"overdue"`
	MessageCount    int                   `json:"message_count"`
	Pending         bool                  `json:"pending"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// TicketDetailResponse provides full ticket info.
type TicketDetailResponse struct {
	TicketSummary
	Notes    []string                `json:"notes"`
	Messages []TicketMessageResponse `json:"messages"`
}

// TicketMessageResponse represents thread message.
type TicketMessageResponse struct {
	ID         string                   `json:"id"`
	AuthorType domain.MessageAuthorType `json:"author_type"`
	AuthorID   *string                  `json:"author_id"`
	Body       string                   `json:"body"`
	CreatedAt  time.Time                `json:"created_at"`
}

// PendingMutationResponse describes an unconfirmed optimistic change.
type PendingMutationResponse struct {
	Token     string             `json:"token"`
	Fields    []string           `json:"fields"`
	Delta     domain.TicketDelta `json:"delta"`
	CreatedAt time.Time          `json:"created_at"`
}

// AssignRequest payload.
type AssignRequest struct {
	AgentID string `json:"agent_id"`
}

// BulkRequest applies one delta to many tickets.
type BulkRequest struct {
	IDs   []string           `json:"ids"`
	Delta domain.TicketDelta `json:"delta"`
}

// NewTicketSummary maps a cached ticket for the list view.
func NewTicketSummary(t domain.Ticket, now time.Time, pending bool) TicketSummary {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	return TicketSummary{
		ID:              t.ID,
		Subject:         t.Subject,
		Status:          t.Status,
		Priority:        t.Priority,
		Category:        t.Category,
		AssignedAgentID: t.AssignedAgentID,
		Tags:            tags,
		SLADueAt:        t.SLADueAt,
		Overdue:         t.Overdue(now),
		MessageCount:    len(t.Messages),
		Pending:         pending,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// NewTicketDetail maps a cached ticket with its thread.
func NewTicketDetail(t domain.Ticket, now time.Time, pending bool) TicketDetailResponse {
	msgs := make([]TicketMessageResponse, 0, len(t.Messages))
	for _, m := range t.Messages {
		msgs = append(msgs, TicketMessageResponse{
			ID:         m.ID,
			AuthorType: m.AuthorType,
			AuthorID:   m.AuthorID,
			Body:       m.Body,
			CreatedAt:  m.CreatedAt,
		})
	}
	notes := t.Notes
	if notes == nil {
		notes = []string{}
	}
	return TicketDetailResponse{
		TicketSummary: NewTicketSummary(t, now, pending),
		Notes:         notes,
		Messages:      msgs,
	}
}
