package domain

import "time"

// MessageAuthorType indicates who authored a message.
type MessageAuthorType string

const (
	AuthorTypeCustomer MessageAuthorType = "customer"
	AuthorTypeAgent    MessageAuthorType = "agent"
	AuthorTypeSystem   MessageAuthorType = "system"
)

// TicketMessage captures one entry of a ticket thread.
type TicketMessage struct {
	ID         string            `json:"id"`
	TicketID   string            `json:"ticket_id"`
	AuthorType MessageAuthorType `json:"author_type"`
	AuthorID   *string           `json:"author_id,omitempty"`
	Body       string            `json:"body"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Clone returns a copy that does not alias AuthorID.
func (m TicketMessage) Clone() TicketMessage {
	out := m
	if m.AuthorID != nil {
		id := *m.AuthorID
		out.AuthorID = &id
	}
	return out
}
