package reconciler

import (
	"strings"
	"time"

	"github.com/spec-kit/ticket-collab/internal/domain"
)

// PendingMutation is the bookkeeping for one unconfirmed optimistic change.
type PendingMutation struct {
	Token      string             `json:"token"`
	TicketID   string             `json:"ticket_id"`
	Fields     []string           `json:"fields"`
	Delta      domain.TicketDelta `json:"delta"`
	Snapshot   domain.Ticket      `json:"-"`
	Optimistic domain.Ticket      `json:"-"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Touches reports whether the mutation changed field.
func (p PendingMutation) Touches(field string) bool {
	for _, f := range p.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// ConsistentWith reports whether t already carries every value the mutation
// proposed, which makes t a confirmation of it.
func (p PendingMutation) ConsistentWith(t domain.Ticket) bool {
	for _, field := range p.Fields {
		if field == domain.FieldTags {
			if !p.tagsConsistent(t) {
				return false
			}
			continue
		}
		if !domain.FieldEqual(field, p.Optimistic, t) {
			return false
		}
	}
	return true
}

func (p PendingMutation) tagsConsistent(t domain.Ticket) bool {
	for _, tag := range p.Delta.AddTags {
		if tag = strings.TrimSpace(tag); tag != "" && !t.HasTag(tag) {
			return false
		}
	}
	for _, tag := range p.Delta.RemoveTags {
		if tag = strings.TrimSpace(tag); tag != "" && t.HasTag(tag) {
			return false
		}
	}
	return true
}

func (p *PendingMutation) clone() PendingMutation {
	out := *p
	out.Fields = append([]string(nil), p.Fields...)
	out.Snapshot = p.Snapshot.Clone()
	out.Optimistic = p.Optimistic.Clone()
	return out
}
