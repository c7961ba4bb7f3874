package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusWaiting    TicketStatus = "waiting"
	TicketStatusEscalated  TicketStatus = "escalated"
	TicketStatusDone       TicketStatus = "done"
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []TicketStatus{
	TicketStatusOpen,
	TicketStatusInProgress,
	TicketStatusWaiting,
	TicketStatusEscalated,
	TicketStatusDone,
}

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// ParseStatus converts user input into a TicketStatus.
func ParseStatus(raw string) (TicketStatus, error) {
	s := TicketStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown ticket status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether the engine accepts moving a ticket from one
// status to another. Every pair of known states is accepted, including
// reopening a done ticket; the remote service owns stricter rules.
func CanTransition(from, to TicketStatus) bool {
	return from.Valid() && to.Valid()
}

// TicketPriority enumerates SLA urgency.
type TicketPriority string

const (
	TicketPriorityLow    TicketPriority = "low"
	TicketPriorityMedium TicketPriority = "medium"
	TicketPriorityHigh   TicketPriority = "high"
	TicketPriorityUrgent TicketPriority = "urgent"
)

var priorityRank = map[TicketPriority]int{
	TicketPriorityLow:    0,
	TicketPriorityMedium: 1,
	TicketPriorityHigh:   2,
	TicketPriorityUrgent: 3,
}

// Valid reports whether p is a known priority.
func (p TicketPriority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Rank returns the ordinal of p, -1 when unknown.
func (p TicketPriority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return -1
}

// ParsePriority converts user input into a TicketPriority.
func ParsePriority(raw string) (TicketPriority, error) {
	p := TicketPriority(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown ticket priority %q", raw)
	}
	return p, nil
}

// Ticket is the aggregate for support requests as seen by the dashboard.
type Ticket struct {
	ID              string          `json:"id"`
	Subject         string          `json:"subject"`
	Status          TicketStatus    `json:"status"`
	Priority        TicketPriority  `json:"priority"`
	Category        string          `json:"category"`
	AssignedAgentID *string         `json:"assigned_agent_id,omitempty"`
	Tags            []string        `json:"tags"`
	Notes           []string        `json:"notes"`
	Messages        []TicketMessage `json:"messages"`
	SLADueAt        *time.Time      `json:"sla_due_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy that shares no slices or pointers with t.
func (t Ticket) Clone() Ticket {
	out := t
	if t.AssignedAgentID != nil {
		agent := *t.AssignedAgentID
		out.AssignedAgentID = &agent
	}
	if t.SLADueAt != nil {
		due := *t.SLADueAt
		out.SLADueAt = &due
	}
	out.Tags = slices.Clone(t.Tags)
	out.Notes = slices.Clone(t.Notes)
	if t.Messages != nil {
		out.Messages = make([]TicketMessage, len(t.Messages))
		for i := range t.Messages {
			out.Messages[i] = t.Messages[i].Clone()
		}
	}
	return out
}

// HasTag reports whether the ticket carries tag (case-insensitive).
func (t Ticket) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if strings.EqualFold(existing, tag) {
			return true
		}
	}
	return false
}

// HasMessage reports whether the thread already contains a message id.
func (t Ticket) HasMessage(id string) bool {
	for i := range t.Messages {
		if t.Messages[i].ID == id {
			return true
		}
	}
	return false
}

// Overdue reports whether the SLA deadline passed before now on a ticket
// that is not done.
func (t Ticket) Overdue(now time.Time) bool {
	if t.SLADueAt == nil || t.Status == TicketStatusDone {
		return false
	}
	return t.SLADueAt.Before(now)
}

// AssignedAgent returns the agent id or "" when unassigned.
func (t Ticket) AssignedAgent() string {
	if t.AssignedAgentID == nil {
		return ""
	}
	return *t.AssignedAgentID
}

// NewerThan reports whether t carries a strictly later UpdatedAt than other.
func (t Ticket) NewerThan(other Ticket) bool {
	return t.UpdatedAt.After(other.UpdatedAt)
}

// SameContent reports whether t and other hold the same values in every
// field except UpdatedAt.
func (t Ticket) SameContent(other Ticket) bool {
	if t.ID != other.ID || !t.CreatedAt.Equal(other.CreatedAt) {
		return false
	}
	for _, field := range []string{FieldStatus, FieldPriority, FieldSubject, FieldCategory, FieldAssignedAgent, FieldTags, FieldSLADueAt} {
		if !FieldEqual(field, t, other) {
			return false
		}
	}
	if !slices.Equal(t.Notes, other.Notes) || len(t.Messages) != len(other.Messages) {
		return false
	}
	for i := range t.Messages {
		if t.Messages[i].ID != other.Messages[i].ID {
			return false
		}
	}
	return true
}

// CarryThread returns t with the append-only history of prior folded in:
// messages t lacks are appended in prior's order, and nil notes on t keep
// prior's notes.
func (t Ticket) CarryThread(prior Ticket) Ticket {
	out := t.Clone()
	prior = prior.Clone()
	for _, m := range prior.Messages {
		if !out.HasMessage(m.ID) {
			out.Messages = append(out.Messages, m)
		}
	}
	if out.Notes == nil {
		out.Notes = prior.Notes
	}
	return out
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		dup := false
		for _, existing := range out {
			if strings.EqualFold(existing, tag) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, tag)
		}
	}
	return out
}
