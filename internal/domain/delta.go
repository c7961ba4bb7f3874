package domain

import (
	"slices"
	"strings"
	"time"

	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// Field names used by deltas, pending mutations and merge conflicts.
const (
	FieldStatus        = "status"
	FieldPriority      = "priority"
	FieldSubject       = "subject"
	FieldCategory      = "category"
	FieldAssignedAgent = "assigned_agent"
	FieldTags          = "tags"
	FieldSLADueAt      = "sla_due_at"
)

// TicketDelta is the set of field changes carried by one mutation. Nil
// fields are left untouched.
type TicketDelta struct {
	Status          *TicketStatus   `json:"status,omitempty"`
	Priority        *TicketPriority `json:"priority,omitempty"`
	Subject         *string         `json:"subject,omitempty"`
	Category        *string         `json:"category,omitempty"`
	AssignedAgentID *string         `json:"assigned_agent_id,omitempty"`
	ClearAssignee   bool            `json:"clear_assignee,omitempty"`
	AddTags         []string        `json:"add_tags,omitempty"`
	RemoveTags      []string        `json:"remove_tags,omitempty"`
	SLADueAt        *time.Time      `json:"sla_due_at,omitempty"`
}

// StatusDelta is shorthand for a status-only delta.
func StatusDelta(s TicketStatus) TicketDelta { return TicketDelta{Status: &s} }

// PriorityDelta is shorthand for a priority-only delta.
func PriorityDelta(p TicketPriority) TicketDelta { return TicketDelta{Priority: &p} }

// TagDelta is shorthand for a tag-addition delta.
func TagDelta(tags ...string) TicketDelta { return TicketDelta{AddTags: tags} }

// AssignDelta is shorthand for assigning an agent.
func AssignDelta(agentID string) TicketDelta { return TicketDelta{AssignedAgentID: &agentID} }

// Fields returns the names of the fields the delta touches.
func (d TicketDelta) Fields() []string {
	var fields []string
	if d.Status != nil {
		fields = append(fields, FieldStatus)
	}
	if d.Priority != nil {
		fields = append(fields, FieldPriority)
	}
	if d.Subject != nil {
		fields = append(fields, FieldSubject)
	}
	if d.Category != nil {
		fields = append(fields, FieldCategory)
	}
	if d.AssignedAgentID != nil || d.ClearAssignee {
		fields = append(fields, FieldAssignedAgent)
	}
	if d.AddTags != nil || d.RemoveTags != nil {
		fields = append(fields, FieldTags)
	}
	if d.SLADueAt != nil {
		fields = append(fields, FieldSLADueAt)
	}
	return fields
}

// Touches reports whether the delta changes field.
func (d TicketDelta) Touches(field string) bool {
	return slices.Contains(d.Fields(), field)
}

// IsTagAddition reports whether the delta only adds tags.
func (d TicketDelta) IsTagAddition() bool {
	return d.AddTags != nil && len(d.Fields()) == 1 && d.RemoveTags == nil
}

// Validate rejects deltas that must never reach the network.
func (d TicketDelta) Validate() error {
	if len(d.Fields()) == 0 {
		return apperrors.NewValidationError("delta changes no fields", nil)
	}
	if d.Status != nil && !d.Status.Valid() {
		return apperrors.NewValidationError("unknown status", map[string]any{"status": string(*d.Status)})
	}
	if d.Priority != nil && !d.Priority.Valid() {
		return apperrors.NewValidationError("unknown priority", map[string]any{"priority": string(*d.Priority)})
	}
	if d.AssignedAgentID != nil && d.ClearAssignee {
		return apperrors.NewValidationError("assigned_agent_id and clear_assignee are exclusive", nil)
	}
	if d.AssignedAgentID != nil && strings.TrimSpace(*d.AssignedAgentID) == "" {
		return apperrors.NewValidationError("assigned_agent_id must not be blank", nil)
	}
	if d.AddTags != nil && len(normalizeTags(d.AddTags)) == 0 {
		return apperrors.NewValidationError("at least one non-empty tag required", nil)
	}
	if d.Subject != nil && strings.TrimSpace(*d.Subject) == "" {
		return apperrors.NewValidationError("subject must not be blank", nil)
	}
	return nil
}

// ApplyTo writes the delta into t. UpdatedAt is left untouched; only the
// remote service advances it.
func (d TicketDelta) ApplyTo(t *Ticket) {
	if d.Status != nil {
		t.Status = *d.Status
	}
	if d.Priority != nil {
		t.Priority = *d.Priority
	}
	if d.Subject != nil {
		t.Subject = strings.TrimSpace(*d.Subject)
	}
	if d.Category != nil {
		t.Category = *d.Category
	}
	if d.ClearAssignee {
		t.AssignedAgentID = nil
	}
	if d.AssignedAgentID != nil {
		agent := *d.AssignedAgentID
		t.AssignedAgentID = &agent
	}
	if d.SLADueAt != nil {
		due := *d.SLADueAt
		t.SLADueAt = &due
	}
	for _, tag := range normalizeTags(d.AddTags) {
		if !t.HasTag(tag) {
			t.Tags = append(t.Tags, tag)
		}
	}
	for _, tag := range d.RemoveTags {
		t.Tags = slices.DeleteFunc(t.Tags, func(existing string) bool {
			return strings.EqualFold(existing, strings.TrimSpace(tag))
		})
	}
}

// FieldEqual reports whether a and b hold the same value for field.
func FieldEqual(field string, a, b Ticket) bool {
	switch field {
	case FieldStatus:
		return a.Status == b.Status
	case FieldPriority:
		return a.Priority == b.Priority
	case FieldSubject:
		return a.Subject == b.Subject
	case FieldCategory:
		return a.Category == b.Category
	case FieldAssignedAgent:
		return a.AssignedAgent() == b.AssignedAgent()
	case FieldTags:
		return sameTagSet(a.Tags, b.Tags)
	case FieldSLADueAt:
		if a.SLADueAt == nil || b.SLADueAt == nil {
			return a.SLADueAt == nil && b.SLADueAt == nil
		}
		return a.SLADueAt.Equal(*b.SLADueAt)
	}
	return false
}

// CopyField copies field from src into dst.
func CopyField(field string, dst *Ticket, src Ticket) {
	src = src.Clone()
	switch field {
	case FieldStatus:
		dst.Status = src.Status
	case FieldPriority:
		dst.Priority = src.Priority
	case FieldSubject:
		dst.Subject = src.Subject
	case FieldCategory:
		dst.Category = src.Category
	case FieldAssignedAgent:
		dst.AssignedAgentID = src.AssignedAgentID
	case FieldTags:
		dst.Tags = src.Tags
	case FieldSLADueAt:
		dst.SLADueAt = src.SLADueAt
	}
}

func sameTagSet(a, b []string) bool {
	a, b = normalizeTags(a), normalizeTags(b)
	if len(a) != len(b) {
		return false
	}
	for _, tag := range a {
		found := false
		for _, other := range b {
			if strings.EqualFold(tag, other) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
