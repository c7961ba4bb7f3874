package dto

import (
	"encoding/base64"

	"github.com/spec-kit/ticket-collab/internal/domain"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// WatchRequest opens a view over the embedded filter.
type WatchRequest struct {
	domain.Filter
}

// Validate rejects filters with unknown enum values or inverted bounds.
func (r WatchRequest) Validate() error {
	for _, s := range r.Statuses {
		if !s.Valid() {
			return apperrors.NewValidationError("unknown status", map[string]any{"status": string(s)})
		}
	}
	for _, p := range r.Priorities {
		if !p.Valid() {
			return apperrors.NewValidationError("unknown priority", map[string]any{"priority": string(p)})
		}
	}
	if r.CreatedFrom != nil && r.CreatedTo != nil && r.CreatedTo.Before(*r.CreatedFrom) {
		return apperrors.NewValidationError("created_to must not precede created_from", nil)
	}
	return nil
}

// ViewResponse describes a watched view and its current tickets.
type ViewResponse struct {
	ViewID    string          `json:"view_id"`
	FilterKey string          `json:"filter_key"`
	Tickets   []TicketSummary `json:"tickets"`
}

// ChangeEvent is one server-sent notification for a view.
type ChangeEvent struct {
	Kind     string `json:"kind"`
	TicketID string `json:"ticket_id,omitempty"`
}

// EncodeViewID turns a filter key into a path-safe identifier.
func EncodeViewID(key domain.FilterKey) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeViewID reverses EncodeViewID.
func DecodeViewID(id string) (domain.FilterKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil || len(raw) == 0 {
		return "", apperrors.NewValidationError("malformed view id", map[string]any{"view_id": id})
	}
	return domain.FilterKey(raw), nil
}
