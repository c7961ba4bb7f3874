package dto

import "github.com/spec-kit/ticket-collab/internal/domain"

// MergeStartRequest opens a workflow over the selected tickets.
type MergeStartRequest struct {
	TicketIDs []string `json:"ticket_ids"`
}

// MergeTargetRequest picks the surviving ticket.
type MergeTargetRequest struct {
	TargetID string `json:"target_id"`
}

// MergeResolveRequest sets one conflict's resolution.
type MergeResolveRequest struct {
	Resolution domain.Resolution `json:"resolution"`
}

// MergeDispatchRequest runs a whole merge in one call.
type MergeDispatchRequest struct {
	SourceIDs   []string                                `json:"source_ids"`
	TargetID    string                                  `json:"target_id"`
	Options     *domain.MergeOptions                    `json:"options"`
	Resolutions map[domain.MergeField]domain.Resolution `json:"resolutions"`
}
