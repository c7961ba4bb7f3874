package domain

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// FilterKey is the canonical serialization of a Filter, used as the cache
// partition key for list results.
type FilterKey string

// Filter captures the operator's active ticket list criteria.
type Filter struct {
	Statuses    []TicketStatus   `json:"statuses,omitempty"`
	Priorities  []TicketPriority `json:"priorities,omitempty"`
	AgentIDs    []string         `json:"agent_ids,omitempty"`
	Search      string           `json:"search,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	CreatedFrom *time.Time       `json:"created_from,omitempty"`
	CreatedTo   *time.Time       `json:"created_to,omitempty"`
	SLAOverdue  bool             `json:"sla_overdue,omitempty"`
}

// Key returns the canonical key. Two filters that select the same tickets
// by the same criteria produce identical keys regardless of element order,
// duplicates, search casing and spacing or time zone. Set elements are
// JSON-encoded so separators inside a value cannot collide.
func (f Filter) Key() FilterKey {
	raw, _ := json.Marshal(canonicalFilter{
		Statuses:    canonicalSet(stringsOf(f.Statuses), false),
		Priorities:  canonicalSet(stringsOf(f.Priorities), false),
		AgentIDs:    canonicalSet(f.AgentIDs, false),
		Search:      f.SearchTerm(),
		Tags:        canonicalSet(f.Tags, true),
		CreatedFrom: formatBound(f.CreatedFrom),
		CreatedTo:   formatBound(f.CreatedTo),
		SLAOverdue:  f.SLAOverdue,
	})
	return FilterKey(raw)
}

type canonicalFilter struct {
	Statuses    []string `json:"status"`
	Priorities  []string `json:"priority"`
	AgentIDs    []string `json:"agent"`
	Search      string   `json:"q"`
	Tags        []string `json:"tag"`
	CreatedFrom string   `json:"from"`
	CreatedTo   string   `json:"to"`
	SLAOverdue  bool     `json:"overdue"`
}

// SearchTerm returns the free-text criterion lower-cased with runs of
// whitespace collapsed. Key, Matches and the fetchers all use this form.
func (f Filter) SearchTerm() string {
	return strings.ToLower(strings.Join(strings.Fields(f.Search), " "))
}

// Matches reports whether ticket satisfies every criterion of the filter.
func (f Filter) Matches(t Ticket, now time.Time) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, t.Priority) {
		return false
	}
	if len(f.AgentIDs) > 0 && !slices.Contains(f.AgentIDs, t.AssignedAgent()) {
		return false
	}
	if term := f.SearchTerm(); term != "" {
		haystack := strings.ToLower(strings.Join(strings.Fields(t.Subject+" "+t.Category+" "+t.ID), " "))
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	for _, tag := range f.Tags {
		if strings.TrimSpace(tag) != "" && !t.HasTag(strings.TrimSpace(tag)) {
			return false
		}
	}
	if f.CreatedFrom != nil && t.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && t.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	if f.SLAOverdue && !t.Overdue(now) {
		return false
	}
	return true
}

func stringsOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

// canonicalSet sorts and de-duplicates values. With fold, values are trimmed
// and lower-cased and blanks dropped, the way tag matching treats them;
// otherwise they are kept exactly as Matches compares them.
func canonicalSet(values []string, fold bool) []string {
	set := make([]string, 0, len(values))
	for _, v := range values {
		if fold {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "" {
				continue
			}
		}
		if slices.Contains(set, v) {
			continue
		}
		set = append(set, v)
	}
	slices.Sort(set)
	return set
}

func formatBound(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
