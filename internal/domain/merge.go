package domain

// MergeField names a ticket field compared during merge conflict review.
type MergeField string

const (
	MergeFieldStatus        MergeField = FieldStatus
	MergeFieldPriority      MergeField = FieldPriority
	MergeFieldAssignedAgent MergeField = FieldAssignedAgent
)

// MergeFields is the fixed set of fields compared between source and target.
var MergeFields = []MergeField{MergeFieldStatus, MergeFieldPriority, MergeFieldAssignedAgent}

// Resolution picks which side of a conflict wins.
type Resolution string

const (
	ResolutionTarget Resolution = "target"
	ResolutionSource Resolution = "source"
)

// MergeOptions toggles what the target inherits from the sources.
type MergeOptions struct {
	KeepSourceMessages bool `json:"keep_source_messages"`
	KeepSourceTags     bool `json:"keep_source_tags"`
	MergeNotes         bool `json:"merge_notes"`
}

// DefaultMergeOptions enables every option.
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{KeepSourceMessages: true, KeepSourceTags: true, MergeNotes: true}
}

// MergeConflict is one field whose value differs between source and target.
type MergeConflict struct {
	Field       MergeField `json:"field"`
	SourceValue string     `json:"source_value"`
	TargetValue string     `json:"target_value"`
	Resolution  Resolution `json:"resolution"`
}

// Resolved returns the value selected by the conflict's resolution.
func (c MergeConflict) Resolved() string {
	if c.Resolution == ResolutionSource {
		return c.SourceValue
	}
	return c.TargetValue
}

// MergeFieldValue extracts the comparable value of field from t.
func MergeFieldValue(field MergeField, t Ticket) string {
	switch field {
	case MergeFieldStatus:
		return string(t.Status)
	case MergeFieldPriority:
		return string(t.Priority)
	case MergeFieldAssignedAgent:
		return t.AssignedAgent()
	}
	return ""
}

// DetectConflicts compares source and target over MergeFields. Each
// conflict starts resolved to the target.
func DetectConflicts(source, target Ticket) []MergeConflict {
	var conflicts []MergeConflict
	for _, field := range MergeFields {
		sv, tv := MergeFieldValue(field, source), MergeFieldValue(field, target)
		if sv == tv {
			continue
		}
		conflicts = append(conflicts, MergeConflict{
			Field:       field,
			SourceValue: sv,
			TargetValue: tv,
			Resolution:  ResolutionTarget,
		})
	}
	return conflicts
}
