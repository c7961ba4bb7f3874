package service

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/cache"
	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/observability"
	"github.com/spec-kit/ticket-collab/internal/reconciler"
	"github.com/spec-kit/ticket-collab/internal/remote"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// MergeState is the lifecycle of a merge workflow.
type MergeState string

const (
	MergeSelectingTarget MergeState = "selecting_target"
	MergeConflictReview  MergeState = "conflict_review"
	MergeConfirmed       MergeState = "confirmed"
	MergeCancelled       MergeState = "cancelled"
)

// DetailLoader loads one ticket from the authoritative source.
type DetailLoader interface {
	FetchDetail(ctx context.Context, id string) (domain.Ticket, error)
}

// MergeView is a read-only snapshot of a workflow.
type MergeView struct {
	ID        string                 `json:"id"`
	State     MergeState             `json:"state"`
	Selection []string               `json:"selection"`
	TargetID  string                 `json:"target_id,omitempty"`
	SourceIDs []string               `json:"source_ids,omitempty"`
	Conflicts []domain.MergeConflict `json:"conflicts"`
	Options   domain.MergeOptions    `json:"options"`
	Result    *domain.Ticket         `json:"result,omitempty"`
}

// MergeWorkflow walks one selection through target choice, conflict review
// and confirmation. Nothing touches the cache until the merge call succeeds.
type MergeWorkflow struct {
	mu        sync.Mutex
	id        string
	state     MergeState
	selection []string
	targetID  string
	sourceIDs []string
	conflicts []domain.MergeConflict
	options   domain.MergeOptions
	result    *domain.Ticket

	svc *MergeService
}

// MergeService owns the open workflows and their collaborators.
type MergeService struct {
	store      *cache.Store
	loader     DetailLoader
	client     remote.MutationClient
	reconciler *reconciler.Reconciler
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu        sync.Mutex
	workflows map[string]*MergeWorkflow
}

// MergeDependencies bundles collaborators for the merge service.
type MergeDependencies struct {
	Store      *cache.Store
	Loader     DetailLoader
	Client     remote.MutationClient
	Reconciler *reconciler.Reconciler
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// NewMergeService creates the service.
func NewMergeService(deps MergeDependencies) *MergeService {
	return &MergeService{
		store:      deps.Store,
		loader:     deps.Loader,
		client:     deps.Client,
		reconciler: deps.Reconciler,
		logger:     observability.OrNop(deps.Logger),
		metrics:    deps.Metrics,
		workflows:  make(map[string]*MergeWorkflow),
	}
}

// Start opens a workflow over selection, which needs at least two distinct
// ticket ids.
func (s *MergeService) Start(selection []string) (*MergeWorkflow, error) {
	ids := make([]string, 0, len(selection))
	for _, id := range selection {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) < 2 {
		return nil, apperrors.NewValidationError("merge needs at least two tickets", map[string]any{"selected": len(ids)})
	}

	wf := &MergeWorkflow{
		id:        uuid.NewString(),
		state:     MergeSelectingTarget,
		selection: ids,
		options:   domain.DefaultMergeOptions(),
		svc:       s,
	}
	s.mu.Lock()
	s.workflows[wf.id] = wf
	s.mu.Unlock()
	return wf, nil
}

// Get returns the open workflow with id.
func (s *MergeService) Get(id string) (*MergeWorkflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, apperrors.NewNotFound("merge", map[string]any{"merge_id": id})
	}
	return wf, nil
}

// Discard cancels the workflow with id and forgets it.
func (s *MergeService) Discard(id string) error {
	s.mu.Lock()
	wf, ok := s.workflows[id]
	delete(s.workflows, id)
	s.mu.Unlock()
	if !ok {
		return apperrors.NewNotFound("merge", map[string]any{"merge_id": id})
	}
	wf.Cancel()
	return nil
}

// CancelAll cancels every open workflow.
func (s *MergeService) CancelAll() {
	s.mu.Lock()
	open := s.workflows
	s.workflows = make(map[string]*MergeWorkflow)
	s.mu.Unlock()
	for _, wf := range open {
		wf.Cancel()
	}
}

// ID returns the workflow identifier.
func (w *MergeWorkflow) ID() string { return w.id }

// State returns the current lifecycle state.
func (w *MergeWorkflow) State() MergeState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// View snapshots the workflow.
func (w *MergeWorkflow) View() MergeView {
	w.mu.Lock()
	defer w.mu.Unlock()
	view := MergeView{
		ID:        w.id,
		State:     w.state,
		Selection: slices.Clone(w.selection),
		TargetID:  w.targetID,
		SourceIDs: slices.Clone(w.sourceIDs),
		Conflicts: slices.Clone(w.conflicts),
		Options:   w.options,
	}
	if view.Conflicts == nil {
		view.Conflicts = []domain.MergeConflict{}
	}
	if w.result != nil {
		r := w.result.Clone()
		view.Result = &r
	}
	return view
}

// Conflicts returns the fields under review.
func (w *MergeWorkflow) Conflicts() []domain.MergeConflict {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.conflicts)
}

// SelectTarget picks the surviving ticket, loads it along with the first
// source and enters conflict review. Picking again while in review
// recomputes conflicts for the new target.
func (w *MergeWorkflow) SelectTarget(ctx context.Context, targetID string) ([]domain.MergeConflict, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != MergeSelectingTarget && w.state != MergeConflictReview {
		return nil, w.stateError("select a target")
	}
	if !slices.Contains(w.selection, targetID) {
		return nil, apperrors.NewValidationError("target must be one of the selected tickets", map[string]any{"target_id": targetID})
	}

	sources := make([]string, 0, len(w.selection)-1)
	for _, id := range w.selection {
		if id != targetID {
			sources = append(sources, id)
		}
	}

	conflicts, err := w.svc.detect(ctx, sources[0], targetID, true)
	if err != nil {
		return nil, err
	}
	w.targetID = targetID
	w.sourceIDs = sources
	w.conflicts = conflicts
	w.state = MergeConflictReview
	return slices.Clone(conflicts), nil
}

// Resolve sets the resolution for field.
func (w *MergeWorkflow) Resolve(field domain.MergeField, resolution domain.Resolution) (domain.MergeConflict, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if resolution != domain.ResolutionTarget && resolution != domain.ResolutionSource {
		return domain.MergeConflict{}, apperrors.NewValidationError("resolution must be target or source", map[string]any{"resolution": string(resolution)})
	}
	c, err := w.conflictLocked(field)
	if err != nil {
		return domain.MergeConflict{}, err
	}
	c.Resolution = resolution
	return *c, nil
}

// Toggle flips field between target and source.
func (w *MergeWorkflow) Toggle(field domain.MergeField) (domain.MergeConflict, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, err := w.conflictLocked(field)
	if err != nil {
		return domain.MergeConflict{}, err
	}
	if c.Resolution == domain.ResolutionSource {
		c.Resolution = domain.ResolutionTarget
	} else {
		c.Resolution = domain.ResolutionSource
	}
	return *c, nil
}

// SetOptions replaces the merge options.
func (w *MergeWorkflow) SetOptions(opts domain.MergeOptions) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != MergeSelectingTarget && w.state != MergeConflictReview {
		return w.stateError("change options")
	}
	w.options = opts
	return nil
}

// Options returns the current merge options.
func (w *MergeWorkflow) Options() domain.MergeOptions {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.options
}

// Confirm re-checks conflicts against fresh data and issues the merge. If
// the conflicts changed since review started the workflow stays in review
// with the refreshed conflicts and a ConflictState error is returned. A
// failed merge call also leaves the workflow in review.
func (w *MergeWorkflow) Confirm(ctx context.Context) (domain.Ticket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != MergeConflictReview {
		return domain.Ticket{}, w.stateError("confirm")
	}

	fresh, err := w.svc.detect(ctx, w.sourceIDs[0], w.targetID, false)
	if err != nil {
		w.svc.metrics.Merge("target_unavailable")
		return domain.Ticket{}, err
	}
	if !sameConflicts(w.conflicts, fresh) {
		w.conflicts = carryResolutions(w.conflicts, fresh)
		w.svc.metrics.Merge("stale_conflicts")
		return domain.Ticket{}, apperrors.NewConflictState("tickets changed during review", map[string]any{
			"conflicts": slices.Clone(w.conflicts),
		})
	}

	req := remote.MergeRequest{
		SourceIDs:   slices.Clone(w.sourceIDs),
		TargetID:    w.targetID,
		Options:     w.options,
		Resolutions: make(map[domain.MergeField]string, len(w.conflicts)),
	}
	for _, c := range w.conflicts {
		req.Resolutions[c.Field] = c.Resolved()
	}

	merged, err := w.svc.client.MergeTickets(ctx, req)
	if err != nil {
		mapped := apperrors.MapError(err)
		w.svc.metrics.Merge("failed")
		w.svc.logger.Warn("merge failed; staying in review",
			zap.String("merge_id", w.id),
			zap.String("target_id", w.targetID),
			zap.Strings("source_ids", w.sourceIDs),
			zap.Error(mapped))
		return domain.Ticket{}, mapped
	}

	if merged.ID == "" {
		merged.ID = w.targetID
	}
	w.svc.reconciler.RemoveTickets(w.sourceIDs...)
	w.svc.reconciler.Upsert(merged)
	w.state = MergeConfirmed
	result := merged.Clone()
	w.result = &result
	w.svc.metrics.Merge("confirmed")
	w.svc.logger.Info("tickets merged",
		zap.String("merge_id", w.id),
		zap.String("target_id", w.targetID),
		zap.Strings("source_ids", w.sourceIDs))
	return merged, nil
}

// Cancel abandons the workflow and discards its conflicts.
func (w *MergeWorkflow) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == MergeConfirmed {
		return
	}
	w.state = MergeCancelled
	w.conflicts = nil
}

func (w *MergeWorkflow) conflictLocked(field domain.MergeField) (*domain.MergeConflict, error) {
	if w.state != MergeConflictReview {
		return nil, w.stateError("resolve conflicts")
	}
	for i := range w.conflicts {
		if w.conflicts[i].Field == field {
			return &w.conflicts[i], nil
		}
	}
	return nil, apperrors.NewValidationError("field has no conflict", map[string]any{"field": string(field)})
}

func (w *MergeWorkflow) stateError(action string) error {
	return apperrors.NewConflictState("cannot "+action+" in state "+string(w.state), map[string]any{
		"merge_id": w.id,
		"state":    string(w.state),
	})
}

// detect loads source and target and compares them. With preferCache the
// cached detail is used when present; otherwise the loader is asked first.
func (s *MergeService) detect(ctx context.Context, sourceID, targetID string, preferCache bool) ([]domain.MergeConflict, error) {
	source, err := s.load(ctx, sourceID, preferCache)
	if err != nil {
		return nil, apperrors.NewConflictState("source ticket could not be loaded", map[string]any{"ticket_id": sourceID, "cause": err.Error()})
	}
	target, err := s.load(ctx, targetID, preferCache)
	if err != nil {
		return nil, apperrors.NewConflictState("target ticket could not be loaded", map[string]any{"ticket_id": targetID, "cause": err.Error()})
	}
	return domain.DetectConflicts(source, target), nil
}

func (s *MergeService) load(ctx context.Context, id string, preferCache bool) (domain.Ticket, error) {
	if preferCache || s.loader == nil {
		if t, ok := s.store.GetDetail(id); ok {
			return t, nil
		}
	}
	if s.loader == nil {
		return domain.Ticket{}, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	return s.loader.FetchDetail(ctx, id)
}

func sameConflicts(a, b []domain.MergeConflict) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Field != b[i].Field || a[i].SourceValue != b[i].SourceValue || a[i].TargetValue != b[i].TargetValue {
			return false
		}
	}
	return true
}

// carryResolutions keeps the operator's pick for fields whose values did
// not move.
func carryResolutions(previous, fresh []domain.MergeConflict) []domain.MergeConflict {
	for i := range fresh {
		for _, p := range previous {
			if p.Field == fresh[i].Field && p.SourceValue == fresh[i].SourceValue && p.TargetValue == fresh[i].TargetValue {
				fresh[i].Resolution = p.Resolution
			}
		}
	}
	return fresh
}
