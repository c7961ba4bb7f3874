package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-collab/internal/domain"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

func newMergeService(h *harness) *MergeService {
	return NewMergeService(MergeDependencies{
		Store:      h.store,
		Loader:     h.remote,
		Client:     h.remote,
		Reconciler: h.rec,
	})
}

func prioritized(id string, p domain.TicketPriority) domain.Ticket {
	t := ticket(id, 100)
	t.Priority = p
	return t
}

func TestMergeWorkflow_PriorityConflictDefaultsToTarget(t *testing.T) {
	h := newHarness(t, prioritized("T1", domain.TicketPriorityHigh), prioritized("T2", domain.TicketPriorityLow))
	svc := newMergeService(h)

	wf, err := svc.Start([]string{"T1", "T2"})
	require.NoError(t, err)
	assert.Equal(t, MergeSelectingTarget, wf.State())

	conflicts, err := wf.SelectTarget(context.Background(), "T2")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, domain.MergeFieldPriority, conflicts[0].Field)
	assert.Equal(t, domain.ResolutionTarget, conflicts[0].Resolution)
	assert.Equal(t, "low", conflicts[0].Resolved())
	assert.Equal(t, MergeConflictReview, wf.State())

	toggled, err := wf.Toggle(domain.MergeFieldPriority)
	require.NoError(t, err)
	assert.Equal(t, "high", toggled.Resolved())

	merged, err := wf.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.TicketPriorityHigh, merged.Priority)
	assert.Equal(t, MergeConfirmed, wf.State())

	require.Len(t, h.remote.merges, 1)
	req := h.remote.merges[0]
	assert.Equal(t, []string{"T1"}, req.SourceIDs)
	assert.Equal(t, "T2", req.TargetID)
	assert.Equal(t, "high", req.Resolutions[domain.MergeFieldPriority])
	assert.Equal(t, domain.DefaultMergeOptions(), req.Options)

	_, cached := h.store.GetDetail("T1")
	assert.False(t, cached)
	ids, _ := h.store.Get(h.key)
	assert.Equal(t, []string{"T2"}, ids)
	assert.Equal(t, domain.TicketPriorityHigh, h.detail(t, "T2").Priority)
}

func TestMergeWorkflow_NoOptimisticApplyBeforeConfirm(t *testing.T) {
	h := newHarness(t, prioritized("T1", domain.TicketPriorityHigh), prioritized("T2", domain.TicketPriorityLow))
	wf, err := newMergeService(h).Start([]string{"T1", "T2"})
	require.NoError(t, err)
	_, err = wf.SelectTarget(context.Background(), "T2")
	require.NoError(t, err)
	_, err = wf.Toggle(domain.MergeFieldPriority)
	require.NoError(t, err)

	assert.Equal(t, domain.TicketPriorityLow, h.detail(t, "T2").Priority)
	assert.Zero(t, h.rec.PendingCount())
	assert.Empty(t, h.remote.Calls())
}

func TestMergeWorkflow_ConfirmAbortsWhenConflictsMoved(t *testing.T) {
	h := newHarness(t, prioritized("T1", domain.TicketPriorityHigh), prioritized("T2", domain.TicketPriorityLow))
	wf, err := newMergeService(h).Start([]string{"T1", "T2"})
	require.NoError(t, err)
	_, err = wf.SelectTarget(context.Background(), "T2")
	require.NoError(t, err)

	moved := prioritized("T1", domain.TicketPriorityHigh)
	moved.Status = domain.TicketStatusEscalated
	moved.UpdatedAt = moved.UpdatedAt.Add(5 * time.Second)
	h.remote.put(moved)

	_, err = wf.Confirm(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.CodeConflictState))
	assert.Equal(t, MergeConflictReview, wf.State())
	assert.Len(t, wf.Conflicts(), 2)
	assert.Empty(t, h.remote.merges)
}

func TestMergeWorkflow_FailedMergeStaysInReview(t *testing.T) {
	h := newHarness(t, prioritized("T1", domain.TicketPriorityHigh), prioritized("T2", domain.TicketPriorityLow))
	h.remote.mergeErr = apperrors.FromHTTP(503, "", nil)
	wf, err := newMergeService(h).Start([]string{"T1", "T2"})
	require.NoError(t, err)
	_, err = wf.SelectTarget(context.Background(), "T2")
	require.NoError(t, err)

	_, err = wf.Confirm(context.Background())
	assert.True(t, apperrors.IsKind(err, apperrors.CodeTransientNetwork))
	assert.Equal(t, MergeConflictReview, wf.State())
	assert.Len(t, wf.Conflicts(), 1)
	h.detail(t, "T1")
}

func TestMergeWorkflow_TargetLoadFailureIsConflictState(t *testing.T) {
	h := newHarness(t, ticket("T1", 100))
	wf, err := newMergeService(h).Start([]string{"T1", "T404"})
	require.NoError(t, err)

	_, err = wf.SelectTarget(context.Background(), "T404")
	assert.True(t, apperrors.IsKind(err, apperrors.CodeConflictState))
	assert.Equal(t, MergeSelectingTarget, wf.State())
}

func TestMergeWorkflow_TargetMustBeSelected(t *testing.T) {
	h := newHarness(t, ticket("T1", 100), ticket("T2", 100))
	wf, err := newMergeService(h).Start([]string{"T1", "T2"})
	require.NoError(t, err)

	_, err = wf.SelectTarget(context.Background(), "T3")
	assert.True(t, apperrors.IsKind(err, apperrors.CodeValidation))
}

func TestMergeWorkflow_ResolveUnknownFieldRejected(t *testing.T) {
	h := newHarness(t, prioritized("T1", domain.TicketPriorityHigh), prioritized("T2", domain.TicketPriorityLow))
	wf, err := newMergeService(h).Start([]string{"T1", "T2"})
	require.NoError(t, err)
	_, err = wf.SelectTarget(context.Background(), "T2")
	require.NoError(t, err)

	_, err = wf.Resolve(domain.MergeFieldStatus, domain.ResolutionSource)
	assert.True(t, apperrors.IsKind(err, apperrors.CodeValidation))
	_, err = wf.Resolve(domain.MergeFieldPriority, "both")
	assert.True(t, apperrors.IsKind(err, apperrors.CodeValidation))
}

func TestMergeWorkflow_CancelDiscardsConflicts(t *testing.T) {
	h := newHarness(t, prioritized("T1", domain.TicketPriorityHigh), prioritized("T2", domain.TicketPriorityLow))
	svc := newMergeService(h)
	wf, err := svc.Start([]string{"T1", "T2"})
	require.NoError(t, err)
	_, err = wf.SelectTarget(context.Background(), "T2")
	require.NoError(t, err)

	require.NoError(t, svc.Discard(wf.ID()))
	assert.Equal(t, MergeCancelled, wf.State())
	assert.Empty(t, wf.Conflicts())
	_, err = wf.Confirm(context.Background())
	assert.True(t, apperrors.IsKind(err, apperrors.CodeConflictState))
	_, err = svc.Get(wf.ID())
	assert.True(t, apperrors.IsKind(err, apperrors.CodeNotFound))
}

func TestMergeService_StartNeedsTwoTickets(t *testing.T) {
	h := newHarness(t)
	_, err := newMergeService(h).Start([]string{"T1", "T1", " "})
	assert.True(t, apperrors.IsKind(err, apperrors.CodeValidation))
}
