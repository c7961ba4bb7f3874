package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/api/dto"
	"github.com/spec-kit/ticket-collab/internal/clock"
	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/observability"
	"github.com/spec-kit/ticket-collab/internal/service"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// MergesHandler drives merge workflows.
type MergesHandler struct {
	engine *service.Engine
	clock  clock.Clock
	logger *zap.Logger
}

// NewMergesHandler constructs handler.
func NewMergesHandler(engine *service.Engine, c clock.Clock, logger *zap.Logger) *MergesHandler {
	if c == nil {
		c = clock.Real()
	}
	return &MergesHandler{engine: engine, clock: c, logger: observability.OrNop(logger)}
}

// Start POST /merges.
func (h *MergesHandler) Start(c *fiber.Ctx) error {
	var req dto.MergeStartRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	wf, err := h.engine.StartMerge(req.TicketIDs)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": wf.View()})
}

// Get GET /merges/:id.
func (h *MergesHandler) Get(c *fiber.Ctx) error {
	wf, err := h.engine.Merge(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": wf.View()})
}

// SelectTarget POST /merges/:id/target.
func (h *MergesHandler) SelectTarget(c *fiber.Ctx) error {
	var req dto.MergeTargetRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	wf, err := h.engine.Merge(c.Params("id"))
	if err != nil {
		return err
	}
	if _, err := wf.SelectTarget(c.UserContext(), req.TargetID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": wf.View()})
}

// Resolve PUT /merges/:id/conflicts/:field.
func (h *MergesHandler) Resolve(c *fiber.Ctx) error {
	var req dto.MergeResolveRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	wf, err := h.engine.Merge(c.Params("id"))
	if err != nil {
		return err
	}
	conflict, err := wf.Resolve(domain.MergeField(c.Params("field")), req.Resolution)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": conflict})
}

// Toggle POST /merges/:id/conflicts/:field/toggle.
func (h *MergesHandler) Toggle(c *fiber.Ctx) error {
	wf, err := h.engine.Merge(c.Params("id"))
	if err != nil {
		return err
	}
	conflict, err := wf.Toggle(domain.MergeField(c.Params("field")))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": conflict})
}

// SetOptions PUT /merges/:id/options.
func (h *MergesHandler) SetOptions(c *fiber.Ctx) error {
	var opts domain.MergeOptions
	if err := c.BodyParser(&opts); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	wf, err := h.engine.Merge(c.Params("id"))
	if err != nil {
		return err
	}
	if err := wf.SetOptions(opts); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": wf.View()})
}

// Confirm POST /merges/:id/confirm.
func (h *MergesHandler) Confirm(c *fiber.Ctx) error {
	wf, err := h.engine.Merge(c.Params("id"))
	if err != nil {
		return err
	}
	merged, err := wf.Confirm(c.UserContext())
	if err != nil {
		return err
	}
	h.logger.Info("merge confirmed", zap.String("merge_id", wf.ID()), zap.String("target_id", merged.ID))
	if err := h.engine.DiscardMerge(wf.ID()); err != nil {
		h.logger.Debug("merge already discarded", zap.String("merge_id", wf.ID()))
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketDetail(merged, h.clock.Now(), false)})
}

// Cancel DELETE /merges/:id.
func (h *MergesHandler) Cancel(c *fiber.Ctx) error {
	if err := h.engine.DiscardMerge(c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Dispatch POST /merges/dispatch runs a whole merge in one request.
func (h *MergesHandler) Dispatch(c *fiber.Ctx) error {
	var req dto.MergeDispatchRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	opts := domain.DefaultMergeOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	merged, err := h.engine.DispatchMerge(c.UserContext(), req.SourceIDs, req.TargetID, opts, req.Resolutions)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketDetail(merged, h.clock.Now(), false)})
}
