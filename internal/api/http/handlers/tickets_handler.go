package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/api/dto"
	"github.com/spec-kit/ticket-collab/internal/auth"
	"github.com/spec-kit/ticket-collab/internal/clock"
	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/observability"
	"github.com/spec-kit/ticket-collab/internal/service"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// TicketsHandler dispatches ticket mutations through the engine.
type TicketsHandler struct {
	engine *service.Engine
	clock  clock.Clock
	logger *zap.Logger
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(engine *service.Engine, c clock.Clock, logger *zap.Logger) *TicketsHandler {
	if c == nil {
		c = clock.Real()
	}
	return &TicketsHandler{engine: engine, clock: c, logger: observability.OrNop(logger)}
}

// GetTicket GET /tickets/:id returns the cached record, optimistic values
// included.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	id := c.Params("id")
	ticket, err := h.engine.GetTicket(id)
	if err != nil {
		return err
	}
	pending := len(h.engine.Pending(id)) > 0
	return c.JSON(fiber.Map{"data": dto.NewTicketDetail(ticket, h.clock.Now(), pending)})
}

// ListPending GET /tickets/:id/pending.
func (h *TicketsHandler) ListPending(c *fiber.Ctx) error {
	pending := h.engine.Pending(c.Params("id"))
	items := make([]dto.PendingMutationResponse, 0, len(pending))
	for _, pm := range pending {
		items = append(items, dto.PendingMutationResponse{
			Token:     pm.Token,
			Fields:    pm.Fields,
			Delta:     pm.Delta,
			CreatedAt: pm.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"data": items})
}

// UpdateTicket PATCH /tickets/:id.
func (h *TicketsHandler) UpdateTicket(c *fiber.Ctx) error {
	var delta domain.TicketDelta
	if err := c.BodyParser(&delta); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	id := c.Params("id")
	ticket, err := h.engine.DispatchMutation(c.UserContext(), id, delta)
	if err != nil {
		return err
	}
	h.logger.Info("ticket updated",
		zap.String("ticket_id", id),
		zap.String("operator", operatorID(c)),
		zap.Strings("fields", delta.Fields()))
	return c.JSON(fiber.Map{"data": dto.NewTicketDetail(ticket, h.clock.Now(), false)})
}

// AssignTicket POST /tickets/:id/assign.
func (h *TicketsHandler) AssignTicket(c *fiber.Ctx) error {
	var req dto.AssignRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return apperrors.NewValidationError("agent_id required", nil)
	}
	id := c.Params("id")
	ticket, err := h.engine.DispatchAssign(c.UserContext(), id, req.AgentID)
	if err != nil {
		return err
	}
	h.logger.Info("ticket assigned",
		zap.String("ticket_id", id),
		zap.String("agent_id", req.AgentID),
		zap.String("operator", operatorID(c)))
	return c.JSON(fiber.Map{"data": dto.NewTicketDetail(ticket, h.clock.Now(), false)})
}

// BulkUpdate POST /tickets/bulk. A partial failure answers 207 with the
// per-item outcome alongside the error.
func (h *TicketsHandler) BulkUpdate(c *fiber.Ctx) error {
	var req dto.BulkRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	result, err := h.engine.DispatchBulk(c.UserContext(), req.IDs, req.Delta)
	if err != nil && !apperrors.IsKind(err, apperrors.CodePartialBatchFailure) {
		return err
	}
	h.logger.Info("bulk update dispatched",
		zap.Int("total", result.Total),
		zap.Int("failed", len(result.Failed)),
		zap.String("operator", operatorID(c)))
	if err != nil {
		de := apperrors.ToDomainError(err)
		return c.Status(de.HTTPStatus).JSON(fiber.Map{
			"data":  result,
			"error": fiber.Map{"code": de.Code, "message": de.Message},
		})
	}
	return c.JSON(fiber.Map{"data": result})
}

func operatorID(c *fiber.Ctx) string {
	if op, ok := auth.OperatorFromContext(c); ok {
		return op.ID
	}
	return ""
}
