package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/api/dto"
	"github.com/spec-kit/ticket-collab/internal/cache"
	"github.com/spec-kit/ticket-collab/internal/clock"
	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/observability"
	"github.com/spec-kit/ticket-collab/internal/service"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

const heartbeatInterval = 15 * time.Second

// ViewsHandler exposes watched ticket lists and their change stream.
type ViewsHandler struct {
	engine *service.Engine
	clock  clock.Clock
	logger *zap.Logger
}

// NewViewsHandler constructs handler.
func NewViewsHandler(engine *service.Engine, c clock.Clock, logger *zap.Logger) *ViewsHandler {
	if c == nil {
		c = clock.Real()
	}
	return &ViewsHandler{engine: engine, clock: c, logger: observability.OrNop(logger)}
}

// Watch POST /views. The filter comes from the JSON body, or from the query
// string when the body is empty.
func (h *ViewsHandler) Watch(c *fiber.Ctx) error {
	var req dto.WatchRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
	} else {
		filter, err := parseFilterQuery(c)
		if err != nil {
			return err
		}
		req.Filter = filter
	}
	if err := req.Validate(); err != nil {
		return err
	}

	key, err := h.engine.Watch(c.UserContext(), req.Filter)
	if err != nil {
		return err
	}
	resp, err := h.view(key)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": resp})
}

// Tickets GET /views/:view/tickets.
func (h *ViewsHandler) Tickets(c *fiber.Ctx) error {
	key, err := dto.DecodeViewID(c.Params("view"))
	if err != nil {
		return err
	}
	resp, err := h.view(key)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": resp})
}

// Refresh POST /views/:view/refresh reloads the list from the source.
func (h *ViewsHandler) Refresh(c *fiber.Ctx) error {
	key, err := dto.DecodeViewID(c.Params("view"))
	if err != nil {
		return err
	}
	if err := h.engine.Refresh(c.UserContext(), key); err != nil {
		return err
	}
	resp, err := h.view(key)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": resp})
}

// Unwatch DELETE /views/:view.
func (h *ViewsHandler) Unwatch(c *fiber.Ctx) error {
	key, err := dto.DecodeViewID(c.Params("view"))
	if err != nil {
		return err
	}
	if !h.engine.Unwatch(key) {
		return apperrors.NewNotFound("view", map[string]any{"view_id": c.Params("view")})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Changes GET /views/:view/changes streams server-sent events whenever the
// view's list changes. The stream ends when the client goes away or the
// engine is disposed.
func (h *ViewsHandler) Changes(c *fiber.Ctx) error {
	key, err := dto.DecodeViewID(c.Params("view"))
	if err != nil {
		return err
	}
	if _, err := h.engine.GetVisibleTickets(key); err != nil {
		return err
	}

	changes := make(chan dto.ChangeEvent, 64)
	unsubscribe, err := h.engine.OnChange(func(ch cache.Change) {
		var ev dto.ChangeEvent
		switch {
		case ch.Kind == cache.ChangeList && ch.Key == key:
			ev = dto.ChangeEvent{Kind: string(ch.Kind), TicketID: ch.TicketID}
		case ch.Kind == cache.ChangeCleared:
			ev = dto.ChangeEvent{Kind: string(ch.Kind)}
		default:
			return
		}
		select {
		case changes <- ev:
		default:
			// Slow client; it resynchronizes on the next event it does get.
		}
	})
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	logger := h.logger.With(zap.String("filter_key", string(key)))
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case ev := <-changes:
				payload, _ := json.Marshal(ev)
				fmt.Fprintf(w, "event: change\ndata: %s\n\n", payload)
				if err := w.Flush(); err != nil {
					logger.Debug("change stream closed", zap.Error(err))
					return
				}
				if ev.Kind == string(cache.ChangeCleared) {
					return
				}
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				if err := w.Flush(); err != nil {
					logger.Debug("change stream closed", zap.Error(err))
					return
				}
			}
		}
	})
	return nil
}

func (h *ViewsHandler) view(key domain.FilterKey) (dto.ViewResponse, error) {
	tickets, err := h.engine.GetVisibleTickets(key)
	if err != nil {
		return dto.ViewResponse{}, err
	}
	now := h.clock.Now()
	items := make([]dto.TicketSummary, 0, len(tickets))
	for _, t := range tickets {
		items = append(items, dto.NewTicketSummary(t, now, len(h.engine.Pending(t.ID)) > 0))
	}
	return dto.ViewResponse{
		ViewID:    dto.EncodeViewID(key),
		FilterKey: string(key),
		Tickets:   items,
	}, nil
}

func parseFilterQuery(c *fiber.Ctx) (domain.Filter, error) {
	var filter domain.Filter
	for _, part := range splitList(c.Query("status")) {
		status, err := domain.ParseStatus(part)
		if err != nil {
			return domain.Filter{}, apperrors.NewValidationError(err.Error(), nil)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, part := range splitList(c.Query("priority")) {
		priority, err := domain.ParsePriority(part)
		if err != nil {
			return domain.Filter{}, apperrors.NewValidationError(err.Error(), nil)
		}
		filter.Priorities = append(filter.Priorities, priority)
	}
	filter.AgentIDs = splitList(c.Query("agent"))
	filter.Tags = splitList(c.Query("tag"))
	filter.Search = c.Query("q")
	filter.CreatedFrom = parseTime(c.Query("created_from"))
	filter.CreatedTo = parseTime(c.Query("created_to"))
	filter.SLAOverdue = parseBool(c.Query("overdue"))
	return filter, nil
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTime(val string) *time.Time {
	if val == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return nil
	}
	return &t
}

func parseBool(val string) bool {
	parsed, err := strconv.ParseBool(val)
	return err == nil && parsed
}
