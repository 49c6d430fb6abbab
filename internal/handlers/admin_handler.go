package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"tickethub/internal/services"
	"tickethub/internal/status"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type AdminHandler struct {
	app             *pocketbase.PocketBase
	capacityService *services.CapacityService
	ticketService   *services.TicketService
	groupBuyService *services.GroupBuyService
}

func NewAdminHandler(app *pocketbase.PocketBase, capacityService *services.CapacityService, ticketService *services.TicketService, groupBuyService *services.GroupBuyService) *AdminHandler {
	return &AdminHandler{
		app:             app,
		capacityService: capacityService,
		ticketService:   ticketService,
		groupBuyService: groupBuyService,
	}
}

// GetCapacity - Live pool snapshots for every tier of an event
func (h *AdminHandler) GetCapacity(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	eventID := e.Request.PathValue("eventId")
	event, err := h.app.FindRecordById("events", eventID)
	if err != nil {
		return apis.NewNotFoundError("Event not found", nil)
	}
	if !h.isOrganizer(e, event) {
		return apis.NewForbiddenError("Organizer access required", nil)
	}
	ctx := e.Request.Context()

	tiers, err := h.app.FindRecordsByFilter(
		"tiers",
		"event = {:eventId}",
		"name",
		0,
		0,
		map[string]any{"eventId": eventID},
	)
	if err != nil {
		return apis.NewInternalServerError("internal error", err)
	}

	snapshots := []map[string]any{}
	for _, tier := range tiers {
		pool, err := h.capacityService.Pool(ctx, eventID, tier.Id)
		if err != nil {
			slog.Error("h.capacityService.Pool()", "event_id", eventID, "tier_id", tier.Id, "error", err)
			continue
		}
		snapshots = append(snapshots, map[string]any{
			"tier_id":   tier.Id,
			"tier_name": tier.GetString("name"),
			"capacity":  pool.Capacity,
			"sold":      pool.Sold,
			"reserved":  pool.Reserved,
			"available": pool.Available(),
		})
	}

	return e.JSON(http.StatusOK, map[string]any{
		"event_id": eventID,
		"tiers":    snapshots,
	})
}

// ListGroupBuys - Sessions visible to the caller, live state overlaid
func (h *AdminHandler) ListGroupBuys(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	filter := "organizer_id = {:organizerId}"
	params := map[string]any{"organizerId": e.Auth.Id}
	if e.Auth.Collection().Name == core.CollectionNameSuperusers {
		filter = "id != ''"
		params = map[string]any{}
	}
	if eventID := e.Request.URL.Query().Get("event_id"); eventID != "" {
		filter += " && event_id = {:eventId}"
		params["eventId"] = eventID
	}

	records, err := h.app.FindRecordsByFilter("group_buy_sessions", filter, "-created", 100, 0, params)
	if err != nil {
		return apis.NewInternalServerError("internal error", err)
	}
	ctx := e.Request.Context()

	sessions := []map[string]any{}
	for _, r := range records {
		sessionID := r.GetString("session_id")
		entry := map[string]any{
			"session_id":   sessionID,
			"event_id":     r.GetString("event_id"),
			"tier_id":      r.GetString("tier_id"),
			"status":       r.GetString("status"),
			"target":       r.GetInt("target"),
			"paid_count":   r.GetInt("paid_count"),
			"failed_count": r.GetInt("failed_count"),
			"expires_at":   r.GetString("expires_at"),
		}
		// the mirror lags; overlay the live counters while the session
		// is still in Redis
		if progress, err := h.groupBuyService.Progress(ctx, sessionID); err == nil {
			entry["status"] = progress.Status
			entry["paid_count"] = progress.PaidCount
			entry["failed_count"] = progress.FailedCount
		}
		sessions = append(sessions, entry)
	}

	return e.JSON(http.StatusOK, sessions)
}

// VoidTicket - Cancel an issued ticket and return its seat to the pool
func (h *AdminHandler) VoidTicket(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	ticketID := e.Request.PathValue("ticketId")
	ctx := e.Request.Context()

	ticket, err := h.ticketService.Get(ctx, ticketID)
	switch {
	case err == nil:
	case errors.Is(err, status.ErrTicketNotFound):
		return apis.NewNotFoundError("Ticket not found", nil)
	default:
		slog.Error("h.ticketService.Get()", "ticket_id", ticketID, "error", err)
		return apis.NewInternalServerError("internal error", err)
	}

	event, err := h.app.FindRecordById("events", ticket.EventID)
	if err != nil {
		return apis.NewNotFoundError("Event not found", nil)
	}
	if !h.isOrganizer(e, event) {
		return apis.NewForbiddenError("Organizer access required", nil)
	}

	voided, err := h.ticketService.Void(ctx, ticketID)
	switch {
	case err == nil:
	case errors.Is(err, status.ErrTicketNotFound):
		return apis.NewNotFoundError("Ticket not found", nil)
	case errors.Is(err, status.ErrTicketNotVoidable):
		return apis.NewApiError(http.StatusConflict, "Only issued tickets can be voided", nil)
	default:
		slog.Error("h.ticketService.Void()", "ticket_id", ticketID, "error", err)
		return apis.NewInternalServerError("internal error", err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"message": "Ticket voided",
		"ticket":  voided,
	})
}

func (h *AdminHandler) isOrganizer(e *core.RequestEvent, event *core.Record) bool {
	if e.Auth == nil {
		return false
	}
	if e.Auth.Collection().Name == core.CollectionNameSuperusers {
		return true
	}
	return event.GetString("organizer") == e.Auth.Id
}
