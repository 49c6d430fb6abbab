package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"tickethub/internal/services"
	"tickethub/internal/status"
	"tickethub/models"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// maxPurchaseQuantity caps one direct purchase. Larger groups go through the
// group-buy flow, which reserves the whole block up front.
const maxPurchaseQuantity = 10

type TicketHandler struct {
	app             *pocketbase.PocketBase
	capacityService *services.CapacityService
	ticketService   *services.TicketService
}

func NewTicketHandler(app *pocketbase.PocketBase, capacityService *services.CapacityService, ticketService *services.TicketService) *TicketHandler {
	return &TicketHandler{
		app:             app,
		capacityService: capacityService,
		ticketService:   ticketService,
	}
}

// Purchase - Reserve capacity and issue tickets in one request
func (h *TicketHandler) Purchase(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		EventID  string `json:"event_id"`
		TierID   string `json:"tier_id"`
		Quantity int    `json:"quantity"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.EventID == "" || req.TierID == "" {
		return apis.NewBadRequestError("event_id and tier_id are required", nil)
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}
	if req.Quantity > maxPurchaseQuantity {
		return apis.NewBadRequestError(fmt.Sprintf("quantity is limited to %d per purchase", maxPurchaseQuantity), nil)
	}
	ctx := e.Request.Context()

	reservation, err := h.capacityService.Reserve(ctx, req.EventID, req.TierID, req.Quantity)
	switch {
	case err == nil:
	case errors.Is(err, status.ErrCapacityExhausted):
		return apis.NewApiError(http.StatusConflict, "Sold out", nil)
	case errors.Is(err, status.ErrPoolNotFound):
		return apis.NewNotFoundError("Unknown event tier", nil)
	default:
		slog.Error("h.capacityService.Reserve()", "event_id", req.EventID, "tier_id", req.TierID, "error", err)
		return apis.NewInternalServerError("internal error", err)
	}

	tickets := make([]*models.Ticket, 0, req.Quantity)
	for i := 0; i < req.Quantity; i++ {
		ticket, err := h.ticketService.Issue(ctx, services.IssueParams{
			EventID:       req.EventID,
			TierID:        req.TierID,
			OwnerID:       e.Auth.Id,
			OwnerPhone:    e.Auth.GetString("phone"),
			ReservationID: reservation.ID,
		})
		if err != nil {
			slog.Error("h.ticketService.Issue()", "event_id", req.EventID, "issued", len(tickets), "error", err)
			// tickets already issued stand; only the unused part of the
			// hold goes back to the pool
			if _, rerr := h.capacityService.Release(ctx, reservation.ID); rerr != nil {
				slog.Error("release after partial issue", "reservation_id", reservation.ID, "error", rerr)
			}
			return apis.NewInternalServerError("Purchase could not be completed", err)
		}
		tickets = append(tickets, ticket)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"reservation_id": reservation.ID,
		"tickets":        tickets,
	})
}

// GetTicket - Ticket details plus its gate scan history
func (h *TicketHandler) GetTicket(e *core.RequestEvent) error {
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

	if !h.canAccessTicket(e, ticket) {
		return apis.NewForbiddenError("Access denied", nil)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"ticket":       ticket,
		"scan_history": h.scanHistory(ticketID),
	})
}

// canAccessTicket admits the ticket owner, the event organizer and superusers.
func (h *TicketHandler) canAccessTicket(e *core.RequestEvent, t *models.Ticket) bool {
	if e.Auth.Id == t.OwnerID {
		return true
	}
	if e.Auth.Collection().Name == core.CollectionNameSuperusers {
		return true
	}

	event, err := h.app.FindRecordById("events", t.EventID)
	if err != nil {
		return false
	}
	return event.GetString("organizer") == e.Auth.Id
}

func (h *TicketHandler) scanHistory(ticketID string) []map[string]any {
	records, err := h.app.FindRecordsByFilter(
		"scan_history",
		"ticket_id = {:ticketId}",
		"-scanned_at",
		50,
		0,
		map[string]any{"ticketId": ticketID},
	)
	if err != nil {
		slog.Error("list scan history", "ticket_id", ticketID, "error", err)
		return []map[string]any{}
	}

	history := make([]map[string]any, 0, len(records))
	for _, r := range records {
		history = append(history, map[string]any{
			"scanner_id": r.GetString("scanner_id"),
			"outcome":    r.GetString("outcome"),
			"scanned_at": r.GetString("scanned_at"),
		})
	}
	return history
}
