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
	"github.com/shopspring/decimal"
)

type GroupBuyHandler struct {
	app             *pocketbase.PocketBase
	groupBuyService *services.GroupBuyService
}

func NewGroupBuyHandler(app *pocketbase.PocketBase, groupBuyService *services.GroupBuyService) *GroupBuyHandler {
	return &GroupBuyHandler{
		app:             app,
		groupBuyService: groupBuyService,
	}
}

// Create - Open a group-buy session and mint its payment links
func (h *GroupBuyHandler) Create(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		EventID        string          `json:"event_id"`
		TierID         string          `json:"tier_id"`
		TargetCount    int             `json:"target_count"`
		PricePerPerson decimal.Decimal `json:"price_per_person"`
		WindowHours    int             `json:"window_hours"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.EventID == "" || req.TierID == "" {
		return apis.NewBadRequestError("event_id and tier_id are required", nil)
	}
	ctx := e.Request.Context()

	session, participants, err := h.groupBuyService.Create(ctx, services.CreateGroupBuyParams{
		EventID:            req.EventID,
		TierID:             req.TierID,
		OrganizerID:        e.Auth.Id,
		OrganizerPhone:     e.Auth.GetString("phone"),
		TargetParticipants: req.TargetCount,
		WindowHours:        req.WindowHours,
		PricePerPerson:     req.PricePerPerson,
	})
	switch {
	case err == nil:
	case errors.Is(err, status.ErrInvalidGroupSize):
		return apis.NewBadRequestError(
			fmt.Sprintf("target_count must be between %d and %d", models.MinGroupSize, models.MaxGroupSize), nil)
	case errors.Is(err, status.ErrCapacityExhausted):
		return apis.NewApiError(http.StatusConflict, "Not enough capacity for the requested group size", nil)
	case errors.Is(err, status.ErrPoolNotFound):
		return apis.NewNotFoundError("Unknown event tier", nil)
	default:
		slog.Error("h.groupBuyService.Create()", "event_id", req.EventID, "error", err)
		return apis.NewInternalServerError("internal error", err)
	}

	links := make([]map[string]any, 0, len(participants))
	for _, p := range participants {
		links = append(links, map[string]any{
			"link_id":     p.LinkID,
			"payment_url": fmt.Sprintf("/pay/%s", p.LinkID),
			"amount":      p.Amount,
		})
	}

	return e.JSON(http.StatusOK, map[string]any{
		"session":       session,
		"payment_links": links,
	})
}

// GetProgress - Session progress; reading an overdue session settles it
func (h *GroupBuyHandler) GetProgress(e *core.RequestEvent) error {
	sessionID := e.Request.PathValue("sessionId")
	ctx := e.Request.Context()

	progress, err := h.groupBuyService.Progress(ctx, sessionID)
	switch {
	case err == nil:
	case errors.Is(err, status.ErrSessionNotFound):
		return apis.NewNotFoundError("Session not found", nil)
	default:
		slog.Error("h.groupBuyService.Progress()", "session_id", sessionID, "error", err)
		return apis.NewInternalServerError("internal error", err)
	}

	return e.JSON(http.StatusOK, progress)
}
