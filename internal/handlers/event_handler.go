package handlers

import (
	"log/slog"
	"net/http"

	"tickethub/internal/services"
	"tickethub/models"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"
)

type EventHandler struct {
	app             *pocketbase.PocketBase
	capacityService *services.CapacityService
}

func NewEventHandler(app *pocketbase.PocketBase, capacityService *services.CapacityService) *EventHandler {
	return &EventHandler{
		app:             app,
		capacityService: capacityService,
	}
}

// ListEvents - Published events, soonest first
func (h *EventHandler) ListEvents(e *core.RequestEvent) error {
	records, err := h.app.FindRecordsByFilter(
		"events",
		"status = 'published'",
		"starts_at",
		100,
		0,
	)
	if err != nil {
		return apis.NewInternalServerError("internal error", err)
	}

	events := make([]models.Event, 0, len(records))
	for _, r := range records {
		events = append(events, eventFromRecord(r))
	}

	return e.JSON(http.StatusOK, events)
}

// GetEvent - One event with per-tier price and live availability
func (h *EventHandler) GetEvent(e *core.RequestEvent) error {
	eventID := e.Request.PathValue("eventId")

	record, err := h.app.FindRecordById("events", eventID)
	if err != nil {
		return apis.NewNotFoundError("Event not found", nil)
	}

	tierRecords, err := h.app.FindRecordsByFilter(
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
	ctx := e.Request.Context()

	tiers := make([]map[string]any, 0, len(tierRecords))
	for _, tr := range tierRecords {
		tier := tierFromRecord(tr)
		available := tier.Quantity - tier.Sold

		// the mirror lags behind sales; the live pool wins while it exists
		if pool, err := h.capacityService.Pool(ctx, eventID, tier.ID); err == nil {
			tier.Sold = pool.Sold
			available = pool.Available()
		} else {
			slog.Warn("live pool unavailable, serving mirror counts", "event_id", eventID, "tier_id", tier.ID, "error", err)
		}

		tiers = append(tiers, map[string]any{
			"id":        tier.ID,
			"name":      tier.Name,
			"price":     tier.Price,
			"quantity":  tier.Quantity,
			"sold":      tier.Sold,
			"available": available,
		})
	}

	return e.JSON(http.StatusOK, map[string]any{
		"event": eventFromRecord(record),
		"tiers": tiers,
	})
}

func eventFromRecord(r *core.Record) models.Event {
	return models.Event{
		ID:          r.Id,
		Name:        r.GetString("name"),
		Description: r.GetString("description"),
		Venue:       r.GetString("venue"),
		StartsAt:    r.GetDateTime("starts_at").Time(),
		Status:      r.GetString("status"),
	}
}

func tierFromRecord(r *core.Record) models.Tier {
	return models.Tier{
		ID:       r.Id,
		EventID:  r.GetString("event"),
		Name:     r.GetString("name"),
		Price:    decimal.NewFromFloat(r.GetFloat("price")),
		Quantity: r.GetInt("quantity"),
		Sold:     r.GetInt("sold"),
	}
}
