package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tickethub/config"
	"tickethub/internal/services"
	"tickethub/internal/status"
	"tickethub/models"
	"tickethub/monitoring"
	"tickethub/security"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"
)

type WebhookHandler struct {
	app             *pocketbase.PocketBase
	groupBuyService *services.GroupBuyService
	config          *config.Config
	monitor         *monitoring.Monitor
}

func NewWebhookHandler(app *pocketbase.PocketBase, groupBuyService *services.GroupBuyService, cfg *config.Config, monitor *monitoring.Monitor) *WebhookHandler {
	return &WebhookHandler{
		app:             app,
		groupBuyService: groupBuyService,
		config:          cfg,
		monitor:         monitor,
	}
}

type gatewayNotification struct {
	LinkID    string          `json:"link_id"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

const (
	webhookRetryAttempts = 5
	webhookRetryDelay    = 2 * time.Second
)

// HandleWebhook - Payment gateway callback. The gateway retries until it sees
// a 200, so anything past the signature check acks immediately and settles in
// the background.
func (h *WebhookHandler) HandleWebhook(e *core.RequestEvent) error {
	body, err := io.ReadAll(e.Request.Body)
	if err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	e.Request.Body = io.NopCloser(bytes.NewReader(body))

	signature := e.Request.Header.Get("X-Signature")
	if !security.VerifySignature(body, []byte(h.config.WebhookSecret), signature) {
		h.monitor.TrackWebhook("bad_signature")
		return apis.NewUnauthorizedError("Invalid signature", nil)
	}

	var req gatewayNotification
	if err := e.BindBody(&req); err != nil || req.LinkID == "" {
		h.monitor.TrackWebhook("malformed")
		slog.Warn("malformed payment webhook", "error", err)
		return e.JSON(http.StatusOK, map[string]any{"status": "success"})
	}

	kind, ok := normalizeOutcome(req.Status)
	if !ok {
		h.monitor.TrackWebhook("ignored")
		slog.Info("ignoring webhook status", "link_id", req.LinkID, "status", req.Status)
		return e.JSON(http.StatusOK, map[string]any{"status": "success"})
	}

	go h.process(models.PaymentOutcome{
		LinkID:    req.LinkID,
		Kind:      kind,
		Amount:    req.Amount,
		Reference: req.Reference,
	})

	return e.JSON(http.StatusOK, map[string]any{"status": "success"})
}

// process settles an outcome after the 200 is already on the wire. Errors
// are retried with backoff; only exhaustion reaches the error log.
// Settlement is idempotent per link.
func (h *WebhookHandler) process(outcome models.PaymentOutcome) {
	delay := webhookRetryDelay
	for attempt := 1; ; attempt++ {
		progress, err := h.groupBuyService.HandlePaymentOutcome(context.Background(), outcome)
		if err == nil {
			switch {
			case progress.Duplicate:
				h.monitor.TrackWebhook("duplicate")
			case progress.RefundDue:
				h.monitor.TrackWebhook("refund_flagged")
			default:
				h.monitor.TrackWebhook("processed")
			}
			return
		}

		if attempt >= webhookRetryAttempts {
			h.monitor.TrackWebhook("error")
			slog.Error("abandoning webhook settlement", "link_id", outcome.LinkID, "reference", outcome.Reference, "attempts", attempt, "error", err)
			return
		}

		slog.Warn("retrying webhook settlement", "link_id", outcome.LinkID, "attempt", attempt, "error", err)
		time.Sleep(delay)
		delay *= 2
	}
}

// normalizeOutcome maps each gateway's status vocabulary onto the two
// outcomes the coordinator understands. Anything unrecognized is ignored.
func normalizeOutcome(raw string) (models.OutcomeKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "fnld", "paid":
		return models.OutcomePaid, true
	case "failed", "declined", "cancelled":
		return models.OutcomeFailed, true
	default:
		return "", false
	}
}

// SimulateWebhook - Settle a link without a gateway. Development only; the
// route is not registered in production.
func (h *WebhookHandler) SimulateWebhook(e *core.RequestEvent) error {
	var req gatewayNotification
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	kind, ok := normalizeOutcome(req.Status)
	if !ok {
		return apis.NewBadRequestError("Unknown status", nil)
	}

	ctx := e.Request.Context()
	progress, err := h.groupBuyService.HandlePaymentOutcome(ctx, models.PaymentOutcome{
		LinkID:    req.LinkID,
		Kind:      kind,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		if errors.Is(err, status.ErrLinkNotFound) {
			return apis.NewNotFoundError("Payment link not found", nil)
		}
		slog.Error("h.groupBuyService.HandlePaymentOutcome()", "link_id", req.LinkID, "error", err)
		return apis.NewInternalServerError("internal error", err)
	}

	return e.JSON(http.StatusOK, progress)
}
