package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"tickethub/internal/services"
	"tickethub/security"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type ScanHandler struct {
	app           *pocketbase.PocketBase
	verifyService *services.VerifyService
}

func NewScanHandler(app *pocketbase.PocketBase, verifyService *services.VerifyService) *ScanHandler {
	return &ScanHandler{
		app:           app,
		verifyService: verifyService,
	}
}

// Verify - Decide one gate scan. Every decision is a 200 with a verdict;
// an unknown code is verdict "not_found", not an HTTP error, so scanner
// devices can ack and dequeue on any reply.
func (h *ScanHandler) Verify(e *core.RequestEvent) error {
	scannerID, _ := e.Get(security.ScannerIDKey).(string)
	eventID, _ := e.Get(security.ScannerEventKey).(string)
	if scannerID == "" {
		return apis.NewUnauthorizedError("Scanner authentication required", nil)
	}

	var req struct {
		Code      string `json:"code"`
		ScannedAt string `json:"scanned_at"`
		DedupKey  string `json:"dedup_key"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.Code == "" {
		return apis.NewBadRequestError("code is required", nil)
	}

	// offline replays carry the device-side scan time
	scannedAt := time.Now()
	if req.ScannedAt != "" {
		if at, err := time.Parse(time.RFC3339, req.ScannedAt); err == nil {
			scannedAt = at
		}
	}

	ctx := e.Request.Context()
	result, err := h.verifyService.Verify(ctx, services.VerifyParams{
		EventID:   eventID,
		Code:      req.Code,
		ScannerID: scannerID,
		ScannedAt: scannedAt,
		DedupKey:  req.DedupKey,
	})
	if err != nil {
		slog.Error("h.verifyService.Verify()", "scanner_id", scannerID, "error", err)
		return apis.NewInternalServerError("internal error", err)
	}

	return e.JSON(http.StatusOK, result)
}
