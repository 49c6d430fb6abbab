package scanqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tickethub/models"
)

// HTTPVerifier delivers scans to the hub's verification endpoint using the
// device's scanner credentials.
type HTTPVerifier struct {
	baseURL   string
	deviceID  string
	deviceKey string
	client    *http.Client
}

func NewHTTPVerifier(baseURL, deviceID, deviceKey string) *HTTPVerifier {
	return &HTTPVerifier{
		baseURL:   strings.TrimRight(baseURL, "/"),
		deviceID:  deviceID,
		deviceKey: deviceKey,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, req models.ScanRequest) (*models.ScanAck, error) {
	body, err := json.Marshal(map[string]any{
		"code":       req.Code,
		"scanned_at": req.ScannedAt.UTC().Format(time.RFC3339),
		"dedup_key":  req.DedupKey,
	})
	if err != nil {
		return nil, fmt.Errorf("verify scan: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/api/v1/scans/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("verify scan: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Scanner-Id", v.deviceID)
	httpReq.Header.Set("X-Scanner-Key", v.deviceKey)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("verify scan: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verify scan: server replied %d", resp.StatusCode)
	}

	var ack models.ScanAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("verify scan: decode ack: %w", err)
	}
	return &ack, nil
}
