package scanqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tickethub/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPVerifier_Verify_Success(t *testing.T) {
	scannedAt := time.Date(2025, 6, 1, 18, 30, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/scans/verify", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "gate-a", r.Header.Get("X-Scanner-Id"))
		assert.Equal(t, "secret-key", r.Header.Get("X-Scanner-Key"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "TKT-QR-123", body["code"])
		assert.Equal(t, "2025-06-01T18:30:00Z", body["scanned_at"])
		assert.Equal(t, "d1", body["dedup_key"])

		json.NewEncoder(w).Encode(models.ScanAck{
			Verdict:  models.VerdictValid,
			TicketID: "tkt-1",
		})
	}))
	defer server.Close()

	verifier := NewHTTPVerifier(server.URL+"/", "gate-a", "secret-key")

	ack, err := verifier.Verify(context.Background(), models.ScanRequest{
		Code:      "TKT-QR-123",
		ScannedAt: scannedAt,
		DedupKey:  "d1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictValid, ack.Verdict)
	assert.Equal(t, "tkt-1", ack.TicketID)
}

func TestHTTPVerifier_Verify_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	verifier := NewHTTPVerifier(server.URL, "gate-a", "secret-key")

	ack, err := verifier.Verify(context.Background(), models.ScanRequest{Code: "TKT-QR-123"})
	assert.Nil(t, ack)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server replied 500")
}

func TestHTTPVerifier_Verify_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	verifier := NewHTTPVerifier(server.URL, "gate-a", "secret-key")

	_, err := verifier.Verify(context.Background(), models.ScanRequest{Code: "TKT-QR-123"})
	require.Error(t, err)
}
