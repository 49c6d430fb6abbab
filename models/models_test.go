package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityPool_Available(t *testing.T) {
	tests := []struct {
		name     string
		pool     CapacityPool
		expected int
	}{
		{"empty pool", CapacityPool{Capacity: 100}, 100},
		{"partially sold", CapacityPool{Capacity: 100, Sold: 30, Reserved: 20}, 50},
		{"fully committed", CapacityPool{Capacity: 100, Sold: 60, Reserved: 40}, 0},
		{"zero capacity", CapacityPool{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.pool.Available())
		})
	}
}

func TestGroupSizeBounds(t *testing.T) {
	assert.Equal(t, 2, MinGroupSize)
	assert.Equal(t, 5000, MaxGroupSize)
}

func TestVerificationResult_OmitsEmptyFields(t *testing.T) {
	// unknown codes leak nothing about tickets that do exist
	data, err := json.Marshal(VerificationResult{Verdict: VerdictNotFound})
	require.NoError(t, err)
	assert.JSONEq(t, `{"verdict":"not_found"}`, string(data))
}

func TestVerificationResult_CarriesFirstAdmission(t *testing.T) {
	verifiedAt := time.Date(2025, 6, 1, 19, 0, 0, 0, time.UTC)

	data, err := json.Marshal(VerificationResult{
		Verdict:    VerdictAlreadyUsed,
		TicketID:   "tkt-1",
		VerifiedAt: &verifiedAt,
		VerifiedBy: "gate-a",
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "already_used", decoded["verdict"])
	assert.Equal(t, "gate-a", decoded["verified_by"])
	assert.Equal(t, "2025-06-01T19:00:00Z", decoded["verified_at"])
}

func TestGroupBuyProgress_InternalFlagsStayInternal(t *testing.T) {
	data, err := json.Marshal(GroupBuyProgress{
		SessionID:    "gb-1",
		Status:       GroupBuyCompleted,
		CompletedNow: true,
		ExpiredNow:   true,
		RefundDue:    true,
		Duplicate:    true,
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"CompletedNow", "ExpiredNow", "RefundDue", "Duplicate"} {
		assert.NotContains(t, decoded, key)
	}
}

func TestTicket_UnverifiedOmitsScanFields(t *testing.T) {
	data, err := json.Marshal(Ticket{
		ID:      "tkt-1",
		EventID: "evt-1",
		Status:  TicketIssued,
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "verified_at")
	assert.NotContains(t, decoded, "verified_by")
}
