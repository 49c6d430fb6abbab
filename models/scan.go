package models

import (
	"time"
)

// ScanRequest is one gate scan submitted to the verification endpoint,
// either live or replayed from a device's offline queue.
type ScanRequest struct {
	Code      string    `json:"code"` // QR payload or 6-digit backup code
	ScannerID string    `json:"scanner_id"`
	ScannedAt time.Time `json:"scanned_at"`
	DedupKey  string    `json:"dedup_key"`
}

// ScanAck is the server's answer. Any verdict acknowledges the scan; only a
// transport failure leaves a queued record pending.
type ScanAck struct {
	Verdict    Verdict    `json:"verdict"`
	TicketID   string     `json:"ticket_id,omitempty"`
	OwnerID    string     `json:"owner_id,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	VerifiedBy string     `json:"verified_by,omitempty"`
}

type ScanSyncStatus string

const (
	ScanPending   ScanSyncStatus = "pending"
	ScanEscalated ScanSyncStatus = "escalated"
)

// ScanRecord is a row in a scanner device's local queue. Rows are deleted
// only after the server acknowledged the scan.
type ScanRecord struct {
	ID        int64          `db:"id" json:"id"`
	TicketRef string         `db:"ticket_ref" json:"ticket_ref"`
	ScannerID string         `db:"scanner_id" json:"scanner_id"`
	ScannedAt string         `db:"scanned_at" json:"scanned_at"` // RFC 3339
	DedupKey  string         `db:"dedup_key" json:"dedup_key"`
	Attempts  int            `db:"attempts" json:"attempts"`
	LastError string         `db:"last_error" json:"last_error"`
	Status    ScanSyncStatus `db:"status" json:"status"`
}

// ScanHistory is the server-side audit row appended on every gate decision.
type ScanHistory struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticket_id"`
	ScannerID string    `json:"scanner_id"`
	Outcome   Verdict   `json:"outcome"`
	ScannedAt time.Time `json:"scanned_at"`
	DedupKey  string    `json:"dedup_key"`
}
