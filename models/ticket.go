package models

import (
	"time"
)

type TicketStatus string

const (
	TicketIssued   TicketStatus = "issued"
	TicketVerified TicketStatus = "verified"
	TicketVoid     TicketStatus = "void"
)

type Ticket struct {
	ID         string       `json:"id"`
	EventID    string       `json:"event_id"`
	TierID     string       `json:"tier_id"`
	OwnerID    string       `json:"owner_id"`
	QRCode     string       `json:"qr_code"`
	BackupCode string       `json:"backup_code"`
	Status     TicketStatus `json:"status"`
	IssuedAt   time.Time    `json:"issued_at"`
	VerifiedAt *time.Time   `json:"verified_at,omitempty"`
	VerifiedBy string       `json:"verified_by,omitempty"`
}

// Verdict is the gate decision for one scan. All four values are successful
// protocol outcomes, not errors; a scanner acks its queued record on any of them.
type Verdict string

const (
	VerdictValid       Verdict = "valid"
	VerdictAlreadyUsed Verdict = "already_used"
	VerdictInvalid     Verdict = "invalid"
	VerdictNotFound    Verdict = "not_found"
)

type VerificationResult struct {
	Verdict    Verdict    `json:"verdict"`
	TicketID   string     `json:"ticket_id,omitempty"`
	OwnerID    string     `json:"owner_id,omitempty"`
	TierID     string     `json:"tier_id,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	VerifiedBy string     `json:"verified_by,omitempty"` // scanner that first admitted the ticket
}
