package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type GroupBuyStatus string

const (
	GroupBuyActive    GroupBuyStatus = "active"
	GroupBuyCompleted GroupBuyStatus = "completed"
	GroupBuyExpired   GroupBuyStatus = "expired"
)

type ParticipantStatus string

const (
	ParticipantPending ParticipantStatus = "pending"
	ParticipantPaid    ParticipantStatus = "paid"
	ParticipantFailed  ParticipantStatus = "failed"
)

const (
	MinGroupSize = 2
	MaxGroupSize = 5000
)

type GroupBuySession struct {
	ID                 string          `json:"id"`
	EventID            string          `json:"event_id"`
	TierID             string          `json:"tier_id"`
	OrganizerID        string          `json:"organizer_id"`
	OrganizerPhone     string          `json:"organizer_phone"`
	PricePerPerson     decimal.Decimal `json:"price_per_person"`
	TargetParticipants int             `json:"target_participants"`
	PaidCount          int             `json:"paid_count"`
	FailedCount        int             `json:"failed_count"`
	Status             GroupBuyStatus  `json:"status"`
	ReservationID      string          `json:"reservation_id"`
	CreatedAt          time.Time       `json:"created_at"`
	ExpiresAt          time.Time       `json:"expires_at"`
}

type GroupBuyParticipant struct {
	LinkID    string            `json:"link_id"`
	SessionID string            `json:"session_id"`
	Status    ParticipantStatus `json:"status"`
	Amount    decimal.Decimal   `json:"amount"`
	Reference string            `json:"reference,omitempty"`
	PaidAt    *time.Time        `json:"paid_at,omitempty"`
}

type OutcomeKind string

const (
	OutcomePaid   OutcomeKind = "paid"
	OutcomeFailed OutcomeKind = "failed"
)

// PaymentOutcome is a gateway webhook normalized at the HTTP boundary.
// Gateways disagree on status vocabulary; services only ever see Kind.
type PaymentOutcome struct {
	LinkID    string          `json:"link_id"`
	Kind      OutcomeKind     `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type GroupBuyProgress struct {
	SessionID   string         `json:"session_id"`
	Status      GroupBuyStatus `json:"status"`
	PaidCount   int            `json:"paid_count"`
	FailedCount int            `json:"failed_count"`
	Target      int            `json:"target"`
	ExpiresAt   time.Time      `json:"expires_at"`
	// CompletedNow is set on the one webhook delivery that tipped the session
	// over its target; the caller owning it runs the ticket fan-out.
	CompletedNow bool `json:"-"`
	// ExpiredNow is set when this call observed the deadline first.
	ExpiredNow bool `json:"-"`
	// RefundDue is set when a paid outcome landed after the session left
	// the active state.
	RefundDue bool `json:"-"`
	// Duplicate is set when the link had already reached a terminal status.
	Duplicate bool `json:"-"`
}

// Refund marks money owed back to a participant. An external executor reads
// these rows; this system never moves money itself.
type Refund struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	LinkID    string          `json:"link_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	Reason    string          `json:"reason"`
	Status    string          `json:"status"` // pending, processed
	CreatedAt time.Time       `json:"created_at"`
}
