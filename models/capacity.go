package models

import (
	"time"
)

// CapacityPool is the authoritative seat counter for one (event, tier) pair.
// Invariant: Sold + Reserved <= Capacity.
type CapacityPool struct {
	EventID  string `json:"event_id"`
	TierID   string `json:"tier_id"`
	Capacity int    `json:"capacity"`
	Sold     int    `json:"sold"`
	Reserved int    `json:"reserved"`
}

func (p CapacityPool) Available() int {
	return p.Capacity - p.Sold - p.Reserved
}

// Reservation is a short-lived hold on pool capacity. Remaining counts the
// units not yet turned into tickets.
type Reservation struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	TierID    string    `json:"tier_id"`
	Quantity  int       `json:"quantity"`
	Remaining int       `json:"remaining"`
	CreatedAt time.Time `json:"created_at"`
}
