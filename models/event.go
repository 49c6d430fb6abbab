package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Event struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Venue       string    `json:"venue"`
	StartsAt    time.Time `json:"starts_at"`
	Status      string    `json:"status"` // draft, published, ended
}

type Tier struct {
	ID       string          `json:"id"`
	EventID  string          `json:"event_id"`
	Name     string          `json:"name"` // regular, vip, table
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Sold     int             `json:"sold"`
}
