package models

import "time"

// Reservation is the open half of a reserve-then-settle usage charge. The
// reserved credits are debited when the reservation is opened; settlement
// charges or refunds the difference to the actual cost.
type Reservation struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Reference       string            `json:"reference"`
	ReservedCredits int64             `json:"reserved_credits"`
	SettledCredits  int64             `json:"settled_credits"`
	Status          ReservationStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	SettledAt       *time.Time        `json:"settled_at,omitempty"`
}

type ReservationStatus string

const (
	ReservationOpen    ReservationStatus = "open"
	ReservationSettled ReservationStatus = "settled"
)
