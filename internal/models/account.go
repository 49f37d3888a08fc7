package models

import "time"

type Account struct {
	UserID             string    `json:"user_id"`
	AvailableCredits   int64     `json:"available_credits"`
	TotalCreditsEarned int64     `json:"total_credits_earned"`
	TotalCreditsUsed   int64     `json:"total_credits_used"`
	CreatedAt          time.Time `json:"created_at,omitempty"`
	UpdatedAt          time.Time `json:"updated_at,omitempty"`
}

// EmptyAccount is the implicit zero-balance account of a user who has
// never been granted credits.
func EmptyAccount(userID string) *Account {
	return &Account{UserID: userID}
}

// Consistent reports whether the materialized balance agrees with the
// lifetime counters.
func (a *Account) Consistent() bool {
	return a.AvailableCredits >= 0 && a.AvailableCredits == a.TotalCreditsEarned-a.TotalCreditsUsed
}
