package models

import "time"

type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Type        TransactionType   `json:"type"`
	Credits     int64             `json:"credits"`
	Description string            `json:"description"`
	Reference   string            `json:"reference,omitempty"`
	ExternalRef string            `json:"external_ref,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type TransactionType string

const (
	TypeGrant           TransactionType = "grant"
	TypePurchasePending TransactionType = "purchase_pending"
	TypePurchase        TransactionType = "purchase"
	TypePurchaseFailed  TransactionType = "purchase_failed"
	TypeDebit           TransactionType = "debit"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TypeGrant, TypePurchasePending, TypePurchase, TypePurchaseFailed, TypeDebit:
		return true
	}
	return false
}

// AffectsBalance reports whether entries of this type carry credits that
// are part of the account balance.
func (t TransactionType) AffectsBalance() bool {
	return t == TypeGrant || t == TypePurchase || t == TypeDebit
}

// Metadata keys stored on purchase transactions.
const (
	MetaPackageID = "package_id"
	MetaCredits   = "credits"
	MetaSessionID = "session_id"
	MetaReason    = "failure_reason"
)
