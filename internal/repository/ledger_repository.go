package repository

import (
	"context"
	"time"

	"github.com/surahj/ai-interviewer/internal/models"
)

// LedgerRepository is the ledger store. Every method that mutates a balance
// applies the balance change and its transaction entry as one atomic unit
// and guards it with a conditional update, never a read-then-write.
type LedgerRepository interface {
	// GetAccount returns pkgerrors.ErrAccountNotFound for users without a row.
	GetAccount(ctx context.Context, userID string) (*models.Account, error)

	// GrantIfEmpty creates the account if needed and grants credits only when
	// available_credits is zero. granted is false when the account already
	// had credits.
	GrantIfEmpty(ctx context.Context, tx *models.Transaction) (account *models.Account, granted bool, err error)

	// Debit decrements the balance if available_credits >= amount and records
	// a debit entry. Returns *pkgerrors.InsufficientCreditsError otherwise.
	Debit(ctx context.Context, tx *models.Transaction, amount int64) (*models.Account, error)

	// Grant unconditionally credits the account, creating it if needed.
	Grant(ctx context.Context, tx *models.Transaction) (*models.Account, error)

	CreatePendingPurchase(ctx context.Context, tx *models.Transaction) error
	GetPurchaseByExternalRef(ctx context.Context, externalRef string) (*models.Transaction, error)

	// CompletePurchase rewrites the purchase_pending row for externalRef to
	// purchase with the given credits and credits the account. Returns
	// ErrAlreadyProcessed when the row is no longer pending and
	// ErrPendingPurchaseNotFound when there is no such row.
	CompletePurchase(ctx context.Context, externalRef string, credits int64) (*models.Transaction, *models.Account, error)

	// FailPurchase rewrites the pending row to purchase_failed.
	FailPurchase(ctx context.Context, externalRef, reason string) (*models.Transaction, error)

	// ListPendingPurchases returns pending purchases created before olderThan,
	// never-checked rows first and then the least recently checked.
	ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error)

	// MarkPurchaseChecked stamps a still-pending purchase as checked at the
	// given time so the next sweep reaches rows behind it. It is a no-op when
	// the row is no longer pending.
	MarkPurchaseChecked(ctx context.Context, externalRef string, at time.Time) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error)

	// LedgerSum is the sum of balance-affecting credits for a user.
	LedgerSum(ctx context.Context, userID string) (int64, error)

	// OpenReservation debits the reserved credits and stores the reservation.
	OpenReservation(ctx context.Context, r *models.Reservation, tx *models.Transaction) (*models.Account, error)
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)

	// SettleReservation closes an open reservation with the actual cost,
	// debiting or refunding the difference through adjustment. adjustment
	// is nil when the actual cost equals the reserved credits.
	SettleReservation(ctx context.Context, id string, actual int64, adjustment *models.Transaction) (*models.Reservation, *models.Account, error)
}
