package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surahj/ai-interviewer/internal/models"
	pkgerrors "github.com/surahj/ai-interviewer/pkg/errors"
)

func TestLedgerRepository_FailedDebitLeavesNoAccount(t *testing.T) {
	repo := NewLedgerRepository()
	ctx := context.Background()

	_, err := repo.Debit(ctx, &models.Transaction{UserID: "user-1", Type: models.TypeDebit}, 5)
	assert.ErrorIs(t, err, pkgerrors.ErrInsufficientCredits)

	_, err = repo.GetAccount(ctx, "user-1")
	assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
	txs, err := repo.ListTransactions(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestLedgerRepository_PurchaseLifecycle(t *testing.T) {
	repo := NewLedgerRepository()
	ctx := context.Background()

	pending := &models.Transaction{UserID: "user-1", Type: models.TypePurchasePending, ExternalRef: "cs_1", Description: "Credit purchase"}
	require.NoError(t, repo.CreatePendingPurchase(ctx, pending))

	dup := &models.Transaction{UserID: "user-1", Type: models.TypePurchasePending, ExternalRef: "cs_1"}
	assert.ErrorIs(t, repo.CreatePendingPurchase(ctx, dup), pkgerrors.ErrAlreadyProcessed)

	tx, account, err := repo.CompletePurchase(ctx, "cs_1", 100)
	require.NoError(t, err)
	assert.Equal(t, models.TypePurchase, tx.Type)
	assert.Equal(t, int64(100), account.AvailableCredits)

	_, _, err = repo.CompletePurchase(ctx, "cs_1", 100)
	assert.ErrorIs(t, err, pkgerrors.ErrAlreadyProcessed)
	_, err = repo.FailPurchase(ctx, "cs_1", "expired")
	assert.ErrorIs(t, err, pkgerrors.ErrAlreadyProcessed)
	_, err = repo.FailPurchase(ctx, "cs_missing", "expired")
	assert.ErrorIs(t, err, pkgerrors.ErrPendingPurchaseNotFound)

	sum, err := repo.LedgerSum(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum)
}

func TestLedgerRepository_ListPendingPurchases(t *testing.T) {
	repo := NewLedgerRepository()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	repo.now = func() time.Time { return clock }

	require.NoError(t, repo.CreatePendingPurchase(ctx, &models.Transaction{UserID: "u", Type: models.TypePurchasePending, ExternalRef: "cs_old"}))
	clock = base.Add(time.Hour)
	require.NoError(t, repo.CreatePendingPurchase(ctx, &models.Transaction{UserID: "u", Type: models.TypePurchasePending, ExternalRef: "cs_new"}))

	stale, err := repo.ListPendingPurchases(ctx, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "cs_old", stale[0].ExternalRef)
}

func TestLedgerRepository_ListPendingPurchasesLeastRecentlyChecked(t *testing.T) {
	repo := NewLedgerRepository()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, ref := range []string{"cs_a", "cs_b", "cs_c"} {
		clock := base.Add(time.Duration(i) * time.Minute)
		repo.now = func() time.Time { return clock }
		require.NoError(t, repo.CreatePendingPurchase(ctx, &models.Transaction{UserID: "u", Type: models.TypePurchasePending, ExternalRef: ref}))
	}
	cutoff := base.Add(time.Hour)

	require.NoError(t, repo.MarkPurchaseChecked(ctx, "cs_a", base.Add(2*time.Hour)))
	require.NoError(t, repo.MarkPurchaseChecked(ctx, "cs_b", base.Add(90*time.Minute)))

	stale, err := repo.ListPendingPurchases(ctx, cutoff, 10)
	require.NoError(t, err)
	refs := make([]string, 0, len(stale))
	for _, tx := range stale {
		refs = append(refs, tx.ExternalRef)
	}
	assert.Equal(t, []string{"cs_c", "cs_b", "cs_a"}, refs)

	stale, err = repo.ListPendingPurchases(ctx, cutoff, 1)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "cs_c", stale[0].ExternalRef)

	_, err = repo.FailPurchase(ctx, "cs_c", "expired")
	require.NoError(t, err)
	require.NoError(t, repo.MarkPurchaseChecked(ctx, "cs_c", base.Add(3*time.Hour)))
	stale, err = repo.ListPendingPurchases(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	assert.ErrorIs(t, repo.MarkPurchaseChecked(ctx, "", base), pkgerrors.ErrInvalidReference)
}

func TestLedgerRepository_ReservationSettledOnce(t *testing.T) {
	repo := NewLedgerRepository()
	ctx := context.Background()

	_, err := repo.Grant(ctx, &models.Transaction{UserID: "user-1", Type: models.TypeGrant, Credits: 20})
	require.NoError(t, err)

	res := &models.Reservation{UserID: "user-1", ReservedCredits: 10}
	account, err := repo.OpenReservation(ctx, res, &models.Transaction{UserID: "user-1", Type: models.TypeDebit})
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.AvailableCredits)
	require.NotEmpty(t, res.ID)

	_, account, err = repo.SettleReservation(ctx, res.ID, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.AvailableCredits)

	_, _, err = repo.SettleReservation(ctx, res.ID, 10, nil)
	assert.ErrorIs(t, err, pkgerrors.ErrReservationClosed)
	_, _, err = repo.SettleReservation(ctx, "missing", 10, nil)
	assert.ErrorIs(t, err, pkgerrors.ErrReservationNotFound)
}
