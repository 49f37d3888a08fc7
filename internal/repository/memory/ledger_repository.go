// Package memory is an in-process ledger store used by tests and local runs
// without Postgres. A single mutex serializes mutations, which gives the same
// all-or-nothing behaviour as the Postgres transactions.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/surahj/ai-interviewer/internal/models"
	pkgerrors "github.com/surahj/ai-interviewer/pkg/errors"
)

type LedgerRepository struct {
	mu           sync.Mutex
	accounts     map[string]*models.Account
	transactions []*models.Transaction
	byRef        map[string]*models.Transaction
	reservations map[string]*models.Reservation
	checkedAt    map[string]time.Time
	now          func() time.Time
}

func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{
		accounts:     make(map[string]*models.Account),
		byRef:        make(map[string]*models.Transaction),
		reservations: make(map[string]*models.Reservation),
		checkedAt:    make(map[string]time.Time),
		now:          time.Now,
	}
}

func validate(tx *models.Transaction) error {
	if tx == nil {
		return pkgerrors.ErrNilTransaction
	}
	if tx.UserID == "" {
		return pkgerrors.ErrInvalidUserID
	}
	if !tx.Type.Valid() {
		return pkgerrors.ErrInvalidTransactionType
	}
	return nil
}

func copyAccount(a *models.Account) *models.Account {
	c := *a
	return &c
}

func copyTransaction(t *models.Transaction) *models.Transaction {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (r *LedgerRepository) account(userID string) *models.Account {
	a, ok := r.accounts[userID]
	if !ok {
		now := r.now()
		a = &models.Account{UserID: userID, CreatedAt: now, UpdatedAt: now}
		r.accounts[userID] = a
	}
	return a
}

// append stores tx. Callers hold mu.
func (r *LedgerRepository) append(tx *models.Transaction) error {
	if tx.ExternalRef != "" {
		if _, exists := r.byRef[tx.ExternalRef]; exists {
			return fmt.Errorf("%w: duplicate external reference %q", pkgerrors.ErrAlreadyProcessed, tx.ExternalRef)
		}
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.CreatedAt = r.now()
	stored := copyTransaction(tx)
	r.transactions = append(r.transactions, stored)
	if stored.ExternalRef != "" {
		r.byRef[stored.ExternalRef] = stored
	}
	return nil
}

// debit applies the conditional decrement. Callers hold mu and must not have
// created the account yet, so a failed debit leaves no trace.
func (r *LedgerRepository) debit(userID string, amount int64) (*models.Account, error) {
	var available int64
	if a, ok := r.accounts[userID]; ok {
		available = a.AvailableCredits
	}
	if available < amount {
		return nil, &pkgerrors.InsufficientCreditsError{Required: amount, Available: available}
	}
	a := r.account(userID)
	a.AvailableCredits -= amount
	a.TotalCreditsUsed += amount
	a.UpdatedAt = r.now()
	return a, nil
}

func (r *LedgerRepository) credit(userID string, amount int64) *models.Account {
	a := r.account(userID)
	a.AvailableCredits += amount
	a.TotalCreditsEarned += amount
	a.UpdatedAt = r.now()
	return a
}

func (r *LedgerRepository) GetAccount(_ context.Context, userID string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[userID]
	if !ok {
		return nil, pkgerrors.ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (r *LedgerRepository) GrantIfEmpty(_ context.Context, tx *models.Transaction) (*models.Account, bool, error) {
	if err := validate(tx); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.account(tx.UserID)
	if a.AvailableCredits != 0 {
		return copyAccount(a), false, nil
	}
	if err := r.append(tx); err != nil {
		return nil, false, err
	}
	return copyAccount(r.credit(tx.UserID, tx.Credits)), true, nil
}

func (r *LedgerRepository) Debit(_ context.Context, tx *models.Transaction, amount int64) (*models.Account, error) {
	if err := validate(tx); err != nil {
		return nil, err
	}
	if amount < 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.debit(tx.UserID, amount)
	if err != nil {
		return nil, err
	}
	tx.Type = models.TypeDebit
	tx.Credits = -amount
	if err := r.append(tx); err != nil {
		a.AvailableCredits += amount
		a.TotalCreditsUsed -= amount
		return nil, err
	}
	return copyAccount(a), nil
}

func (r *LedgerRepository) Grant(_ context.Context, tx *models.Transaction) (*models.Account, error) {
	if err := validate(tx); err != nil {
		return nil, err
	}
	if tx.Credits <= 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.append(tx); err != nil {
		return nil, err
	}
	return copyAccount(r.credit(tx.UserID, tx.Credits)), nil
}

func (r *LedgerRepository) CreatePendingPurchase(_ context.Context, tx *models.Transaction) error {
	if err := validate(tx); err != nil {
		return err
	}
	if tx.ExternalRef == "" {
		return pkgerrors.ErrInvalidReference
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx.Type = models.TypePurchasePending
	tx.Credits = 0
	return r.append(tx)
}

func (r *LedgerRepository) GetPurchaseByExternalRef(_ context.Context, externalRef string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.byRef[externalRef]
	if !ok {
		return nil, pkgerrors.ErrPendingPurchaseNotFound
	}
	return copyTransaction(tx), nil
}

// pending returns the pending row for externalRef. Callers hold mu.
func (r *LedgerRepository) pending(externalRef string) (*models.Transaction, error) {
	if externalRef == "" {
		return nil, pkgerrors.ErrInvalidReference
	}
	tx, ok := r.byRef[externalRef]
	if !ok {
		return nil, pkgerrors.ErrPendingPurchaseNotFound
	}
	if tx.Type != models.TypePurchasePending {
		return nil, fmt.Errorf("%w: purchase is %s", pkgerrors.ErrAlreadyProcessed, tx.Type)
	}
	return tx, nil
}

func (r *LedgerRepository) CompletePurchase(_ context.Context, externalRef string, credits int64) (*models.Transaction, *models.Account, error) {
	if credits <= 0 {
		return nil, nil, pkgerrors.ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.pending(externalRef)
	if err != nil {
		return nil, nil, err
	}
	tx.Type = models.TypePurchase
	tx.Credits = credits
	a := r.credit(tx.UserID, credits)
	return copyTransaction(tx), copyAccount(a), nil
}

func (r *LedgerRepository) FailPurchase(_ context.Context, externalRef, reason string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.pending(externalRef)
	if err != nil {
		return nil, err
	}
	tx.Type = models.TypePurchaseFailed
	tx.Description = fmt.Sprintf("%s (failed: %s)", tx.Description, reason)
	if tx.Metadata == nil {
		tx.Metadata = make(map[string]string)
	}
	tx.Metadata[models.MetaReason] = reason
	return copyTransaction(tx), nil
}

func (r *LedgerRepository) ListPendingPurchases(_ context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Transaction
	for _, tx := range r.transactions {
		if tx.Type == models.TypePurchasePending && tx.CreatedAt.Before(olderThan) {
			out = append(out, *copyTransaction(tx))
		}
	}
	// transactions are in insertion order, so a stable sort keeps created_at
	// order among rows with the same check time
	sort.SliceStable(out, func(i, j int) bool {
		ci, iok := r.checkedAt[out[i].ExternalRef]
		cj, jok := r.checkedAt[out[j].ExternalRef]
		if iok != jok {
			return !iok
		}
		return ci.Before(cj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *LedgerRepository) MarkPurchaseChecked(_ context.Context, externalRef string, at time.Time) error {
	if externalRef == "" {
		return pkgerrors.ErrInvalidReference
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if tx, ok := r.byRef[externalRef]; ok && tx.Type == models.TypePurchasePending {
		r.checkedAt[externalRef] = at
	}
	return nil
}

func (r *LedgerRepository) ListTransactions(_ context.Context, userID string, limit int) ([]models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Transaction
	for i := len(r.transactions) - 1; i >= 0; i-- {
		if tx := r.transactions[i]; tx.UserID == userID {
			out = append(out, *copyTransaction(tx))
		}
	}
	// insertion order breaks ties between equal timestamps
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *LedgerRepository) LedgerSum(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sum int64
	for _, tx := range r.transactions {
		if tx.UserID == userID && tx.Type.AffectsBalance() {
			sum += tx.Credits
		}
	}
	return sum, nil
}

func (r *LedgerRepository) OpenReservation(_ context.Context, res *models.Reservation, tx *models.Transaction) (*models.Account, error) {
	if res == nil {
		return nil, pkgerrors.ErrNilTransaction
	}
	if err := validate(tx); err != nil {
		return nil, err
	}
	if res.ReservedCredits < 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.debit(res.UserID, res.ReservedCredits)
	if err != nil {
		return nil, err
	}
	tx.Type = models.TypeDebit
	tx.Credits = -res.ReservedCredits
	if err := r.append(tx); err != nil {
		a.AvailableCredits += res.ReservedCredits
		a.TotalCreditsUsed -= res.ReservedCredits
		return nil, err
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	res.Status = models.ReservationOpen
	res.CreatedAt = r.now()
	stored := *res
	r.reservations[res.ID] = &stored
	return copyAccount(a), nil
}

func (r *LedgerRepository) GetReservation(_ context.Context, id string) (*models.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	if !ok {
		return nil, pkgerrors.ErrReservationNotFound
	}
	c := *res
	return &c, nil
}

func (r *LedgerRepository) SettleReservation(_ context.Context, id string, actual int64, adjustment *models.Transaction) (*models.Reservation, *models.Account, error) {
	if actual < 0 {
		return nil, nil, pkgerrors.ErrInvalidAmount
	}
	if adjustment != nil {
		if err := validate(adjustment); err != nil {
			return nil, nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[id]
	if !ok {
		return nil, nil, pkgerrors.ErrReservationNotFound
	}
	if res.Status != models.ReservationOpen {
		return nil, nil, pkgerrors.ErrReservationClosed
	}

	var a *models.Account
	switch {
	case adjustment == nil:
		a = r.account(res.UserID)
	case adjustment.Type == models.TypeDebit:
		var err error
		if a, err = r.debit(res.UserID, -adjustment.Credits); err != nil {
			return nil, nil, err
		}
	default:
		a = r.credit(res.UserID, adjustment.Credits)
	}
	if adjustment != nil {
		if err := r.append(adjustment); err != nil {
			return nil, nil, err
		}
	}

	now := r.now()
	res.Status = models.ReservationSettled
	res.SettledCredits = actual
	res.SettledAt = &now
	c := *res
	return &c, copyAccount(a), nil
}
