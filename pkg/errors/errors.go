package errors

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrAlreadyProcessed        = errors.New("purchase already processed")
	ErrPendingPurchaseNotFound = errors.New("pending purchase not found")
	ErrStorageFailure          = errors.New("ledger storage failure")

	ErrAccountNotFound        = errors.New("account not found")
	ErrInvalidAmount          = errors.New("invalid credit amount")
	ErrInvalidUserID          = errors.New("user id is required")
	ErrInvalidReference       = errors.New("external session reference is required")
	ErrNilTransaction         = errors.New("transaction is nil")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrPackageNotFound        = errors.New("credit package not found")
	ErrPackageInactive        = errors.New("credit package is not available")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrReservationClosed      = errors.New("reservation already settled")
	ErrInvalidSignature       = errors.New("invalid webhook signature")
	ErrPaymentProvider        = fmt.Errorf("payment provider error")
)

// InsufficientCreditsError carries the amounts needed to build the
// "need N credits" message. It matches ErrInsufficientCredits with errors.Is.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
