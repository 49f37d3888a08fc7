package payment

import (
	"context"
	"errors"

	"github.com/surahj/ai-interviewer/internal/models"
)

//go:generate mockgen -destination=mocks/mock_gateway.go -package=mocks . CheckoutGateway

var (
	ErrProviderDown   = errors.New("payment provider is currently unavailable")
	ErrSessionMissing = errors.New("checkout session not found at provider")
)

type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionComplete SessionStatus = "complete"
	SessionExpired  SessionStatus = "expired"
)

// CheckoutRequest is a one-off hosted checkout for a single credit package.
type CheckoutRequest struct {
	UserID     string
	Package    models.CreditPackage
	SuccessURL string
	CancelURL  string
}

type CheckoutSession struct {
	ID     string
	URL    string
	Status SessionStatus
	// Paid is true once the provider captured the payment. A complete
	// session can still be unpaid for delayed payment methods.
	Paid bool
}

// CheckoutGateway is the hosted payment page provider.
type CheckoutGateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
}
