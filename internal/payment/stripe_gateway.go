package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

type StripeGateway struct {
	client *client.API
}

func NewStripeGateway(apiKey string) *StripeGateway {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeGateway{client: sc}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	pkg := req.Package
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(pkg.Currency),
					UnitAmount: stripe.Int64(pkg.UnitAmount()),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(pkg.Name),
						Description: stripe.String(fmt.Sprintf("%d interview credits", pkg.Credits)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.AddMetadata("user_id", req.UserID)
	params.AddMetadata("package_id", pkg.ID)
	params.Context = ctx

	sess, err := g.client.CheckoutSessions.New(params)
	if err != nil {
		slog.Error("failed to create checkout session", "user_id", req.UserID, "package_id", pkg.ID, "error", err)
		return nil, mapStripeError(err)
	}
	return toCheckoutSession(sess), nil
}

func (g *StripeGateway) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := g.client.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return toCheckoutSession(sess), nil
}

func toCheckoutSession(sess *stripe.CheckoutSession) *CheckoutSession {
	return &CheckoutSession{
		ID:     sess.ID,
		URL:    sess.URL,
		Status: SessionStatus(sess.Status),
		Paid: sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
			sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired,
	}
}

// mapStripeError keeps stripe-go error types out of the service layer.
func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrSessionMissing, stripeErr.Msg)
		}
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %s", ErrProviderDown, stripeErr.Msg)
		}
	}
	return fmt.Errorf("stripe request failed: %w", err)
}
