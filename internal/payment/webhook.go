package payment

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	pkgerrors "github.com/surahj/ai-interviewer/pkg/errors"
)

type WebhookAction int

const (
	ActionIgnore WebhookAction = iota
	ActionConfirm
	ActionFail
)

func (a WebhookAction) String() string {
	switch a {
	case ActionConfirm:
		return "confirm"
	case ActionFail:
		return "fail"
	}
	return "ignore"
}

// NormalizedEvent is a verified provider event reduced to what the ledger
// needs to reconcile a purchase.
type NormalizedEvent struct {
	ID        string
	Type      string
	SessionID string
	UserID    string
	Action    WebhookAction
	Reason    string
}

type StripeWebhook struct {
	secret string
}

func NewStripeWebhook(secret string) *StripeWebhook {
	return &StripeWebhook{secret: secret}
}

// VerifyAndParse checks the Stripe-Signature header before decoding
// anything from the payload.
func (w *StripeWebhook) VerifyAndParse(payload []byte, signature string) (*NormalizedEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, w.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidSignature, err)
	}

	ev := &NormalizedEvent{ID: event.ID, Type: string(event.Type)}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed,
		stripe.EventTypeCheckoutSessionExpired:
	default:
		return ev, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	ev.SessionID = sess.ID
	ev.UserID = sess.ClientReferenceID

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		// delayed payment methods complete the session before funds arrive
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
			sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			ev.Action = ActionConfirm
		}
	case stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		ev.Action = ActionConfirm
	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		ev.Action = ActionFail
		ev.Reason = "payment failed"
	case stripe.EventTypeCheckoutSessionExpired:
		ev.Action = ActionFail
		ev.Reason = "checkout session expired"
	}
	return ev, nil
}
