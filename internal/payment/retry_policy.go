package payment

import (
	"errors"
	"net"
	"syscall"

	"github.com/stripe/stripe-go/v79"
)

// IsRetryable reports whether a provider call failed for a reason a later
// attempt could fix.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProviderDown) {
		return true
	}
	return isRetryableStripeError(err) || isRetryableNetworkError(err)
}

func isRetryableStripeError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	if stripeErr.HTTPStatusCode >= 500 && stripeErr.HTTPStatusCode < 600 {
		return true
	}
	switch stripeErr.Code {
	case stripe.ErrorCodeRateLimit, stripe.ErrorCodeLockTimeout:
		return true
	}
	return false
}

func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
