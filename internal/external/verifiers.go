package external

import (
	"snapsage/internal/types"

	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeVerifier validates Stripe webhook signatures using stripe-go's
// webhook package: HMAC-SHA256 over the payload with timestamp tolerance
// against replay.
type StripeVerifier struct {
	secret types.SecretString
}

// NewStripeVerifier creates a verifier bound to the endpoint's signing secret.
func NewStripeVerifier(secret types.SecretString) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

// Verify checks the Stripe-Signature header against the raw payload. A nil
// return means the event genuinely came from Stripe.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) error {
	if err := webhook.ValidatePayload(payload, signatureHeader, v.secret.Unmask()); err != nil {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "webhook signature verification failed", err)
	}
	return nil
}
