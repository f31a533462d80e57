// Package payment talks to the payment provider: it verifies checkout
// sessions, resolves the canonical payment reference and creates checkout
// sessions for new purchases.
package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"

	tkerrors "github.com/rcourtman/timekeeper/internal/errors"
	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
)

// CodeVerificationFailed is returned when the provider call itself fails.
const CodeVerificationFailed = "verification_error"

// SessionGetter retrieves a checkout session by id.
type SessionGetter func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)

// Verification is the provider's view of a checkout session. Paid=false is
// an expected outcome, not an error.
type Verification struct {
	SessionID     string
	PaymentIntent string
	PaymentRef    string
	PaymentStatus string
	Paid          bool
	Metadata      map[string]string
}

// Verifier asks the provider whether a checkout session has been paid.
type Verifier struct {
	getSession SessionGetter
}

// NewVerifier returns a Verifier using its own API client for apiKey.
func NewVerifier(apiKey string) *Verifier {
	client := &stripesession.Client{
		B:   stripe.GetBackend(stripe.APIBackend),
		Key: strings.TrimSpace(apiKey),
	}
	return NewVerifierWithGetter(client.Get)
}

// NewVerifierWithGetter returns a Verifier backed by get.
func NewVerifierWithGetter(get SessionGetter) *Verifier {
	return &Verifier{getSession: get}
}

// Verify retrieves the session named by token with its payment intent
// expanded. It makes exactly one provider call and never retries.
func (v *Verifier) Verify(ctx context.Context, token string) (Verification, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")

	session, err := v.getSession(token, params)
	if err != nil {
		return Verification{}, providerError(err)
	}
	if session == nil {
		return Verification{}, tkerrors.Verification(CodeVerificationFailed, "Payment provider returned no session", nil)
	}

	var intentID string
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}
	sessionID := session.ID
	if sessionID == "" {
		sessionID = token
	}

	return Verification{
		SessionID:     sessionID,
		PaymentIntent: intentID,
		PaymentRef:    SettlementRef(sessionID, intentID),
		PaymentStatus: string(session.PaymentStatus),
		Paid:          session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Metadata:      session.Metadata,
	}, nil
}

// SettlementRef returns the de-duplication key for a payment: the payment
// intent id when there is one, otherwise the checkout session id. The confirm
// path and the webhook path both go through this function.
func SettlementRef(sessionID, paymentIntentID string) string {
	if id := strings.TrimSpace(paymentIntentID); id != "" {
		return id
	}
	return strings.TrimSpace(sessionID)
}

// providerError keeps the provider's status and error code when present.
func providerError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		msg := "Payment verification failed"
		if se.Msg != "" {
			msg += ": " + se.Msg
		}
		e := tkerrors.Verification(CodeVerificationFailed, msg, err).WithProviderCode(string(se.Code))
		if se.HTTPStatusCode >= http.StatusBadRequest && se.HTTPStatusCode < 600 {
			e.WithStatus(se.HTTPStatusCode)
		}
		return e
	}
	return tkerrors.Verification(CodeVerificationFailed, "Payment verification failed", err)
}
