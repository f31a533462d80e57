package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	tkerrors "github.com/rcourtman/timekeeper/internal/errors"
	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
)

const (
	// CodeCheckoutFailed is returned when the provider rejects session creation.
	CodeCheckoutFailed = "checkout_session_failed"

	checkoutSessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"
)

var productNames = map[entitlement.ProductType]string{
	entitlement.ProductLicense: "Timekeeper License",
	entitlement.ProductDaypass: "Timekeeper Day Pass",
}

// SessionCreator creates a checkout session.
type SessionCreator func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)

// CheckoutConfig configures checkout session creation.
type CheckoutConfig struct {
	Pricing    Pricing
	SuccessURL string
	CancelURL  string
}

// CheckoutRequest describes one purchase to start.
type CheckoutRequest struct {
	DeviceID    string
	ProductType entitlement.ProductType
	UnlockCount int64
}

// Checkout is a created checkout session.
type Checkout struct {
	SessionID string
	URL       string
	Amount    int64
}

// CheckoutCreator starts hosted checkout sessions.
type CheckoutCreator struct {
	cfg    CheckoutConfig
	create SessionCreator
}

// NewCheckoutCreator returns a CheckoutCreator using its own API client for apiKey.
func NewCheckoutCreator(apiKey string, cfg CheckoutConfig) *CheckoutCreator {
	client := &stripesession.Client{
		B:   stripe.GetBackend(stripe.APIBackend),
		Key: strings.TrimSpace(apiKey),
	}
	return NewCheckoutCreatorWithFunc(client.New, cfg)
}

// NewCheckoutCreatorWithFunc returns a CheckoutCreator backed by create.
func NewCheckoutCreatorWithFunc(create SessionCreator, cfg CheckoutConfig) *CheckoutCreator {
	return &CheckoutCreator{cfg: cfg, create: create}
}

// Create prices the request and creates a payment-mode checkout session
// tagged with the device id and product type.
func (c *CheckoutCreator) Create(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	amount, err := c.cfg.Pricing.Price(req.ProductType, req.UnlockCount)
	if err != nil {
		return nil, tkerrors.Validation("invalid_unlock_count", err.Error())
	}

	metadata := map[string]string{
		"device_id":    req.DeviceID,
		"product_type": req.ProductType.String(),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(BuildSuccessURL(c.cfg.SuccessURL, req.DeviceID, req.ProductType)),
		CancelURL:         stripe.String(BuildCancelURL(c.cfg.CancelURL, req.DeviceID, req.ProductType)),
		ClientReferenceID: stripe.String(req.DeviceID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(c.cfg.Pricing.Currency),
					UnitAmount: stripe.Int64(amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(productNames[req.ProductType]),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
		Metadata: metadata,
	}
	params.Context = ctx

	session, err := c.create(params)
	if err != nil {
		return nil, checkoutError(err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return nil, checkoutError(fmt.Errorf("provider returned a session without a checkout url"))
	}
	return &Checkout{SessionID: session.ID, URL: session.URL, Amount: amount}, nil
}

// BuildSuccessURL appends the session placeholder and correlation parameters
// to base. The placeholder must stay unescaped so the provider can fill it in.
func BuildSuccessURL(base, deviceID string, product entitlement.ProductType) string {
	q := url.Values{
		"device_id":    {deviceID},
		"product_type": {product.String()},
	}
	return base + querySeparator(base) + "session_id=" + checkoutSessionIDPlaceholder + "&" + q.Encode()
}

// BuildCancelURL appends the correlation parameters to base.
func BuildCancelURL(base, deviceID string, product entitlement.ProductType) string {
	q := url.Values{
		"device_id":    {deviceID},
		"product_type": {product.String()},
	}
	return base + querySeparator(base) + q.Encode()
}

func querySeparator(base string) string {
	switch {
	case !strings.Contains(base, "?"):
		return "?"
	case strings.HasSuffix(base, "?"), strings.HasSuffix(base, "&"):
		return ""
	default:
		return "&"
	}
}

func checkoutError(err error) error {
	e := &tkerrors.Error{
		Kind:    tkerrors.KindDependencyUnavailable,
		Code:    CodeCheckoutFailed,
		Message: "Failed to create checkout session",
		Status:  http.StatusBadGateway,
		Err:     err,
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		e.ProviderCode = string(se.Code)
	}
	return e
}
