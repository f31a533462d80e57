// Package reconcile drives the synchronous confirm path: validate the claim,
// verify the payment with the provider, then apply it to the device ledger.
package reconcile

import (
	"context"
	"errors"
	"time"

	tkerrors "github.com/rcourtman/timekeeper/internal/errors"
	"github.com/rcourtman/timekeeper/internal/logging"
	"github.com/rcourtman/timekeeper/internal/timekeeper/claim"
	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
	"github.com/rcourtman/timekeeper/internal/timekeeper/ledger"
	"github.com/rcourtman/timekeeper/internal/timekeeper/payment"
	"github.com/rcourtman/timekeeper/internal/timekeeper/tkmetrics"
)

// Error codes produced by the reconciler itself.
const (
	CodePaymentNotCompleted = "payment_not_completed"
	CodeDeviceNotFound      = "device_not_found"
	CodeDeviceIDMismatch    = "device_id_mismatch"
	CodeProductTypeMismatch = "product_type_mismatch"
	CodeProviderUnavailable = "payment_provider_unavailable"
	CodeStoreUnavailable    = "store_unavailable"
)

// Terminal outcomes, used as metric labels.
const (
	outcomeSucceeded          = "succeeded"
	outcomeValidation         = "validation"
	outcomePaymentIncomplete  = "payment_not_completed"
	outcomeVerificationFailed = "verification_error"
	outcomeNotFound           = "device_not_found"
	outcomeLedgerError        = "ledger_error"
	outcomeUnavailable        = "dependency_unavailable"
)

// Verifier checks a purchase token with the payment provider.
type Verifier interface {
	Verify(ctx context.Context, token string) (payment.Verification, error)
}

// Ledger is the subset of the device ledger the confirm path mutates.
type Ledger interface {
	GrantLicense(ctx context.Context, deviceID, paymentRef string, now time.Time) (*entitlement.DeviceRecord, bool, error)
	IncrementUnlock(ctx context.Context, deviceID, paymentRef string, today time.Time) (*entitlement.DeviceRecord, bool, error)
}

// Result is the outcome of a successful confirmation.
type Result struct {
	Claim      entitlement.Claim
	PaymentRef string
	Record     *entitlement.DeviceRecord
	// Applied is false when the payment had already been settled.
	Applied bool
}

// Reconciler orchestrates Validator, Verifier and Ledger.
type Reconciler struct {
	verifier Verifier
	ledger   Ledger
	now      func() time.Time
	location *time.Location
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLocation sets the zone used to derive the unlock calendar date.
func WithLocation(loc *time.Location) Option {
	return func(r *Reconciler) {
		if loc != nil {
			r.location = loc
		}
	}
}

// New returns a Reconciler. A nil verifier or ledger makes Confirm answer
// with a dependency-unavailable error.
func New(verifier Verifier, l Ledger, opts ...Option) *Reconciler {
	r := &Reconciler{
		verifier: verifier,
		ledger:   l,
		now:      time.Now,
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Confirm runs one confirm request for product to a terminal state.
func (r *Reconciler) Confirm(ctx context.Context, product entitlement.ProductType, deviceID, purchaseToken any) (*Result, error) {
	res, outcome, err := r.confirm(ctx, product, deviceID, purchaseToken)
	tkmetrics.ReconcileTotal.WithLabelValues(product.String(), outcome).Inc()

	logger := logging.FromContext(ctx)
	if err != nil {
		ev := logger.Warn()
		if tkerrors.KindOf(err) == tkerrors.KindLedger || tkerrors.KindOf(err) == tkerrors.KindInternal {
			ev = logger.Error()
		}
		ev.Err(err).
			Str("product_type", product.String()).
			Str("outcome", outcome).
			Msg("Purchase confirmation failed")
		return nil, err
	}
	logger.Info().
		Str("device_id", res.Claim.DeviceID).
		Str("product_type", product.String()).
		Str("payment_ref", res.PaymentRef).
		Bool("applied", res.Applied).
		Int64("unlock_count", res.Record.UnlockCount).
		Msg("Purchase confirmed")
	return res, nil
}

func (r *Reconciler) confirm(ctx context.Context, product entitlement.ProductType, deviceID, purchaseToken any) (*Result, string, error) {
	c, err := claim.Validate(deviceID, purchaseToken)
	if err != nil {
		return nil, outcomeValidation, err
	}
	c.ProductType = product

	if r.verifier == nil {
		return nil, outcomeUnavailable, tkerrors.DependencyUnavailable(CodeProviderUnavailable, "Payment provider is not initialized")
	}
	if r.ledger == nil {
		return nil, outcomeUnavailable, tkerrors.DependencyUnavailable(CodeStoreUnavailable, "Device store is not initialized")
	}

	v, err := r.verifier.Verify(ctx, c.PurchaseToken)
	if err != nil {
		return nil, outcomeVerificationFailed, err
	}
	if !v.Paid {
		return nil, outcomePaymentIncomplete, tkerrors.Verification(CodePaymentNotCompleted, "Payment has not been completed", nil)
	}
	if err := checkSessionMetadata(c, v.Metadata); err != nil {
		return nil, outcomeValidation, err
	}

	settlement := entitlement.Settlement{
		DeviceID:    c.DeviceID,
		ProductType: product,
		PaymentRef:  v.PaymentRef,
		Source:      entitlement.SourceConfirm,
	}
	rec, applied, err := Apply(ctx, r.ledger, settlement, r.now().In(r.location))
	if err != nil {
		if tkerrors.KindOf(err) == tkerrors.KindNotFound {
			return nil, outcomeNotFound, err
		}
		return nil, outcomeLedgerError, err
	}
	return &Result{Claim: c, PaymentRef: v.PaymentRef, Record: rec, Applied: applied}, outcomeSucceeded, nil
}

// Apply performs the ledger mutation for s and maps ledger failures onto the
// error taxonomy. The webhook path uses it too, so both channels share one
// mutation per product type.
func Apply(ctx context.Context, l Ledger, s entitlement.Settlement, now time.Time) (*entitlement.DeviceRecord, bool, error) {
	var (
		rec     *entitlement.DeviceRecord
		applied bool
		err     error
		op      string
	)
	switch s.ProductType {
	case entitlement.ProductLicense:
		op = "grant license"
		rec, applied, err = l.GrantLicense(ctx, s.DeviceID, s.PaymentRef, now)
	case entitlement.ProductDaypass:
		op = "increment unlock"
		rec, applied, err = l.IncrementUnlock(ctx, s.DeviceID, s.PaymentRef, now)
	default:
		return nil, false, tkerrors.Validation(claim.CodeInvalidProductType, "unknown product type")
	}
	tkmetrics.SettlementsTotal.WithLabelValues(s.ProductType.String(), string(s.Source), tkmetrics.SettlementResult(applied, err)).Inc()

	switch {
	case err == nil:
		return rec, applied, nil
	case errors.Is(err, ledger.ErrDeviceNotFound):
		return nil, false, tkerrors.NotFound(CodeDeviceNotFound, "Device not found")
	default:
		return nil, false, tkerrors.Ledger(op, err)
	}
}

// checkSessionMetadata rejects a session created for another device or product.
func checkSessionMetadata(c entitlement.Claim, md map[string]string) error {
	if raw := md["device_id"]; raw != "" {
		id, err := claim.DeviceID(raw)
		if err != nil || id != c.DeviceID {
			return tkerrors.Validation(CodeDeviceIDMismatch, "purchase_token belongs to a different device")
		}
	}
	if raw := md["product_type"]; raw != "" {
		p, ok := entitlement.ParseProductType(raw)
		if !ok || p != c.ProductType {
			return tkerrors.Validation(CodeProductTypeMismatch, "purchase_token was created for a different product")
		}
	}
	return nil
}
