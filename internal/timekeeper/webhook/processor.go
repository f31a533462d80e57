// Package webhook authenticates and applies payment provider event
// notifications. It drives the same ledger mutations as the confirm path but
// never calls the provider back.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	tkerrors "github.com/rcourtman/timekeeper/internal/errors"
	"github.com/rcourtman/timekeeper/internal/logging"
	"github.com/rcourtman/timekeeper/internal/timekeeper/claim"
	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
	"github.com/rcourtman/timekeeper/internal/timekeeper/payment"
	"github.com/rcourtman/timekeeper/internal/timekeeper/reconcile"
	stripe "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// EventCheckoutCompleted is the only event type that changes device state.
const EventCheckoutCompleted = "checkout.session.completed"

// Outcome is the terminal state of one delivery.
type Outcome string

const (
	// OutcomeProcessed means the settlement was applied.
	OutcomeProcessed Outcome = "processed"
	// OutcomeReplayed means the payment had already been applied.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeIgnored means the event type is not acted on.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeUnprocessed means a valid event the receiver chose not to act on.
	OutcomeUnprocessed Outcome = "unprocessed"
	// OutcomeFailed means the ledger mutation failed and was logged for
	// out-of-band reconciliation.
	OutcomeFailed Outcome = "failed"
)

// Ledger is what the processor needs from the device ledger.
type Ledger interface {
	reconcile.Ledger
	RecordFailure(ctx context.Context, f *entitlement.SettlementFailure) error
}

// Result describes how a delivery was handled.
type Result struct {
	Outcome    Outcome
	EventID    string
	EventType  string
	Settlement *entitlement.Settlement
	Record     *entitlement.DeviceRecord
	Reason     string
}

// Processor turns authenticated provider events into ledger mutations.
type Processor struct {
	secret   string
	ledger   Ledger
	now      func() time.Time
	location *time.Location
	newID    func() string
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithLocation sets the zone used to derive the unlock calendar date.
func WithLocation(loc *time.Location) Option {
	return func(p *Processor) {
		if loc != nil {
			p.location = loc
		}
	}
}

// NewProcessor returns a Processor verifying signatures with secret.
func NewProcessor(secret string, l Ledger, opts ...Option) *Processor {
	p := &Processor{
		secret:   strings.TrimSpace(secret),
		ledger:   l,
		now:      time.Now,
		location: time.UTC,
		newID:    func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// checkoutSession is the part of a checkout.session object the processor reads.
type checkoutSession struct {
	ID                string            `json:"id"`
	PaymentIntent     json.RawMessage   `json:"payment_intent"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// paymentIntentID accepts both the id string that events carry and an
// expanded object.
func (s *checkoutSession) paymentIntentID() string {
	raw := strings.TrimSpace(string(s.PaymentIntent))
	if raw == "" || raw == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(s.PaymentIntent, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(s.PaymentIntent, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// Process authenticates payload, decodes it and applies it. Errors are
// returned only for deliveries the provider should see rejected.
func (p *Processor) Process(ctx context.Context, payload []byte, signature string) (*Result, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, tkerrors.Signature("Missing webhook signature", nil)
	}
	if p.secret == "" {
		return nil, &tkerrors.Error{
			Kind:    tkerrors.KindInternal,
			Code:    "webhook_not_configured",
			Message: "Webhook secret is not configured",
			Status:  http.StatusInternalServerError,
		}
	}
	if err := stripewebhook.ValidatePayload(payload, signature, p.secret); err != nil {
		return nil, tkerrors.Signature("Invalid webhook signature", err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, tkerrors.Payload("Webhook payload is not a valid event", err)
	}
	if event.Type == "" {
		return nil, tkerrors.Payload("Webhook payload has no event type", nil)
	}

	res := &Result{EventID: event.ID, EventType: string(event.Type)}
	logger := logging.FromContext(ctx).With().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Logger()

	if string(event.Type) != EventCheckoutCompleted {
		res.Outcome = OutcomeIgnored
		logger.Info().Msg("Webhook ignored (unhandled type)")
		return res, nil
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, tkerrors.Payload("Webhook event has no data object", nil)
	}
	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, tkerrors.Payload("Webhook event data is not a checkout session", err)
	}

	settlement, reason := settlementFrom(&session)
	if settlement == nil {
		res.Outcome = OutcomeUnprocessed
		res.Reason = reason
		logger.Warn().Str("session_id", session.ID).Str("reason", reason).Msg("Webhook acknowledged without processing")
		return res, nil
	}
	res.Settlement = settlement

	if p.ledger == nil {
		return nil, tkerrors.DependencyUnavailable(reconcile.CodeStoreUnavailable, "Device store is not initialized")
	}

	logger = logger.With().
		Str("device_id", settlement.DeviceID).
		Str("product_type", settlement.ProductType.String()).
		Str("payment_ref", settlement.PaymentRef).
		Logger()

	rec, applied, err := reconcile.Apply(ctx, p.ledger, *settlement, p.now().In(p.location))
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = tkerrors.CodeOf(err)
		logger.Error().Err(err).Msg("Webhook settlement failed")
		p.recordFailure(ctx, &event, settlement, res.Reason)
		return res, nil
	}

	res.Record = rec
	if applied {
		res.Outcome = OutcomeProcessed
	} else {
		res.Outcome = OutcomeReplayed
	}
	logger.Info().Str("outcome", string(res.Outcome)).Int64("unlock_count", rec.UnlockCount).Msg("Webhook settlement handled")
	return res, nil
}

// settlementFrom extracts the settlement, or a reason the event is not acted on.
func settlementFrom(s *checkoutSession) (*entitlement.Settlement, string) {
	if s.PaymentStatus != "" && s.PaymentStatus != string(stripe.CheckoutSessionPaymentStatusPaid) {
		return nil, "payment_not_completed"
	}
	rawDevice := strings.TrimSpace(s.Metadata["device_id"])
	rawProduct := strings.TrimSpace(s.Metadata["product_type"])
	if rawDevice == "" || rawProduct == "" {
		return nil, "missing_metadata"
	}
	deviceID, err := claim.DeviceID(rawDevice)
	if err != nil {
		return nil, "invalid_device_id"
	}
	product, ok := entitlement.ParseProductType(rawProduct)
	if !ok {
		return nil, "invalid_product_type"
	}
	ref := payment.SettlementRef(s.ID, s.paymentIntentID())
	if ref == "" {
		return nil, "missing_payment_ref"
	}
	return &entitlement.Settlement{
		DeviceID:    deviceID,
		ProductType: product,
		PaymentRef:  ref,
		Source:      entitlement.SourceWebhook,
	}, ""
}

func (p *Processor) recordFailure(ctx context.Context, event *stripe.Event, s *entitlement.Settlement, reason string) {
	f := &entitlement.SettlementFailure{
		ID:          p.newID(),
		DeviceID:    s.DeviceID,
		ProductType: s.ProductType,
		PaymentRef:  s.PaymentRef,
		EventID:     event.ID,
		Reason:      reason,
		RecordedAt:  p.now().UTC(),
	}
	if err := p.ledger.RecordFailure(ctx, f); err != nil {
		logger := logging.FromContext(ctx)
		logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("payment_ref", s.PaymentRef).
			Msg("Failed to record settlement failure")
	}
}
