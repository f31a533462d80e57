package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	tkerrors "github.com/rcourtman/timekeeper/internal/errors"
	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
	"github.com/rcourtman/timekeeper/internal/timekeeper/ledger"
	"github.com/rcourtman/timekeeper/internal/timekeeper/payment"
	"github.com/rcourtman/timekeeper/internal/timekeeper/reconcile"
)

const (
	testSecret = "whsec_test123"
	deviceID   = "6a1f7c3e-2b4d-4e8f-9a0b-1c2d3e4f5a6b"
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2025, 8, 15, 10, 0, 0, 0, time.UTC) }
}

func checkoutEvent(t *testing.T, id string, session map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        EventCheckoutCompleted,
		"api_version": "2025-04-30.basil",
		"data":        map[string]any{"object": session},
	})
	require.NoError(t, err)
	return payload
}

func paidSession(sessionID, intent, device, product string) map[string]any {
	return map[string]any{
		"id":             sessionID,
		"object":         "checkout.session",
		"payment_intent": intent,
		"payment_status": "paid",
		"metadata":       map[string]string{"device_id": device, "product_type": product},
	}
}

func sign(t *testing.T, secret string, payload []byte) string {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Header
}

func signedWebhookRequest(t *testing.T, secret string, payload []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(payload)))
	req.Header.Set(SignatureHeader, sign(t, secret, payload))
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestDuplicateLicenseDeliveryWritesOnce(t *testing.T) {
	store := ledger.NewMemoryStore()
	first := time.Date(2025, 8, 15, 10, 0, 0, 0, time.UTC)
	clock := first
	p := NewProcessor(testSecret, store, WithClock(func() time.Time { return clock }))
	payload := checkoutEvent(t, "evt_1", paidSession("cs_test_lic", "pi_lic", deviceID, "license"))

	res, err := p.Process(context.Background(), payload, sign(t, testSecret, payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	clock = first.Add(time.Hour)
	res, err = p.Process(context.Background(), payload, sign(t, testSecret, payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, res.Outcome)

	rec, err := store.Get(context.Background(), deviceID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.LicensePurchased)
	require.NotNil(t, rec.LicensePurchaseDate)
	assert.True(t, rec.LicensePurchaseDate.Equal(first))
}

func TestWebhookConvergesWithConfirm(t *testing.T) {
	store := ledger.NewMemoryStore()
	store.Seed(&entitlement.DeviceRecord{DeviceID: deviceID, UnlockCount: 2})

	// Confirm settles first, using the same payment intent the webhook carries.
	_, applied, err := reconcile.Apply(context.Background(), store, entitlement.Settlement{
		DeviceID:    deviceID,
		ProductType: entitlement.ProductDaypass,
		PaymentRef:  payment.SettlementRef("cs_test_day", "pi_day"),
		Source:      entitlement.SourceConfirm,
	}, fixedClock()())
	require.NoError(t, err)
	require.True(t, applied)

	p := NewProcessor(testSecret, store, WithClock(fixedClock()))
	payload := checkoutEvent(t, "evt_2", paidSession("cs_test_day", "pi_day", deviceID, "daypass"))
	res, err := p.Process(context.Background(), payload, sign(t, testSecret, payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, res.Outcome)

	rec, err := store.Get(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.UnlockCount)
}

func TestWebhookCanonicalizesDeviceID(t *testing.T) {
	store := ledger.NewMemoryStore()
	p := NewProcessor(testSecret, store)
	payload := checkoutEvent(t, "evt_3", paidSession("cs_test_up", "pi_up", strings.ToUpper(deviceID), "LICENSE"))

	res, err := p.Process(context.Background(), payload, sign(t, testSecret, payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, deviceID, res.Settlement.DeviceID)
}

func TestExpandedPaymentIntentObject(t *testing.T) {
	session := paidSession("cs_test_exp", "", deviceID, "license")
	session["payment_intent"] = map[string]any{"id": "pi_expanded", "object": "payment_intent"}
	p := NewProcessor(testSecret, ledger.NewMemoryStore())
	payload := checkoutEvent(t, "evt_4", session)

	res, err := p.Process(context.Background(), payload, sign(t, testSecret, payload))
	require.NoError(t, err)
	assert.Equal(t, "pi_expanded", res.Settlement.PaymentRef)
}

func TestSessionIDUsedWithoutPaymentIntent(t *testing.T) {
	session := paidSession("cs_test_nopi", "", deviceID, "license")
	delete(session, "payment_intent")
	p := NewProcessor(testSecret, ledger.NewMemoryStore())
	payload := checkoutEvent(t, "evt_5", session)

	res, err := p.Process(context.Background(), payload, sign(t, testSecret, payload))
	require.NoError(t, err)
	assert.Equal(t, "cs_test_nopi", res.Settlement.PaymentRef)
}

func TestProcessUnprocessedEvents(t *testing.T) {
	tests := []struct {
		name    string
		session map[string]any
		reason  string
	}{
		{
			name: "unpaid",
			session: map[string]any{
				"id": "cs_test_unpaid", "payment_status": "unpaid",
				"metadata": map[string]string{"device_id": deviceID, "product_type": "license"},
			},
			reason: "payment_not_completed",
		},
		{
			name:    "missing metadata",
			session: map[string]any{"id": "cs_test_nometa", "payment_status": "paid"},
			reason:  "missing_metadata",
		},
		{
			name:    "invalid device",
			session: paidSession("cs_test_bad", "pi_bad", "not-a-uuid", "license"),
			reason:  "invalid_device_id",
		},
		{
			name:    "unknown product",
			session: paidSession("cs_test_sub", "pi_sub", deviceID, "subscription"),
			reason:  "invalid_product_type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := ledger.NewMemoryStore()
			p := NewProcessor(testSecret, store)
			payload := checkoutEvent(t, "evt_u", tt.session)

			res, err := p.Process(context.Background(), payload, sign(t, testSecret, payload))
			require.NoError(t, err)
			assert.Equal(t, OutcomeUnprocessed, res.Outcome)
			assert.Equal(t, tt.reason, res.Reason)

			rec, _ := store.Get(context.Background(), deviceID)
			assert.Nil(t, rec)
		})
	}
}

func TestIgnoredEventType(t *testing.T) {
	payload := []byte(`{"id":"evt_9","object":"event","type":"invoice.paid","data":{"object":{}}}`)
	p := NewProcessor(testSecret, ledger.NewMemoryStore())

	res, err := p.Process(context.Background(), payload, sign(t, testSecret, payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, "invoice.paid", res.EventType)
}

func TestDaypassUnknownDeviceRecordsFailure(t *testing.T) {
	store := ledger.NewMemoryStore()
	p := NewProcessor(testSecret, store, WithClock(fixedClock()))
	payload := checkoutEvent(t, "evt_6", paidSession("cs_test_orphan", "pi_orphan", deviceID, "daypass"))

	res, err := p.Process(context.Background(), payload, sign(t, testSecret, payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, reconcile.CodeDeviceNotFound, res.Reason)

	failures, err := store.ListFailures(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "evt_6", failures[0].EventID)
	assert.Equal(t, "pi_orphan", failures[0].PaymentRef)
	assert.Equal(t, entitlement.ProductDaypass, failures[0].ProductType)
	assert.NotEmpty(t, failures[0].ID)
}

func TestProcessRejections(t *testing.T) {
	payload := checkoutEvent(t, "evt_7", paidSession("cs_test_x", "pi_x", deviceID, "license"))

	t.Run("missing signature", func(t *testing.T) {
		_, err := NewProcessor(testSecret, ledger.NewMemoryStore()).Process(context.Background(), payload, "")
		assert.ErrorIs(t, err, tkerrors.ErrSignature)
	})
	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewProcessor(testSecret, ledger.NewMemoryStore()).Process(context.Background(), payload, sign(t, "whsec_other", payload))
		assert.ErrorIs(t, err, tkerrors.ErrSignature)
	})
	t.Run("secret not configured", func(t *testing.T) {
		_, err := NewProcessor("", ledger.NewMemoryStore()).Process(context.Background(), payload, sign(t, testSecret, payload))
		require.Error(t, err)
		assert.Equal(t, "webhook_not_configured", tkerrors.CodeOf(err))
		status, _ := tkerrors.Response(err)
		assert.Equal(t, http.StatusInternalServerError, status)
	})
	t.Run("malformed json", func(t *testing.T) {
		bad := []byte(`{"id":`)
		_, err := NewProcessor(testSecret, ledger.NewMemoryStore()).Process(context.Background(), bad, sign(t, testSecret, bad))
		assert.ErrorIs(t, err, tkerrors.ErrPayload)
	})
	t.Run("store missing", func(t *testing.T) {
		_, err := NewProcessor(testSecret, nil).Process(context.Background(), payload, sign(t, testSecret, payload))
		assert.ErrorIs(t, err, tkerrors.ErrDependencyUnavailable)
	})
}

func TestHandlerResponses(t *testing.T) {
	store := ledger.NewMemoryStore()
	h := NewHandler(NewProcessor(testSecret, store, WithClock(fixedClock())))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, testSecret, checkoutEvent(t, "evt_h1", paidSession("cs_test_h", "pi_h", deviceID, "license"))))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "received", decodeBody(t, rec)["status"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, testSecret, checkoutEvent(t, "evt_h2", paidSession("cs_test_h2", "pi_h2", "0b1f7c3e-2b4d-4e8f-9a0b-1c2d3e4f5a6b", "daypass"))))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["message"], "device_not_found")
}

func TestHandlerInvalidSignature(t *testing.T) {
	h := NewHandler(NewProcessor(testSecret, ledger.NewMemoryStore()))
	payload := checkoutEvent(t, "evt_h3", paidSession("cs_test_h3", "pi_h3", deviceID, "license"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, "whsec_wrong", payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", decodeBody(t, rec)["error"])
}

func TestHandlerStoreUnavailable(t *testing.T) {
	h := NewHandler(NewProcessor(testSecret, nil))
	payload := checkoutEvent(t, "evt_h4", paidSession("cs_test_h4", "pi_h4", deviceID, "license"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, testSecret, payload))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, reconcile.CodeStoreUnavailable, decodeBody(t, rec)["error"])
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	h := NewHandler(NewProcessor(testSecret, ledger.NewMemoryStore()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
