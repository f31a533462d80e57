package timekeeper

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	tkerrors "github.com/rcourtman/timekeeper/internal/errors"
	"github.com/rcourtman/timekeeper/internal/logging"
	"github.com/rcourtman/timekeeper/internal/timekeeper/claim"
	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
	"github.com/rcourtman/timekeeper/internal/timekeeper/payment"
	"github.com/rcourtman/timekeeper/internal/timekeeper/reconcile"
	"github.com/rcourtman/timekeeper/internal/timekeeper/tkmetrics"
	"github.com/rs/zerolog/log"
)

const requestBodyLimit = 64 * 1024

// Request fields are untyped so validation can tell a missing value from a
// value of the wrong JSON type.
type purchaseRequest struct {
	DeviceID      any `json:"device_id"`
	PurchaseToken any `json:"purchase_token"`
}

type checkoutSessionRequest struct {
	DeviceID    any `json:"device_id"`
	ProductType any `json:"product_type"`
	UnlockCount any `json:"unlock_count"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type daypassResponse struct {
	Status         string `json:"status"`
	UnlockCount    int64  `json:"unlock_count"`
	LastUnlockDate string `json:"last_unlock_date"`
}

type checkoutSessionResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

// handleConfirmLicense serves POST /license/confirm.
func handleConfirmLicense(r *reconcile.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body purchaseRequest
		if !decodePost(w, req, &body) {
			return
		}
		if _, err := r.Confirm(req.Context(), entitlement.ProductLicense, body.DeviceID, body.PurchaseToken); err != nil {
			writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
	}
}

// handleUnlockDaypass serves POST /unlock/daypass.
func handleUnlockDaypass(r *reconcile.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body purchaseRequest
		if !decodePost(w, req, &body) {
			return
		}
		res, err := r.Confirm(req.Context(), entitlement.ProductDaypass, body.DeviceID, body.PurchaseToken)
		if err != nil {
			writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, daypassResponse{
			Status:         "ok",
			UnlockCount:    res.Record.UnlockCount,
			LastUnlockDate: res.Record.LastUnlockDate,
		})
	}
}

// handleCreateCheckoutSession serves POST /create-checkout-session.
func handleCreateCheckoutSession(checkout *payment.CheckoutCreator, devices deviceReader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body checkoutSessionRequest
		if !decodePost(w, req, &body) {
			return
		}
		product := entitlement.ProductType("unknown")
		outcome := "failed"
		defer func() {
			tkmetrics.CheckoutSessionsTotal.WithLabelValues(product.String(), outcome).Inc()
		}()

		deviceID, err := claim.DeviceID(body.DeviceID)
		if err != nil {
			outcome = "validation"
			writeError(w, req, err)
			return
		}
		p, err := claim.ProductType(body.ProductType)
		if err != nil {
			outcome = "validation"
			writeError(w, req, err)
			return
		}
		product = p

		unlockCount, given, err := parseUnlockCount(body.UnlockCount)
		if err != nil {
			outcome = "validation"
			writeError(w, req, err)
			return
		}
		if checkout == nil {
			outcome = "unavailable"
			writeError(w, req, tkerrors.DependencyUnavailable(reconcile.CodeProviderUnavailable, "Payment provider is not initialized"))
			return
		}

		if product == entitlement.ProductDaypass && !given {
			unlockCount = storedUnlockCount(req, devices, deviceID)
		}

		session, err := checkout.Create(req.Context(), payment.CheckoutRequest{
			DeviceID:    deviceID,
			ProductType: product,
			UnlockCount: unlockCount,
		})
		if err != nil {
			if tkerrors.KindOf(err) == tkerrors.KindValidation {
				outcome = "validation"
			}
			writeError(w, req, err)
			return
		}
		outcome = "created"
		logger := logging.FromContext(req.Context())
		logger.Info().
			Str("device_id", deviceID).
			Str("product_type", product.String()).
			Str("session_id", session.SessionID).
			Int64("amount", session.Amount).
			Msg("Checkout session created")
		writeJSON(w, http.StatusOK, checkoutSessionResponse{CheckoutURL: session.URL})
	}
}

// storedUnlockCount prices from the ledger when the client did not send a
// count. A missing device or store prices at the base price.
func storedUnlockCount(req *http.Request, devices deviceReader, deviceID string) int64 {
	if devices == nil {
		return 0
	}
	rec, err := devices.Get(req.Context(), deviceID)
	if err != nil {
		logger := logging.FromContext(req.Context())
		logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to load unlock count, pricing from zero")
		return 0
	}
	if rec == nil {
		return 0
	}
	return rec.UnlockCount
}

// parseUnlockCount accepts an absent value or a non-negative JSON integer.
func parseUnlockCount(v any) (int64, bool, error) {
	if v == nil {
		return 0, false, nil
	}
	invalid := tkerrors.Validation("invalid_unlock_count", "unlock_count must be a non-negative integer")
	num, ok := v.(json.Number)
	if !ok {
		return 0, false, invalid
	}
	n, err := num.Int64()
	if err != nil || n < 0 {
		return 0, false, invalid
	}
	return n, true, nil
}

// decodePost enforces POST and decodes a JSON object body into dst. An empty
// body decodes as an empty object so that field validation reports what is
// missing.
func decodePost(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return false
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, requestBodyLimit))
	if err != nil {
		writeError(w, r, tkerrors.Validation("invalid_request_body", "Request body is too large or unreadable"))
		return false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return true
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		msg := "Request body must be a JSON object"
		if errors.As(err, &typeErr) && typeErr.Field == "" {
			msg = "Request body must be a JSON object, got " + typeErr.Value
		}
		writeError(w, r, tkerrors.Validation("invalid_request_body", msg))
		return false
	}
	return true
}

// writeError renders err with the uniform error body. Failures on our side
// are logged with full context; their bodies never carry internal detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := tkerrors.Response(err)
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().
			Err(err).
			Str("path", r.URL.Path).
			Str("code", body.Error).
			Msg("Request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("encode response")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, tkerrors.ErrorResponse{Error: "method_not_allowed", Message: "Method not allowed"})
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w)
			return
		}
		next(w, r)
	}
}
