// Package admin serves probes, status and admin-key protected inspection of
// the device ledger.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	tkerrors "github.com/rcourtman/timekeeper/internal/errors"
	"github.com/rcourtman/timekeeper/internal/logging"
	"github.com/rcourtman/timekeeper/internal/timekeeper/claim"
	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
)

// DeviceReader loads device records.
type DeviceReader interface {
	Get(ctx context.Context, deviceID string) (*entitlement.DeviceRecord, error)
}

// FailureLister lists logged webhook settlement failures.
type FailureLister interface {
	ListFailures(ctx context.Context, limit int) ([]*entitlement.SettlementFailure, error)
}

// HandleGetDevice returns the stored record for the {device_id} path value.
func HandleGetDevice(devices DeviceReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if devices == nil {
			writeError(w, r, tkerrors.DependencyUnavailable("store_unavailable", "Device store is not initialized"))
			return
		}

		id, err := claim.DeviceID(r.PathValue("device_id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		rec, err := devices.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if rec == nil {
			writeError(w, r, tkerrors.NotFound("device_not_found", "Device not found"))
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// HandleListFailures returns the settlement-failure log, newest first.
func HandleListFailures(failures FailureLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if failures == nil {
			writeError(w, r, tkerrors.DependencyUnavailable("store_unavailable", "Device store is not initialized"))
			return
		}

		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, r, tkerrors.Validation("invalid_limit", "limit must be a positive integer"))
				return
			}
			limit = n
		}

		list, err := failures.ListFailures(r.Context(), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []*entitlement.SettlementFailure{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"failures": list,
			"count":    len(list),
		})
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := tkerrors.Response(err)
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Admin request failed")
	}
	writeJSON(w, status, body)
}
