package admin

import (
	"context"
	"encoding/json"
	"net/http"
)

// Pinger reports whether the device store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status                     string `json:"status"`
	StoreInitialized           bool   `json:"store_initialized"`
	PaymentProviderInitialized bool   `json:"payment_provider_initialized"`
}

type storeStatusResponse struct {
	Initialized bool   `json:"initialized"`
	Environment string `json:"environment"`
	Driver      string `json:"driver"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks store connectivity (readiness probe).
func HandleReadyz(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil || store.Ping(r.Context()) != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleHealth reports which dependencies were initialised at startup. It
// always answers 200 so clients can tell a degraded service from a dead one.
func HandleHealth(storeReady, providerReady bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:                     "ok",
			StoreInitialized:           storeReady,
			PaymentProviderInitialized: providerReady,
		})
	}
}

// HandleStoreStatus reports the store backend in use.
func HandleStoreStatus(store Pinger, environment, driver string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := storeStatusResponse{
			Initialized: store != nil,
			Environment: environment,
			Driver:      driver,
		}
		if store == nil {
			resp.Driver = ""
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
