package timekeeper

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/timekeeper/internal/timekeeper/admin"
	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
	"github.com/rcourtman/timekeeper/internal/timekeeper/ledger"
	"github.com/rcourtman/timekeeper/internal/timekeeper/payment"
	"github.com/rcourtman/timekeeper/internal/timekeeper/reconcile"
	"github.com/rcourtman/timekeeper/internal/timekeeper/webhook"
)

type deviceReader interface {
	Get(ctx context.Context, deviceID string) (*entitlement.DeviceRecord, error)
}

// Deps holds shared dependencies injected into HTTP handlers. Store, Verifier
// and Checkout are nil when the dependency could not be initialised.
type Deps struct {
	Config   *Config
	Store    ledger.Store
	Verifier *payment.Verifier
	Checkout *payment.CheckoutCreator
	Version  string

	// RateLimiter guards the client purchase endpoints; one is created from
	// Config.RateLimit when nil.
	RateLimiter *RateLimiter
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux and returns
// the handler to serve, wrapped in the shared middleware.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) http.Handler {
	cfg := deps.Config
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(cfg.AdminKey, next)
	}

	// A nil *payment.Verifier must not become a non-nil interface.
	var verifier reconcile.Verifier
	if deps.Verifier != nil {
		verifier = deps.Verifier
	}
	var store webhook.Ledger = deps.Store
	reconciler := reconcile.New(verifier, store, reconcile.WithLocation(cfg.Location()))
	processor := webhook.NewProcessor(cfg.StripeWebhookSecret, store, webhook.WithLocation(cfg.Location()))

	driver := cfg.StoreDriver
	if deps.Store != nil {
		driver = deps.Store.Driver()
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Store))
	mux.HandleFunc("/health", getOnly(admin.HandleHealth(deps.Store != nil, deps.Verifier != nil)))
	mux.HandleFunc("/store/status", getOnly(admin.HandleStoreStatus(deps.Store, cfg.Environment, driver)))

	// Metrics are private unless explicitly published.
	metricsHandler := promhttp.Handler()
	if cfg.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else if cfg.AdminKey != "" {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Client purchase endpoints (rate limited per IP).
	limiter := deps.RateLimiter
	if limiter == nil {
		limiter = NewRateLimiter(cfg.RateLimit, time.Minute)
	}
	mux.Handle("/license/confirm", limiter.Middleware(handleConfirmLicense(reconciler)))
	mux.Handle("/unlock/daypass", limiter.Middleware(handleUnlockDaypass(reconciler)))
	mux.Handle("/create-checkout-session", limiter.Middleware(handleCreateCheckoutSession(deps.Checkout, deps.Store)))

	// Provider webhook (signature-authenticated)
	webhookLimiter := NewRateLimiter(defaultRateLimit, time.Minute)
	mux.Handle("/stripe-webhook", webhookLimiter.Middleware(webhook.NewHandler(processor)))

	// Admin API (key-authenticated), mounted only when a key is configured.
	if cfg.AdminKey != "" {
		mux.Handle("/admin/devices/{device_id}", adminAuth(admin.HandleGetDevice(deps.Store)))
		mux.Handle("/admin/settlement-failures", adminAuth(admin.HandleListFailures(deps.Store)))
	}

	return chain(mux, RequestContext, Recover, SecurityHeaders)
}
