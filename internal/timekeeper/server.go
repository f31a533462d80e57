package timekeeper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/timekeeper/internal/logging"
	"github.com/rcourtman/timekeeper/internal/timekeeper/ledger"
	"github.com/rcourtman/timekeeper/internal/timekeeper/payment"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = 5 * time.Minute
)

// Run starts the entitlement HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "timekeeper",
	})

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "timekeeper",
	})
	log.Info().Str("version", version).Str("environment", cfg.Environment).Msg("Starting timekeeper")

	deps := NewDeps(ctx, cfg, version)
	if deps.Store != nil {
		defer func() {
			if err := deps.Store.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close device store")
			}
		}()
	}

	handler := RegisterRoutes(http.NewServeMux(), deps)

	addr := net.JoinHostPort(cfg.BindAddress, fmt.Sprint(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return serve(ctx, ln, handler, deps.RateLimiter)
}

// NewDeps builds the dependency handles once at startup. A store or payment
// provider that cannot be initialised is left nil and the routes that need
// it answer 503.
func NewDeps(ctx context.Context, cfg *Config, version string) *Deps {
	deps := &Deps{
		Config:      cfg,
		Version:     version,
		RateLimiter: NewRateLimiter(cfg.RateLimit, time.Minute),
	}

	store, err := ledger.Open(ctx, cfg.LedgerConfig())
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("Device store unavailable, ledger routes disabled")
	} else {
		deps.Store = store
		log.Info().Str("driver", store.Driver()).Msg("Device store initialized")
	}

	if cfg.StripeAPIKey != "" {
		deps.Verifier = payment.NewVerifier(cfg.StripeAPIKey)
		deps.Checkout = payment.NewCheckoutCreator(cfg.StripeAPIKey, payment.CheckoutConfig{
			Pricing:    cfg.Pricing(),
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
		})
		log.Info().Msg("Payment provider initialized")
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set, confirm and checkout routes disabled")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, signed webhooks will be rejected")
	}
	return deps
}

// serve runs the HTTP server on ln until ctx is cancelled or a termination
// signal arrives, then drains in-flight requests.
func serve(ctx context.Context, ln net.Listener, handler http.Handler, limiter *RateLimiter) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("Timekeeper listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	if limiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					limiter.Sweep()
				}
			}
		})
	}

	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case <-gctx.Done():
			log.Info().Msg("Context cancelled, shutting down...")
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		cancel()
		return nil
	})

	err := g.Wait()
	log.Info().Msg("Timekeeper stopped")
	return err
}
