package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	tkerrors "github.com/rcourtman/timekeeper/internal/errors"
	"github.com/rcourtman/timekeeper/internal/logging"
	"github.com/rcourtman/timekeeper/internal/timekeeper/tkmetrics"
	"github.com/rs/zerolog/log"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// SignatureHeader carries the provider's payload signature.
const SignatureHeader = "Stripe-Signature"

// Handler serves the provider webhook endpoint.
type Handler struct {
	processor *Processor
}

type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHandler returns an HTTP handler around p.
func NewHandler(p *Processor) *Handler {
	return &Handler{processor: p}
}

// ServeHTTP answers 200 for every authenticated, decodable delivery so the
// provider only redelivers what it sent wrongly or while the store was down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		tkmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		tkmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, tkerrors.ErrorResponse{Error: "method_not_allowed", Message: "Method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, tkerrors.ErrorResponse{Error: "invalid_payload", Message: "Failed to read request body"})
		return
	}

	res, err := h.processor.Process(r.Context(), payload, r.Header.Get(SignatureHeader))
	if err != nil {
		var body tkerrors.ErrorResponse
		status, body = tkerrors.Response(err)
		logger := logging.FromContext(r.Context())
		ev := logger.Warn()
		if status >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Err(err).Int("status", status).Msg("Webhook rejected")
		writeJSON(w, status, body)
		return
	}
	eventType = res.EventType

	switch res.Outcome {
	case OutcomeFailed:
		writeJSON(w, status, webhookResponse{
			Status:  "error",
			Message: "Settlement could not be applied and was recorded for reconciliation (" + res.Reason + ")",
		})
	case OutcomeUnprocessed:
		writeJSON(w, status, webhookResponse{Status: "received", Message: "Event acknowledged without processing: " + res.Reason})
	default:
		writeJSON(w, status, webhookResponse{Status: "received"})
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("encode webhook response")
	}
}
