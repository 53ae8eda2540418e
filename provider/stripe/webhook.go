package stripe

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	credits "github.com/inspect360/credits"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Checkout events that can change a session's outcome. All of them are
// resolved by reconciling the session, never by trusting the payload.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutExpired       = "checkout.session.expired"
)

// WebhookHandler verifies Stripe signatures and reconciles the referenced
// checkout session through the engine.
type WebhookHandler struct {
	secret string
	engine *credits.Engine
	logger *slog.Logger
}

type webhookResponse struct {
	Received bool   `json:"received,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, engine *credits.Engine) *WebhookHandler {
	return &WebhookHandler{
		secret: secret,
		engine: engine,
		logger: engine.Logger().With("component", "stripe_webhook"),
	}
}

// ServeHTTP answers 2xx once the event is handled or deliberately ignored,
// 400 for requests Stripe should not retry, and 5xx when a retry may help.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, webhookResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		writeJSON(w, http.StatusServiceUnavailable, webhookResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn("webhook rejected", "error", errors.Join(credits.ErrWebhookSignature, err))
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "invalid Stripe signature"})
		return
	}

	ctx := r.Context()
	h.engine.Plugins().EmitWebhookReceived(ctx, ProviderName, string(event.Type))

	status, err := h.handleEvent(r, &event)
	if err != nil {
		h.logger.Error("webhook processing failed",
			"event_id", event.ID,
			"type", string(event.Type),
			"error", err,
		)
		writeJSON(w, status, webhookResponse{Error: "processing failed"})
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(r *http.Request, event *stripelib.Event) (int, error) {
	switch event.Type {
	case EventCheckoutCompleted, EventAsyncPaymentSucceeded, EventCheckoutExpired:
	default:
		h.logger.Debug("webhook ignored", "type", string(event.Type), "event_id", event.ID)
		return http.StatusOK, nil
	}

	var session struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil || session.ID == "" {
		// A malformed payload will not improve on retry.
		h.logger.Warn("webhook payload has no session id", "event_id", event.ID)
		return http.StatusOK, nil
	}

	res, err := h.engine.Reconcile(r.Context(), session.ID)
	switch {
	case err == nil:
		h.logger.Info("webhook reconciled session",
			"event_id", event.ID,
			"session_id", session.ID,
			"status", res.Status,
			"already_processed", res.AlreadyProcessed,
		)
		return http.StatusOK, nil
	case credits.IsNotFound(err):
		// Not one of ours.
		h.logger.Info("webhook for unknown session", "event_id", event.ID, "session_id", session.ID)
		return http.StatusOK, nil
	case credits.IsRetryable(err):
		return http.StatusServiceUnavailable, err
	default:
		return http.StatusInternalServerError, err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
