package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/pricing"
)

const (
	defaultLedgerLimit = 100
	maxLedgerLimit     = 1000
	maxBodyBytes       = 64 << 10
)

// decode reads an optional JSON body into dst and validates it. An empty
// body leaves dst at its zero value.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return credits.ValidationError{Field: "body", Message: err.Error()}
	}
	return s.validate.Struct(dst)
}

// ──────────────────────────────────────────────────
// Ledger
// ──────────────────────────────────────────────────

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.engine.Balance(r.Context(), mux.Vars(r)["orgId"], time.Time{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Available: bal.Available,
		Consumed:  bal.Consumed,
		Expired:   bal.Expired,
	})
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	limit := defaultLedgerLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, credits.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = min(n, maxLedgerLimit)
	}

	entries, err := s.engine.Ledger(r.Context(), mux.Vars(r)["orgId"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(entries, toLedgerEntry))
}

func (s *Server) consumeInspection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	e, err := s.engine.ConsumeInspection(r.Context(), vars["orgId"], vars["inspectionId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, err := s.engine.Balance(r.Context(), vars["orgId"], time.Time{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, consumeResponse{EntryID: e.ID.String(), Available: bal.Available})
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

// getSubscription answers null for an organization that never subscribed.
func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.engine.GetSubscription(r.Context(), mux.Vars(r)["orgId"])
	if errors.Is(err, credits.ErrSubscriptionNotFound) {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.CancelSubscription(r.Context(), mux.Vars(r)["orgId"], credits.CancelRequest{
		Reason:            req.Reason,
		CancelImmediately: req.CancelImmediately,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ──────────────────────────────────────────────────
// Checkout
// ──────────────────────────────────────────────────

func (s *Server) createCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.engine.CreateCheckout(r.Context(), req.toCheckout(mux.Vars(r)["orgId"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResponse{SessionID: sess.ID, URL: sess.URL})
}

func (s *Server) openPortal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	url, err := s.engine.OpenBillingPortal(r.Context(), mux.Vars(r)["orgId"], req.ReturnURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, portalResponse{URL: url})
}

// reconcile answers 202 while the session may still complete: the provider
// reports it open or unpaid, or could not be reached this time. With
// ?wait=true it polls within the engine's PollConfig before answering.
func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wait := false
	if raw := r.URL.Query().Get("wait"); raw != "" {
		var err error
		if wait, err = strconv.ParseBool(raw); err != nil {
			s.writeError(w, r, credits.ValidationError{Field: "wait", Message: "must be a boolean"})
			return
		}
	}

	var (
		res *checkout.Result
		err error
	)
	if wait {
		res, err = s.engine.AwaitSession(r.Context(), req.ProviderSessionID, credits.PollConfig{})
	} else {
		res, err = s.engine.Reconcile(r.Context(), req.ProviderSessionID)
	}
	if credits.IsRetryable(err) {
		s.logger.Warn("reconcile deferred",
			"session_id", req.ProviderSessionID,
			"error", err,
			"request_id", RequestID(r.Context()),
		)
		if res == nil {
			res = &checkout.Result{SessionID: req.ProviderSessionID, Status: checkout.StatusProcessing}
		}
		err = nil
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Processed && !res.AlreadyProcessed && !res.Status.Terminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// ──────────────────────────────────────────────────
// Pricing and identities
// ──────────────────────────────────────────────────

func (s *Server) getPricing(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := pricing.Request{
		Currency:      q.Get("currency"),
		BillingPeriod: pricing.BillingPeriod(q.Get("billingPeriod")),
	}
	if raw := q.Get("usageUnits"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, credits.ValidationError{Field: "usageUnits", Message: "must be an integer"})
			return
		}
		req.UsageUnits = n
	}
	if raw := q.Get("modules"); raw != "" {
		req.Modules = lo.Compact(lo.Map(strings.Split(raw, ","), func(m string, _ int) string {
			return strings.TrimSpace(m)
		}))
	}

	quote, err := s.engine.Price(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) getIdentityCredits(w http.ResponseWriter, r *http.Request) {
	agg, err := s.engine.AggregateCredits(r.Context(), mux.Vars(r)["identityKey"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Store().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
