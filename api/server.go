// Package api exposes the credits engine over HTTP with gorilla/mux.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	credits "github.com/inspect360/credits"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// Server routes HTTP requests to the engine.
type Server struct {
	engine   *credits.Engine
	logger   *slog.Logger
	validate *validator.Validate
	router   *mux.Router

	webhook http.Handler
	metrics http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger. Defaults to the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWebhook mounts a provider webhook handler at /webhooks/stripe.
func WithWebhook(h http.Handler) Option {
	return func(s *Server) { s.webhook = h }
}

// WithMetricsHandler replaces the default Prometheus handler at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// NewServer builds the router for engine.
func NewServer(engine *credits.Engine, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		logger:   engine.Logger(),
		validate: newValidator(),
		router:   mux.NewRouter(),
		metrics:  promhttp.Handler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Router returns the underlying router so callers can mount extra routes.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.requestID, s.logRequests, s.recoverPanics)

	// Organizations
	r.HandleFunc("/orgs/{orgId}/balance", s.getBalance).Methods(http.MethodGet)
	r.HandleFunc("/orgs/{orgId}/ledger", s.getLedger).Methods(http.MethodGet)
	r.HandleFunc("/orgs/{orgId}/subscription", s.getSubscription).Methods(http.MethodGet)
	r.HandleFunc("/orgs/{orgId}/subscription/cancel", s.cancelSubscription).Methods(http.MethodPost)
	r.HandleFunc("/orgs/{orgId}/checkout", s.createCheckout).Methods(http.MethodPost)
	r.HandleFunc("/orgs/{orgId}/portal", s.openPortal).Methods(http.MethodPost)
	r.HandleFunc("/orgs/{orgId}/inspections/{inspectionId}/consume", s.consumeInspection).Methods(http.MethodPost)

	// Checkout sessions
	r.HandleFunc("/sessions/reconcile", s.reconcile).Methods(http.MethodPost)

	// Pricing and identities
	r.HandleFunc("/pricing", s.getPricing).Methods(http.MethodGet)
	r.HandleFunc("/identities/{identityKey}/credits", s.getIdentityCredits).Methods(http.MethodGet)

	// Webhooks
	if s.webhook != nil {
		r.Handle("/webhooks/stripe", s.webhook).Methods(http.MethodPost)
	}

	// Operations
	r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
}

// ──────────────────────────────────────────────────
// Middleware
// ──────────────────────────────────────────────────

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, rid)))
	})
}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	rid, _ := ctx.Value(ctxKey{}).(string)
	return rid
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", RequestID(r.Context()),
		)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("handler panic", "panic", v, "request_id", RequestID(r.Context()))
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// newValidator reports field names by their json tags.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
