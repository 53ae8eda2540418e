package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/organization"
	"github.com/inspect360/credits/provider/fake"
	"github.com/inspect360/credits/store/memory"
)

type testServer struct {
	engine   *credits.Engine
	provider *fake.Provider
	server   *Server
}

func newTestServer(t *testing.T, opts ...credits.Option) *testServer {
	t.Helper()
	fp := fake.New()
	opts = append([]credits.Option{
		credits.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		credits.WithProvider(fp),
		credits.WithSweepSchedule(""),
	}, opts...)
	engine := credits.New(memory.New(), opts...)
	return &testServer{engine: engine, provider: fp, server: NewServer(engine)}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) grant(t *testing.T, orgID string, qty int64) {
	t.Helper()
	_, err := ts.engine.GrantCredits(context.Background(), credits.GrantRequest{
		OrganizationID: orgID,
		Quantity:       qty,
	})
	require.NoError(t, err)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const topupBody = `{"kind":"topup","credits":10,"currency":"gbp",
	"successUrl":"https://app.example.test/ok","cancelUrl":"https://app.example.test/cancel"}`

func TestBalanceAndConsume(t *testing.T) {
	ts := newTestServer(t)
	ts.grant(t, "org_1", 2)

	rec := ts.do(t, http.MethodGet, "/orgs/org_1/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, balanceResponse{Available: 2}, decodeBody[balanceResponse](t, rec))

	rec = ts.do(t, http.MethodPost, "/orgs/org_1/inspections/insp_1/consume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody[consumeResponse](t, rec)
	assert.Equal(t, int64(1), first.Available)

	// Repeating the same inspection spends nothing.
	rec = ts.do(t, http.MethodPost, "/orgs/org_1/inspections/insp_1/consume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[consumeResponse](t, rec)
	assert.Equal(t, first.EntryID, again.EntryID)
	assert.Equal(t, int64(1), again.Available)

	rec = ts.do(t, http.MethodPost, "/orgs/org_1/inspections/insp_2/consume", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/orgs/org_1/inspections/insp_3/consume", "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	resp := decodeBody[errorResponse](t, rec)
	require.NotNil(t, resp.Available)
	assert.Equal(t, int64(0), *resp.Available)
}

func TestLedger(t *testing.T) {
	ts := newTestServer(t)
	ts.grant(t, "org_1", 5)
	ts.grant(t, "org_1", 3)
	_, err := ts.engine.ConsumeInspection(context.Background(), "org_1", "insp_1")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/orgs/org_1/ledger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]ledgerEntry](t, rec)
	require.Len(t, entries, 3)
	assert.Equal(t, "consume", entries[0].Kind)
	assert.Equal(t, int64(-1), entries[0].Quantity)

	rec = ts.do(t, http.MethodGet, "/orgs/org_1/ledger?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ledgerEntry](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/orgs/org_1/ledger?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "limit", decodeBody[errorResponse](t, rec).Field)
}

func TestCheckoutAndReconcile(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/orgs/org_1/checkout", topupBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[checkoutResponse](t, rec)
	require.NotEmpty(t, created.SessionID)
	assert.NotEmpty(t, created.URL)

	reconcileBody := fmt.Sprintf(`{"providerSessionId":%q}`, created.SessionID)

	// Still open at the provider.
	rec = ts.do(t, http.MethodPost, "/sessions/reconcile", reconcileBody)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, decodeBody[map[string]any](t, rec)["processed"].(bool))

	ts.provider.Complete(created.SessionID)

	rec = ts.do(t, http.MethodPost, "/sessions/reconcile", reconcileBody)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, res["processed"])
	assert.EqualValues(t, 10, res["creditsGranted"])

	rec = ts.do(t, http.MethodPost, "/sessions/reconcile", reconcileBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["alreadyProcessed"])

	bal, err := ts.engine.Balance(context.Background(), "org_1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.Available)
}

func TestCheckoutValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"unknown kind", `{"kind":"gift","successUrl":"https://a.test","cancelUrl":"https://a.test"}`, "kind"},
		{"bad success url", `{"kind":"topup","credits":5,"successUrl":"nope","cancelUrl":"https://a.test"}`, "successUrl"},
		{"subscription without plan", `{"kind":"subscription","successUrl":"https://a.test","cancelUrl":"https://a.test"}`, "planCode"},
		{"bad email", `{"kind":"topup","credits":5,"customerEmail":"x","successUrl":"https://a.test","cancelUrl":"https://a.test"}`, "customerEmail"},
		{"malformed body", `{"kind":`, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/orgs/org_1/checkout", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.field, decodeBody[errorResponse](t, rec).Field)
		})
	}
}

func TestReconcileErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/sessions/reconcile", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sessions/reconcile", `{"providerSessionId":"cs_missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/orgs/org_1/checkout", topupBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[checkoutResponse](t, rec)

	// An unreachable provider is reported as still processing.
	ts.provider.Complete(created.SessionID)
	ts.provider.FailNext(1, credits.ErrProviderUnavailable)
	body := fmt.Sprintf(`{"providerSessionId":%q}`, created.SessionID)
	rec = ts.do(t, http.MethodPost, "/sessions/reconcile", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	deferred := decodeBody[map[string]any](t, rec)
	assert.Equal(t, false, deferred["processed"])
	assert.Equal(t, false, deferred["alreadyProcessed"])
	assert.Equal(t, "processing", deferred["status"])
	assert.Equal(t, created.SessionID, deferred["sessionId"])

	rec = ts.do(t, http.MethodPost, "/sessions/reconcile", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["processed"])

	// Without a provider there is nothing to wait for.
	bare := credits.New(memory.New(), credits.WithSweepSchedule(""))
	rec = httptest.NewRecorder()
	NewServer(bare).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/reconcile", strings.NewReader(body)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReconcileWait(t *testing.T) {
	ts := newTestServer(t, credits.WithPollConfig(credits.PollConfig{Attempts: 3, Interval: time.Millisecond}))

	rec := ts.do(t, http.MethodPost, "/orgs/org_1/checkout", topupBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[checkoutResponse](t, rec)
	body := fmt.Sprintf(`{"providerSessionId":%q}`, created.SessionID)

	// Still open after every attempt.
	rec = ts.do(t, http.MethodPost, "/sessions/reconcile?wait=true", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "processing", decodeBody[map[string]any](t, rec)["status"])
	fetched := ts.provider.Fetches()

	// Outages inside the budget are absorbed.
	ts.provider.Complete(created.SessionID)
	ts.provider.FailNext(2, nil)
	rec = ts.do(t, http.MethodPost, "/sessions/reconcile?wait=true", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["processed"])
	assert.Equal(t, fetched+3, ts.provider.Fetches())

	rec = ts.do(t, http.MethodPost, "/sessions/reconcile?wait=soon", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "wait", decodeBody[errorResponse](t, rec).Field)
}

func TestSubscriptionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/orgs/org_1/subscription", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	rec = ts.do(t, http.MethodPost, "/orgs/org_1/portal", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/orgs/org_1/checkout", `{"kind":"subscription","planCode":"growth",
		"successUrl":"https://app.example.test/ok","cancelUrl":"https://app.example.test/cancel"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[checkoutResponse](t, rec)
	ts.provider.Complete(created.SessionID)

	rec = ts.do(t, http.MethodPost, "/sessions/reconcile", fmt.Sprintf(`{"providerSessionId":%q}`, created.SessionID))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/orgs/org_1/subscription", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decodeBody[map[string]any](t, rec)["status"])

	rec = ts.do(t, http.MethodPost, "/orgs/org_1/portal", `{"returnUrl":"https://app.example.test/billing"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody[portalResponse](t, rec).URL)

	rec = ts.do(t, http.MethodPost, "/orgs/org_1/subscription/cancel", `{"reason":"too expensive","cancelImmediately":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["cancelledImmediately"])

	rec = ts.do(t, http.MethodPost, "/orgs/org_1/subscription/cancel", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPricing(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/pricing?usageUnits=35&currency=gbp&billingPeriod=monthly&modules=compliance", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	quote := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "gbp", quote["currency"])

	rec = ts.do(t, http.MethodGet, "/pricing?usageUnits=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "usageUnits", decodeBody[errorResponse](t, rec).Field)

	rec = ts.do(t, http.MethodGet, "/pricing?billingPeriod=weekly", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "billingPeriod", decodeBody[errorResponse](t, rec).Field)
}

func TestIdentityCredits(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"org_a", "org_b"} {
		require.NoError(t, ts.engine.RegisterOrganization(ctx, &organization.Organization{
			ID:           id,
			BillingEmail: "Owner@Example.test",
		}))
	}
	ts.grant(t, "org_a", 4)
	ts.grant(t, "org_b", 6)

	rec := ts.do(t, http.MethodGet, "/identities/owner@example.test/credits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	agg := decodeBody[organization.Aggregate](t, rec)
	assert.True(t, agg.HasDuplicates)
	assert.Equal(t, int64(10), agg.Total)
	assert.Len(t, agg.Organizations, 2)
}

func TestRequestIDAndHealth(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))

	rec = ts.do(t, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{credits.ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest},
		{&credits.InsufficientCreditsError{Requested: 1}, http.StatusPaymentRequired},
		{credits.ErrSessionNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", credits.ErrOrganizationNotFound), http.StatusNotFound},
		{credits.ErrCustomerNotLinked, http.StatusConflict},
		{credits.ErrConflict, http.StatusConflict},
		{credits.ErrSubscriptionCanceled, http.StatusConflict},
		{credits.ErrStillProcessing, http.StatusAccepted},
		{credits.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{credits.ErrProviderNotConfigured, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
