package extension

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/provider/fake"
	"github.com/inspect360/credits/store/memory"
)

func TestMergeWithDefaults(t *testing.T) {
	e := New()
	cfg := e.mergeWithDefaults(Config{SweepSchedule: "@every 5m"})

	assert.Equal(t, "/credits", cfg.BasePath)
	assert.Equal(t, "@every 5m", cfg.SweepSchedule)
	assert.Equal(t, 10*time.Second, cfg.ProviderTimeout)
}

func TestMergeConfigurationsPrefersFile(t *testing.T) {
	e := New()
	file := Config{BasePath: "/billing", ProviderTimeout: 3 * time.Second}
	programmatic := Config{
		BasePath:        "/ignored",
		DisableRoutes:   true,
		StripeSecretKey: "sk_test_123",
		ProviderTimeout: time.Minute,
	}

	cfg := e.mergeConfigurations(file, programmatic)
	assert.Equal(t, "/billing", cfg.BasePath)
	assert.Equal(t, 3*time.Second, cfg.ProviderTimeout)
	assert.True(t, cfg.DisableRoutes)
	assert.Equal(t, "sk_test_123", cfg.StripeSecretKey)
	assert.Equal(t, credits.DefaultSweepSchedule, cfg.SweepSchedule)
}

func TestEngineOptionsSelectProvider(t *testing.T) {
	t.Run("stripe from config", func(t *testing.T) {
		e := New(WithStripe("sk_test_123", ""))
		e.config = e.mergeWithDefaults(e.config)
		engine := credits.New(memory.New(), e.buildEngineOpts()...)
		require.NotNil(t, engine.Provider())
		assert.Equal(t, "stripe", engine.Provider().Name())
	})

	t.Run("programmatic provider wins", func(t *testing.T) {
		e := New(WithStripe("sk_test_123", ""), WithProvider(fake.New()))
		e.config = e.mergeWithDefaults(e.config)
		engine := credits.New(memory.New(), e.buildEngineOpts()...)
		assert.Equal(t, "fake", engine.Provider().Name())
	})

	t.Run("no provider", func(t *testing.T) {
		e := New()
		e.config = e.mergeWithDefaults(e.config)
		engine := credits.New(memory.New(), e.buildEngineOpts()...)
		assert.Nil(t, engine.Provider())
	})
}

func TestHandlerIsMountedUnderBasePath(t *testing.T) {
	e := New(WithBasePath("/billing/"), WithSweepSchedule(""))
	e.config = e.mergeWithDefaults(e.config)
	e.store = memory.New()
	e.engine = credits.New(e.store, e.buildEngineOpts()...)
	e.server = e.buildServer()

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/billing/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	disabled := New(WithDisableRoutes())
	disabled.config = disabled.mergeWithDefaults(disabled.config)
	assert.Nil(t, disabled.buildServer())
	assert.Nil(t, disabled.Handler())
}
