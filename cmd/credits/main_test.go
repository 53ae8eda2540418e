package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credits "github.com/inspect360/credits"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", writeEnv(t, "")))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeEnv creates an env file so tests never pick up a stray ./.env.
func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(viper.New(), "", writeEnv(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Driver)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 10*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, credits.DefaultSweepSchedule, cfg.SweepSchedule)
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "credits.yaml")
	require.NoError(t, os.WriteFile(file, []byte("driver: sqlite\naddr: \":9000\"\nprovider_timeout: 3s\n"), 0o600))

	t.Setenv("CREDITS_ADDR", ":9100")
	env := writeEnv(t, "CREDITS_REDIS_URL=redis://localhost:6379/0\n")
	t.Cleanup(func() { _ = os.Unsetenv("CREDITS_REDIS_URL") })

	cfg, err := loadConfig(viper.New(), file, env)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, ":9100", cfg.Addr, "environment overrides the file")
	assert.Equal(t, 3*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(&config{LogLevel: "debug", LogFormat: "text"})
	require.NoError(t, err)

	_, err = newLogger(&config{LogLevel: "loud"})
	require.Error(t, err)

	_, err = newLogger(&config{LogLevel: "info", LogFormat: "xml"})
	require.Error(t, err)
}

func TestPriceCommand(t *testing.T) {
	out, err := run(t, "price", "--usage", "35", "--currency", "gbp", "--module", "compliance", "--json")
	require.NoError(t, err)

	var quote map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &quote), out)
	assert.Equal(t, "gbp", quote["currency"])
	assert.EqualValues(t, 35, quote["usage_units"])

	out, err = run(t, "price", "--usage", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "Total")

	_, err = run(t, "price", "--period", "weekly")
	require.Error(t, err)
}

func TestMigrateAndSweepOnSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "credits.db")

	_, err := run(t, "migrate", "--driver", "sqlite", "--dsn", dsn, "--log-level", "error")
	require.NoError(t, err)

	out, err := run(t, "sweep", "--driver", "sqlite", "--dsn", dsn, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "expired 0 credits, renewed 0 subscriptions")
}

func TestUnknownDriver(t *testing.T) {
	_, err := run(t, "migrate", "--driver", "oracle")
	require.ErrorContains(t, err, "unknown store driver")
}
