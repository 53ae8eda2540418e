package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	credits "github.com/inspect360/credits"
)

// EnvPrefix namespaces every environment variable the command reads.
const EnvPrefix = "CREDITS"

type config struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	MongoDatabase string `mapstructure:"mongo_database"`

	Addr      string `mapstructure:"addr"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	StripeSecretKey     string        `mapstructure:"stripe_secret_key"`
	StripeWebhookSecret string        `mapstructure:"stripe_webhook_secret"`
	ProviderTimeout     time.Duration `mapstructure:"provider_timeout"`
	PortalReturnURL     string        `mapstructure:"portal_return_url"`

	RedisURL      string `mapstructure:"redis_url"`
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("driver", "memory")
	v.SetDefault("dsn", "")
	v.SetDefault("mongo_database", "credits")
	v.SetDefault("addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("stripe_secret_key", "")
	v.SetDefault("stripe_webhook_secret", "")
	v.SetDefault("provider_timeout", credits.DefaultProviderTimeout)
	v.SetDefault("portal_return_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("sweep_schedule", credits.DefaultSweepSchedule)
}

// loadConfig resolves configuration from, in increasing precedence:
// defaults, the config file, the environment (including .env), and flags
// already bound to v.
func loadConfig(v *viper.Viper, configFile, envFile string) (*config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	return &cfg, nil
}

func newLogger(cfg *config) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.LogFormat {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json", "":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
}
