package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/notify"
	"github.com/inspect360/credits/provider/stripe"
	"github.com/inspect360/credits/store"
	"github.com/inspect360/credits/store/memory"
	"github.com/inspect360/credits/store/mongo"
	"github.com/inspect360/credits/store/postgres"
	"github.com/inspect360/credits/store/sqlite"
)

// app carries the resolved configuration to subcommands.
type app struct {
	v      *viper.Viper
	cfg    *config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	var configFile, envFile string

	rootCmd := &cobra.Command{
		Use:           "credits",
		Short:         "Inspection credit ledger and checkout reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.v, configFile, envFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	flags.StringVar(&envFile, "env-file", "", "Load environment from this file instead of ./.env")
	flags.String("driver", "memory", "Store driver: memory, sqlite, postgres or mongo")
	flags.String("dsn", "", "Store connection string or sqlite path")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	_ = a.v.BindPFlag("driver", flags.Lookup("driver"))
	_ = a.v.BindPFlag("dsn", flags.Lookup("dsn"))
	_ = a.v.BindPFlag("log_level", flags.Lookup("log-level"))

	rootCmd.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newSweepCmd(a),
		newPriceCmd(a),
	)
	return rootCmd
}

// openStore connects to the configured backend.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.Driver {
	case "memory", "":
		return memory.New(), nil
	case "sqlite":
		path := a.cfg.DSN
		if path == "" {
			path = "credits.db"
		}
		return sqlite.Open(path)
	case "postgres":
		if a.cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires --dsn or %s_DSN", EnvPrefix)
		}
		return postgres.Open(ctx, a.cfg.DSN)
	case "mongo":
		if a.cfg.DSN == "" {
			return nil, fmt.Errorf("mongo driver requires --dsn or %s_DSN", EnvPrefix)
		}
		return mongo.Open(ctx, a.cfg.DSN, a.cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store driver %q", a.cfg.Driver)
	}
}

// engineOptions builds the engine configuration shared by serve and sweep.
func (a *app) engineOptions() ([]credits.Option, error) {
	opts := []credits.Option{
		credits.WithLogger(a.logger),
		credits.WithProviderTimeout(a.cfg.ProviderTimeout),
	}
	if a.cfg.PortalReturnURL != "" {
		opts = append(opts, credits.WithPortalReturnURL(a.cfg.PortalReturnURL))
	}
	if a.cfg.StripeSecretKey != "" {
		opts = append(opts, credits.WithProvider(stripe.New(a.cfg.StripeSecretKey)))
	}
	if a.cfg.RedisURL != "" {
		pub, err := notify.NewRedisPublisherFromURL(a.cfg.RedisURL, "")
		if err != nil {
			return nil, err
		}
		opts = append(opts, credits.WithPublisher(pub))
	}
	return opts, nil
}
