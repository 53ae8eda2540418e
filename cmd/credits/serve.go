package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/api"
	"github.com/inspect360/credits/observability"
	"github.com/inspect360/credits/provider/stripe"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a)
		},
	}
	cmd.Flags().String("addr", ":8080", "Listen address")
	_ = a.v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	opts, err := a.engineOptions()
	if err != nil {
		_ = st.Close()
		return err
	}
	opts = append(opts,
		credits.WithSweepSchedule(a.cfg.SweepSchedule),
		credits.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(nil))),
	)
	engine := credits.New(st, opts...)
	// The engine owns the store from here; Stop closes it.
	if err := engine.Start(ctx); err != nil {
		_ = st.Close()
		return err
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			a.logger.Error("engine stop failed", "error", err)
		}
	}()

	var serverOpts []api.Option
	if a.cfg.StripeWebhookSecret != "" {
		serverOpts = append(serverOpts, api.WithWebhook(stripe.NewWebhookHandler(a.cfg.StripeWebhookSecret, engine)))
	}
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           api.NewServer(engine, serverOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("credits api listening",
			"addr", a.cfg.Addr,
			"driver", a.cfg.Driver,
			"provider", engine.Provider() != nil,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
