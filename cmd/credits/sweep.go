package main

import (
	"fmt"

	"github.com/spf13/cobra"

	credits "github.com/inspect360/credits"
)

// newSweepCmd runs the expiry and renewal sweeps once, for deployments that
// schedule them externally.
func newSweepCmd(a *app) *cobra.Command {
	var skipExpiry, skipRenewal bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed credits and renew due subscriptions once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}

			opts, err := a.engineOptions()
			if err != nil {
				_ = st.Close()
				return err
			}
			engine := credits.New(st, append(opts, credits.WithSweepSchedule(""))...)
			if err := engine.Start(ctx); err != nil {
				_ = st.Close()
				return err
			}
			defer engine.Stop()

			var expired, renewed int
			if !skipExpiry {
				if expired, err = engine.SweepExpired(ctx); err != nil {
					return fmt.Errorf("expiry sweep: %w", err)
				}
			}
			if !skipRenewal {
				if renewed, err = engine.RenewDue(ctx); err != nil {
					return fmt.Errorf("renewal sweep: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d credits, renewed %d subscriptions\n", expired, renewed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipExpiry, "skip-expiry", false, "Do not run the expiry sweep")
	cmd.Flags().BoolVar(&skipRenewal, "skip-renewal", false, "Do not run the renewal sweep")
	return cmd
}
