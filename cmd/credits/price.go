package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/store/memory"
)

func newPriceCmd(a *app) *cobra.Command {
	var (
		req    pricing.Request
		period string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "price",
		Short: "Quote a monthly usage volume against the catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.BillingPeriod = pricing.BillingPeriod(period)
			engine := credits.New(memory.New(), credits.WithLogger(a.logger), credits.WithSweepSchedule(""))

			quote, err := engine.Price(req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(quote)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Tier\t%s (%d included)\n", quote.Tier, quote.IncludedUsageUnits)
			fmt.Fprintf(w, "Tier price\t%s\n", quote.TierPrice.Amount)
			fmt.Fprintf(w, "Overage\t%d x %s = %s\n", quote.OverageUnits, quote.OverageUnitPrice.Amount, quote.OverageCost)
			for _, m := range quote.Modules {
				fmt.Fprintf(w, "Module %s\t%s\n", m.Code, m.Price.Amount)
			}
			fmt.Fprintf(w, "Total\t%s\n", quote.Total)
			if quote.Converted {
				fmt.Fprintf(w, "FX rate\t%s\n", quote.FXRate)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int64Var(&req.UsageUnits, "usage", 0, "Inspections per month")
	cmd.Flags().StringVar(&req.Currency, "currency", "", "Currency code (default: catalogue base)")
	cmd.Flags().StringVar(&period, "period", string(pricing.Monthly), "Billing period: monthly or annual")
	cmd.Flags().StringSliceVar(&req.Modules, "module", nil, "Add-on module code (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}
