package cli

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fxwatch/internal/app"
	"fxwatch/internal/money"
)

var tickRates []string

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one monitoring pass over all active rules",
	Long: `Run one monitoring pass over all active rules.

With --rate the pass uses the given fixed rates instead of the live provider,
e.g. --rate USD/NGN=1512.25, which simulates a market move end to end.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.TickOptions{}
		if len(tickRates) > 0 {
			opts.Rates = make(map[money.Pair]decimal.Decimal, len(tickRates))
		}
		for _, raw := range tickRates {
			pairRaw, rateRaw, ok := strings.Cut(raw, "=")
			if !ok {
				return fmt.Errorf("invalid --rate %q, want PAIR=RATE", raw)
			}
			pair, err := money.ParsePair(pairRaw)
			if err != nil {
				return err
			}
			rate, err := money.ParseAmount(rateRaw)
			if err != nil {
				return err
			}
			if !rate.IsPositive() {
				return fmt.Errorf("--rate %s must be positive", pair)
			}
			opts.Rates[pair] = rate
		}
		return getApp().Tick(cmd.Context(), opts)
	},
}

func init() {
	tickCmd.Flags().StringArrayVar(&tickRates, "rate", nil, "Fixed rate to use instead of the provider (PAIR=RATE, repeatable)")
}
