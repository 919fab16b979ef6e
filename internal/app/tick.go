package app

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"fxwatch/internal/money"
	"fxwatch/internal/rates"
)

// TickOptions configure a one-off monitoring pass. When Rates is non-empty the pass uses
// those fixed rates instead of the live provider, which simulates a market move.
type TickOptions struct {
	Rates map[money.Pair]decimal.Decimal
}

// Tick runs a single monitor pass and prints its report.
func (a *App) Tick(ctx context.Context, opts TickOptions) error {
	st, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	var provider rates.Provider
	if len(opts.Rates) > 0 {
		provider = rates.NewStatic(opts.Rates)
		a.Logger.Warn().Int("pairs", len(opts.Rates)).Msg("tick uses simulated rates")
	} else {
		provider, err = a.newRateProvider()
		if err != nil {
			return err
		}
	}

	mon, err := a.newMonitor(st, provider)
	if err != nil {
		return err
	}
	report, err := mon.Tick(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Fprintln(a.Out, "tick skipped: another instance holds the monitor lock")
		return nil
	}

	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Rules\tPairs\tFailed\tDeferred\tFired\tRearmed\tReverted\tConflicts\tErrors\tTook")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
		report.Rules, report.Pairs, report.PairsFailed, report.PairsDeferred,
		report.Fired, report.Rearmed, report.Reverted, report.Conflicts, report.Errors, report.Duration)
	return w.Flush()
}
