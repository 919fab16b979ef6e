package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"fxwatch/internal/fees"
	"fxwatch/internal/money"
)

// FeeOptions configure the fee command.
type FeeOptions struct {
	Amount string
	From   string
	To     string
	// Quote also converts the net amount at the live rate.
	Quote bool
}

// Fee prints the fee breakdown for a transfer.
func (a *App) Fee(ctx context.Context, opts FeeOptions) error {
	amount, err := money.ParseAmount(opts.Amount)
	if err != nil {
		return err
	}
	pair, err := money.NewPair(opts.From, opts.To)
	if err != nil {
		return err
	}
	table, err := a.feeTable()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	if !opts.Quote {
		b, err := fees.Calculate(amount, pair.From, pair.To, table)
		if err != nil {
			return err
		}
		writeBreakdown(w, b)
		return w.Flush()
	}

	provider, err := a.newRateProvider()
	if err != nil {
		return err
	}
	q, err := fees.NewQuoter(table, provider).Quote(ctx, amount, pair.From, pair.To)
	if err != nil {
		return err
	}
	writeBreakdown(w, q.Breakdown)
	fmt.Fprintf(w, "Rate\t%s (as of %s)\n", q.Rate, q.RateAsOf.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Received\t%s\n", money.Format(q.Received, q.To))
	return w.Flush()
}

func writeBreakdown(w *tabwriter.Writer, b fees.Breakdown) {
	fmt.Fprintf(w, "Amount\t%s\n", money.Format(b.Amount, b.From))
	fmt.Fprintf(w, "Percent fee\t%s%%\n", b.PercentFee)
	fmt.Fprintf(w, "Fee\t%s\n", money.Format(b.Fee, b.To))
	fmt.Fprintf(w, "Net\t%s\n", money.Format(b.Net, b.To))
}
