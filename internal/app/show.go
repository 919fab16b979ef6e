package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"fxwatch/internal/money"
)

// ShowRewards prints recent referral rewards.
func (a *App) ShowRewards(ctx context.Context, opts ShowOptions) error {
	st, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	rewards, err := st.ListRecentRewards(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(rewards) == 0 {
		fmt.Fprintln(a.Out, "no rewards found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tReferrer\tReferee\tTransaction\tAmount\tStatus\tAttempts\tError")

	for _, reward := range rewards {
		errMsg := ""
		if reward.LastError != nil {
			errMsg = sanitizeInline(*reward.LastError)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			reward.CreatedAt.UTC().Format(time.RFC3339),
			reward.ReferrerID,
			reward.RefereeID,
			reward.TransactionID,
			money.Format(reward.Amount, reward.Currency),
			reward.Status,
			reward.Attempts,
			errMsg,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
