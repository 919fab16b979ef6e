package cli

import (
	"github.com/spf13/cobra"

	"fxwatch/internal/app"
)

var (
	feeFrom  string
	feeTo    string
	feeQuote bool
)

var feeCmd = &cobra.Command{
	Use:   "fee AMOUNT",
	Short: "Calculate the transfer fee for an amount",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Fee(cmd.Context(), app.FeeOptions{
			Amount: args[0],
			From:   feeFrom,
			To:     feeTo,
			Quote:  feeQuote,
		})
	},
}

func init() {
	feeCmd.Flags().StringVar(&feeFrom, "from", "", "Source currency (ISO 4217)")
	feeCmd.Flags().StringVar(&feeTo, "to", "", "Target currency (ISO 4217)")
	feeCmd.Flags().BoolVar(&feeQuote, "quote", false, "Also convert the net amount at the live rate")
	_ = feeCmd.MarkFlagRequired("from")
	_ = feeCmd.MarkFlagRequired("to")
}
