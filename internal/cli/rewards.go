package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fxwatch/internal/app"
)

var rewardsLimit int

var rewardsCmd = &cobra.Command{
	Use:   "rewards",
	Short: "Inspect referral rewards",
}

var rewardsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent referral rewards",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rewardsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().ShowRewards(cmd.Context(), app.ShowOptions{Limit: rewardsLimit})
	},
}

func init() {
	rewardsShowCmd.Flags().IntVar(&rewardsLimit, "limit", 20, "Number of rewards to display")
	rewardsCmd.AddCommand(rewardsShowCmd)
}
