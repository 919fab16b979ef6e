package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fxwatch/internal/app"
)

var (
	replayDryRun  bool
	replayPublish bool
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Replay transaction events from a JSONL file",
	Long: `Replay transaction events from a JSONL file, one event per line.

By default events go straight through the referral reward engine. With --publish
they are sent to the configured broker instead, for the running consumer to pick up.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayDryRun && replayPublish {
			return fmt.Errorf("--dry-run and --publish are mutually exclusive")
		}
		return getApp().Replay(cmd.Context(), app.ReplayOptions{
			Path:    args[0],
			DryRun:  replayDryRun,
			Publish: replayPublish,
		})
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Only decode and validate events")
	replayCmd.Flags().BoolVar(&replayPublish, "publish", false, "Publish events to the configured broker")
}
