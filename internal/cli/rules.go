package cli

import (
	"github.com/spf13/cobra"

	"fxwatch/internal/monitor"
)

var (
	ruleUser      string
	rulePair      string
	ruleThreshold string
	ruleDirection string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage alert rules",
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an alert rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AddRule(cmd.Context(), monitor.RuleInput{
			UserID:    ruleUser,
			Pair:      rulePair,
			Threshold: ruleThreshold,
			Direction: ruleDirection,
		})
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's alert rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListRules(cmd.Context(), ruleUser)
	},
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable RULE_ID",
	Short: "Disable an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetRuleActive(cmd.Context(), args[0], false)
	},
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable RULE_ID",
	Short: "Re-enable an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetRuleActive(cmd.Context(), args[0], true)
	},
}

func init() {
	rulesAddCmd.Flags().StringVar(&ruleUser, "user", "", "Owner user id")
	rulesAddCmd.Flags().StringVar(&rulePair, "pair", "", "Currency pair, e.g. USD/NGN")
	rulesAddCmd.Flags().StringVar(&ruleThreshold, "threshold", "", "Threshold rate")
	rulesAddCmd.Flags().StringVar(&ruleDirection, "direction", "above", "above or below")
	_ = rulesAddCmd.MarkFlagRequired("user")
	_ = rulesAddCmd.MarkFlagRequired("pair")
	_ = rulesAddCmd.MarkFlagRequired("threshold")

	rulesListCmd.Flags().StringVar(&ruleUser, "user", "", "Owner user id")
	_ = rulesListCmd.MarkFlagRequired("user")

	rulesCmd.AddCommand(rulesAddCmd, rulesListCmd, rulesDisableCmd, rulesEnableCmd)
}
