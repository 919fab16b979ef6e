package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"fxwatch/internal/monitor"
	"fxwatch/internal/storage"
)

// AddRule creates an alert rule and prints its id.
func (a *App) AddRule(ctx context.Context, in monitor.RuleInput) error {
	st, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	rule, err := monitor.NewRuleService(st).Create(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.Out, rule.ID)
	return nil
}

// ListRules prints a user's rules.
func (a *App) ListRules(ctx context.Context, userID string) error {
	st, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	rules, err := monitor.NewRuleService(st).List(ctx, userID)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		fmt.Fprintln(a.Out, "no rules found")
		return nil
	}
	return writeRules(a, rules)
}

// SetRuleActive enables or disables a rule.
func (a *App) SetRuleActive(ctx context.Context, id string, active bool) error {
	st, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	rule, err := monitor.NewRuleService(st).Update(ctx, id, "", &active)
	if err != nil {
		return err
	}
	return writeRules(a, []storage.AlertRule{rule})
}

func writeRules(a *App, rules []storage.AlertRule) error {
	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPair\tDirection\tThreshold\tActive\tArmed\tLast triggered (UTC)")
	for _, r := range rules {
		last := "-"
		if r.LastTriggeredAt != nil {
			last = r.LastTriggeredAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\t%s\n", r.ID, r.Pair, r.Direction, r.Threshold, r.Active, r.Armed, last)
	}
	return w.Flush()
}
