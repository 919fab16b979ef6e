package monitor

import (
	"github.com/shopspring/decimal"

	"fxwatch/internal/faults"
	"fxwatch/internal/storage"
)

// Transition is the state change a rate causes on a rule.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionFire
	TransitionRearm
)

func (t Transition) String() string {
	switch t {
	case TransitionFire:
		return "fire"
	case TransitionRearm:
		return "rearm"
	default:
		return "none"
	}
}

var hundred = decimal.NewFromInt(100)

// Evaluate applies the hysteresis rule. An above rule crosses when rate >= threshold and
// a below rule when rate <= threshold; a crossing fires only while armed. A disarmed rule
// re-arms once the rate is strictly back on the other side of the threshold, widened by
// marginPct percent of the threshold.
func Evaluate(rule storage.AlertRule, rate decimal.Decimal, marginPct decimal.Decimal) (Transition, error) {
	if !rule.Direction.Valid() {
		return TransitionNone, faults.Validation("evaluate rule", "rule %s has unknown direction %q", rule.ID, rule.Direction)
	}
	if !rule.Threshold.IsPositive() {
		return TransitionNone, faults.Validation("evaluate rule", "rule %s has non-positive threshold %s", rule.ID, rule.Threshold)
	}
	if !rate.IsPositive() {
		return TransitionNone, faults.Validation("evaluate rule", "rate %s for rule %s is not positive", rate, rule.ID)
	}

	band := rule.Threshold.Mul(marginPct).Div(hundred)

	var crossed, recovered bool
	switch rule.Direction {
	case storage.DirectionAbove:
		crossed = rate.GreaterThanOrEqual(rule.Threshold)
		recovered = rate.LessThan(rule.Threshold.Sub(band))
	case storage.DirectionBelow:
		crossed = rate.LessThanOrEqual(rule.Threshold)
		recovered = rate.GreaterThan(rule.Threshold.Add(band))
	}

	switch {
	case crossed && rule.Armed:
		return TransitionFire, nil
	case recovered && !rule.Armed:
		return TransitionRearm, nil
	default:
		return TransitionNone, nil
	}
}
