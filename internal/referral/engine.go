package referral

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/events"
	"fxwatch/internal/faults"
	"fxwatch/internal/metrics"
	"fxwatch/internal/money"
	"fxwatch/internal/rates"
	"fxwatch/internal/storage"
)

// Outcome is the result of processing one transaction event.
type Outcome string

const (
	OutcomeInvalid    Outcome = "invalid"
	OutcomeIneligible Outcome = "ineligible"
	OutcomeZero       Outcome = "zero"
	OutcomeCredited   Outcome = "credited"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeFailed     Outcome = "failed"
)

var hundred = decimal.NewFromInt(100)

// Policy sizes rewards. Percent is in percent of the qualifying transaction; a zero
// MaxAmount means uncapped. MaxAmount is expressed in the referrer's currency.
type Policy struct {
	Percent   decimal.Decimal
	MaxAmount decimal.Decimal
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if !p.Percent.IsPositive() {
		return faults.FatalConfig("reward policy", "percent must be positive")
	}
	if p.MaxAmount.IsNegative() {
		return faults.FatalConfig("reward policy", "max amount cannot be negative")
	}
	return nil
}

// Deps carries optional collaborators.
type Deps struct {
	Observer *faults.Observer
	Metrics  *metrics.Metrics
}

// Engine credits a referrer once when a referred user completes their first transaction.
type Engine struct {
	referrals storage.ReferralStore
	rewards   storage.RewardStore
	rates     rates.Provider
	policy    Policy
	deps      Deps
	logger    zerolog.Logger
}

// NewEngine validates the policy and wires the stores.
func NewEngine(referrals storage.ReferralStore, rewards storage.RewardStore, provider rates.Provider, policy Policy, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if referrals == nil || rewards == nil || provider == nil {
		return nil, faults.FatalConfig("new referral engine", "referral store, reward store and rate provider are required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		referrals: referrals,
		rewards:   rewards,
		rates:     provider,
		policy:    policy,
		deps:      deps,
		logger:    logger.With().Str("component", "referral").Logger(),
	}, nil
}

// Handle is the events.Handler entry point. Failures never reach the transaction flow:
// they are observed, and only retryable ones are returned so the source redelivers.
func (e *Engine) Handle(ctx context.Context, ev events.TransactionEvent) error {
	outcome, err := e.Process(ctx, ev)
	e.deps.Metrics.Reward(string(outcome))
	if err == nil {
		return nil
	}
	kind := e.deps.Observer.Observe("referral", err, "transaction_id", ev.TransactionID, "user_id", ev.UserID)
	if kind == faults.KindTransient || kind == faults.KindUnknown {
		return err
	}
	return nil
}

// Process runs the eligibility and reward pipeline for one event and reports what
// happened. A redelivered event yields OutcomeDuplicate with a nil error.
func (e *Engine) Process(ctx context.Context, ev events.TransactionEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return OutcomeInvalid, err
	}

	ref, err := e.referrals.GetReferral(ctx, ev.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return OutcomeIneligible, nil
	}
	if err != nil {
		return OutcomeFailed, faults.Transient("get referral", err)
	}
	if ref.ReferrerID == "" || ref.ReferrerID == ev.UserID {
		return OutcomeIneligible, nil
	}

	first, err := e.referrals.RecordTransaction(ctx, storage.CompletedTransaction{
		TransactionID: ev.TransactionID,
		UserID:        ev.UserID,
		Amount:        ev.Amount,
		Currency:      ev.Currency,
		CompletedAt:   ev.CompletedAt,
	})
	if err != nil {
		return OutcomeFailed, faults.Transient("record transaction", err)
	}
	if !first {
		return OutcomeIneligible, nil
	}

	amount, currency, err := e.rewardAmount(ctx, ev, ref)
	if err != nil {
		return OutcomeFailed, err
	}
	if !amount.IsPositive() {
		e.logger.Info().Str("transaction_id", ev.TransactionID).Msg("reward rounds to zero; skipping")
		return OutcomeZero, nil
	}

	reward, err := e.rewards.InsertReward(ctx, storage.ReferralReward{
		ReferrerID:    ref.ReferrerID,
		RefereeID:     ev.UserID,
		TransactionID: ev.TransactionID,
		Amount:        amount,
		Currency:      currency,
		Status:        storage.RewardPending,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return e.resume(ctx, ref.ReferrerID, ev.UserID)
	}
	if err != nil {
		return OutcomeFailed, faults.Transient("insert reward", err)
	}

	if err := e.credit(ctx, reward); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeCredited, nil
}

// rewardAmount applies the policy in the event currency, converts into the referrer's
// currency, rounds half-even to its minor unit and clamps to the cap.
func (e *Engine) rewardAmount(ctx context.Context, ev events.TransactionEvent, ref storage.Referral) (decimal.Decimal, money.Currency, error) {
	target := ref.ReferrerCurrency
	if target == "" {
		target = ev.Currency
	}

	base := ev.Amount.Mul(e.policy.Percent).Div(hundred)
	rate := decimal.NewFromInt(1)
	if target != ev.Currency {
		pair := money.Pair{From: ev.Currency, To: target}
		snap, err := e.rates.GetRate(ctx, pair)
		if err != nil {
			return decimal.Decimal{}, "", conversionError(pair, err)
		}
		rate = snap.Rate
	}

	amount := money.Convert(base, rate, target)
	if !e.policy.MaxAmount.IsZero() && amount.GreaterThan(e.policy.MaxAmount) {
		amount = money.Round(e.policy.MaxAmount, target)
	}
	return amount, target, nil
}

// conversionError keeps the provider's classification. Unclassified network failures
// become transient; anything else stays unknown and is bounded by the source's retries.
func conversionError(pair money.Pair, err error) error {
	op := "convert reward " + pair.String()
	if faults.KindOf(err) == faults.KindUnknown {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return faults.Transient(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// resume handles a redelivery: the reward row already exists, so only an unfinished
// credit is retried. The duplicate itself is an idempotency conflict and counts as success.
func (e *Engine) resume(ctx context.Context, referrerID, refereeID string) (Outcome, error) {
	existing, err := e.rewards.GetRewardByPair(ctx, referrerID, refereeID)
	if err != nil {
		return OutcomeFailed, faults.Transient("load existing reward", err)
	}
	e.deps.Observer.Observe("referral", faults.Conflict("insert reward", storage.ErrDuplicate), "reward_id", existing.ID)
	if existing.Status == storage.RewardCredited {
		return OutcomeDuplicate, nil
	}
	if err := e.credit(ctx, existing); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeDuplicate, nil
}

func (e *Engine) credit(ctx context.Context, reward storage.ReferralReward) error {
	if err := e.rewards.CreditReward(ctx, reward.ID); err != nil {
		creditErr := faults.Transient("credit reward", err)
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if markErr := e.rewards.MarkRewardFailed(markCtx, reward.ID, err.Error()); markErr != nil {
			return errors.Join(creditErr, fmt.Errorf("mark reward %s failed: %w", reward.ID, markErr))
		}
		return creditErr
	}
	e.logger.Info().
		Str("reward_id", reward.ID).
		Str("referrer_id", reward.ReferrerID).
		Str("referee_id", reward.RefereeID).
		Str("amount", money.Format(reward.Amount, reward.Currency)).
		Msg("referral reward credited")
	return nil
}
