package referral

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"fxwatch/internal/faults"
	"fxwatch/internal/metrics"
	"fxwatch/internal/scheduler"
	"fxwatch/internal/storage"
)

// RetryOptions tune the retry worker.
type RetryOptions struct {
	MaxAttempts int
	// Grace skips rewards updated more recently than this so an in-flight credit is not raced.
	Grace     time.Duration
	BatchSize int
}

// RetryWorker re-credits pending and failed rewards out of band.
type RetryWorker struct {
	rewards storage.RewardStore
	opts    RetryOptions
	deps    Deps
	logger  zerolog.Logger
	now     func() time.Time
}

// RetryReport summarises one pass.
type RetryReport struct {
	Scanned  int
	Credited int
	Failed   int
}

// NewRetryWorker builds a RetryWorker.
func NewRetryWorker(rewards storage.RewardStore, opts RetryOptions, deps Deps, logger zerolog.Logger) *RetryWorker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &RetryWorker{
		rewards: rewards,
		opts:    opts,
		deps:    deps,
		logger:  logger.With().Str("component", "reward_retry").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes RunOnce on every scheduler tick until ctx is cancelled.
func (w *RetryWorker) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	err := sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		report, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if report.Scanned > 0 {
			w.logger.Info().Int("scanned", report.Scanned).Int("credited", report.Credited).Int("failed", report.Failed).Msg("reward retry pass completed")
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce retries one batch of unfinished rewards.
func (w *RetryWorker) RunOnce(ctx context.Context) (RetryReport, error) {
	var report RetryReport
	due, err := w.rewards.ListRetryableRewards(ctx, w.opts.MaxAttempts, w.now().Add(-w.opts.Grace), w.opts.BatchSize)
	if err != nil {
		return report, faults.Transient("list retryable rewards", err)
	}
	report.Scanned = len(due)

	for _, reward := range due {
		if err := w.rewards.CreditReward(ctx, reward.ID); err != nil {
			report.Failed++
			w.deps.Metrics.Reward("retry_failed")
			w.deps.Observer.Observe("reward_retry", faults.Transient("credit reward", err), "reward_id", reward.ID)
			if markErr := w.rewards.MarkRewardFailed(ctx, reward.ID, err.Error()); markErr != nil {
				w.deps.Observer.Observe("reward_retry", markErr, "reward_id", reward.ID)
			}
			continue
		}
		report.Credited++
		w.deps.Metrics.Reward("retry_credited")
		w.logger.Info().Str("reward_id", reward.ID).Int("attempts", reward.Attempts+1).Msg("reward credited on retry")
	}
	return report, nil
}
