package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fxwatch/internal/faults"
	"fxwatch/internal/metrics"
	"fxwatch/internal/money"
	"fxwatch/internal/notify"
	"fxwatch/internal/rates"
	"fxwatch/internal/scheduler"
	"fxwatch/internal/storage"
)

// Dispatcher delivers a fired alert. A non-nil error makes the monitor re-arm the rule.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert notify.Alert) error
}

// Options tune the monitor.
type Options struct {
	Workers        int
	FetchTimeout   time.Duration
	RearmMarginPct decimal.Decimal
	// BaseBackoff is the first delay applied to a pair after repeated fetch failures.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// LockKey is the advisory lock that keeps a second process from ticking.
	LockKey int64
}

// Deps carries optional collaborators.
type Deps struct {
	Locker   storage.AdvisoryLocker
	Observer *faults.Observer
	Metrics  *metrics.Metrics
}

// TickReport summarises one tick.
type TickReport struct {
	Skipped       bool
	Rules         int
	Pairs         int
	PairsFailed   int
	PairsDeferred int
	Fired         int
	Rearmed       int
	Reverted      int
	Conflicts     int
	Errors        int
	Duration      time.Duration
}

// Monitor evaluates active alert rules against live rates.
type Monitor struct {
	rules      storage.RuleStore
	provider   rates.Provider
	dispatcher Dispatcher
	opts       Options
	deps       Deps
	backoff    *pairBackoff
	logger     zerolog.Logger
	now        func() time.Time
	running    atomic.Bool
}

// New validates the collaborators. Missing collaborators are a fatal configuration error.
func New(rules storage.RuleStore, provider rates.Provider, dispatcher Dispatcher, opts Options, deps Deps, logger zerolog.Logger) (*Monitor, error) {
	if rules == nil || provider == nil || dispatcher == nil {
		return nil, faults.FatalConfig("new monitor", "rule store, rate provider and dispatcher are required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Minute
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Minute
	}
	return &Monitor{
		rules:      rules,
		provider:   provider,
		dispatcher: dispatcher,
		opts:       opts,
		deps:       deps,
		backoff:    newPairBackoff(opts.BaseBackoff, opts.MaxBackoff),
		logger:     logger.With().Str("component", "monitor").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run drives Tick from the scheduler until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	m.logger.Info().Int("workers", m.opts.Workers).Msg("rate monitor started")
	err := sched.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		report, err := m.Tick(ctx)
		if err != nil {
			return err
		}
		m.logReport(bucket, report)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		m.logger.Info().Msg("rate monitor stopped")
		return nil
	}
	return err
}

// Tick runs one monitoring pass. It returns an error only when the pass could not start
// (rules unreadable); per-pair and per-rule failures are observed and counted.
func (m *Monitor) Tick(ctx context.Context) (TickReport, error) {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Warn().Msg("previous tick still running; skipping")
		return TickReport{Skipped: true}, nil
	}
	defer m.running.Store(false)

	started := time.Now()
	report, err := m.tick(ctx)
	report.Duration = time.Since(started)

	switch {
	case err != nil:
		m.deps.Metrics.Tick(metrics.TickFailed, report.Duration)
	case report.Skipped:
		m.deps.Metrics.Tick(metrics.TickSkipped, report.Duration)
	default:
		m.deps.Metrics.Tick(metrics.TickCompleted, report.Duration)
	}
	return report, err
}

func (m *Monitor) tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	now := m.now()

	if m.deps.Locker != nil {
		unlock, acquired, err := m.deps.Locker.TryAdvisoryLock(ctx, m.opts.LockKey)
		if err != nil {
			return report, faults.Transient("acquire monitor lock", err)
		}
		if !acquired {
			m.logger.Warn().Int64("lock_key", m.opts.LockKey).Msg("another instance holds the monitor lock; skipping")
			report.Skipped = true
			return report, nil
		}
		defer unlock()
	}

	rules, err := m.rules.ListActiveRules(ctx)
	if err != nil {
		return report, faults.Transient("list active rules", err)
	}
	report.Rules = len(rules)
	if len(rules) == 0 {
		return report, nil
	}

	snapshots := m.fetchRates(ctx, now, distinctPairs(rules), &report)

	var counters tickCounters
	group := new(errgroup.Group)
	group.SetLimit(m.opts.Workers)
	for _, rule := range rules {
		snap, ok := snapshots[rule.Pair]
		if !ok {
			continue
		}
		group.Go(func() error {
			m.processSafe(ctx, rule, snap, &counters)
			return nil
		})
	}
	_ = group.Wait()

	counters.fill(&report)
	return report, nil
}

func distinctPairs(rules []storage.AlertRule) []money.Pair {
	seen := make(map[money.Pair]struct{}, len(rules))
	pairs := make([]money.Pair, 0, len(rules))
	for _, r := range rules {
		if _, ok := seen[r.Pair]; ok {
			continue
		}
		seen[r.Pair] = struct{}{}
		pairs = append(pairs, r.Pair)
	}
	return pairs
}

// fetchRates fetches one snapshot per pair concurrently. Failed and backed-off pairs are
// absent from the result so only their rules are skipped. Backoff is measured from now,
// the start of the tick.
func (m *Monitor) fetchRates(ctx context.Context, now time.Time, pairs []money.Pair, report *TickReport) map[money.Pair]rates.Snapshot {
	var mu sync.Mutex
	out := make(map[money.Pair]rates.Snapshot, len(pairs))

	group := new(errgroup.Group)
	group.SetLimit(m.opts.Workers)
	for _, pair := range pairs {
		if !m.backoff.ready(pair, now) {
			m.deps.Metrics.RateFetch(pair.String(), "deferred")
			mu.Lock()
			report.PairsDeferred++
			mu.Unlock()
			continue
		}
		group.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
			defer cancel()

			snap, err := m.provider.GetRate(fetchCtx, pair)
			mu.Lock()
			defer mu.Unlock()
			report.Pairs++
			if err != nil {
				report.PairsFailed++
				delay := m.backoff.failure(pair, now)
				m.deps.Metrics.RateFetch(pair.String(), "failed")
				m.deps.Observer.Observe("monitor", err, "pair", pair.String(), "backoff", delay.String())
				return nil
			}
			m.backoff.success(pair)
			m.deps.Metrics.RateFetch(pair.String(), "ok")
			out[pair] = snap
			return nil
		})
	}
	_ = group.Wait()
	return out
}

type tickCounters struct {
	fired, rearmed, reverted, conflicts, errors atomic.Int64
}

func (c *tickCounters) fill(r *TickReport) {
	r.Fired = int(c.fired.Load())
	r.Rearmed = int(c.rearmed.Load())
	r.Reverted = int(c.reverted.Load())
	r.Conflicts = int(c.conflicts.Load())
	r.Errors = int(c.errors.Load())
}

// processSafe isolates one rule: errors and panics are observed and never escape.
func (m *Monitor) processSafe(ctx context.Context, rule storage.AlertRule, snap rates.Snapshot, counters *tickCounters) {
	defer func() {
		if rec := recover(); rec != nil {
			counters.errors.Add(1)
			err := fmt.Errorf("panic processing rule %s: %v", rule.ID, rec)
			m.deps.Observer.Observe("monitor", err, "rule_id", rule.ID, "stack", string(debug.Stack()))
		}
	}()

	if err := m.process(ctx, rule, snap, counters); err != nil {
		if faults.KindOf(err) == faults.KindIdempotencyConflict {
			counters.conflicts.Add(1)
			m.deps.Metrics.RuleTransition("conflict")
		} else {
			counters.errors.Add(1)
		}
		m.deps.Observer.Observe("monitor", err, "rule_id", rule.ID, "pair", rule.Pair.String())
	}
}

func (m *Monitor) process(ctx context.Context, rule storage.AlertRule, snap rates.Snapshot, counters *tickCounters) error {
	transition, err := Evaluate(rule, snap.Rate, m.opts.RearmMarginPct)
	if err != nil {
		return err
	}

	switch transition {
	case TransitionRearm:
		if _, err := m.writeState(ctx, rule, rule.Version, storage.RuleState{Armed: true, LastTriggeredAt: rule.LastTriggeredAt}); err != nil {
			return err
		}
		counters.rearmed.Add(1)
		m.deps.Metrics.RuleTransition("rearmed")
		m.logger.Debug().Str("rule_id", rule.ID).Str("rate", snap.Rate.String()).Msg("rule re-armed")
		return nil
	case TransitionFire:
		return m.fire(ctx, rule, snap, counters)
	default:
		return nil
	}
}

// fire claims the transition with a CAS before dispatching so a concurrent writer
// cannot cause a double send. A failed dispatch reverts the claim.
func (m *Monitor) fire(ctx context.Context, rule storage.AlertRule, snap rates.Snapshot, counters *tickCounters) error {
	triggeredAt := m.now()
	claimed, err := m.writeState(ctx, rule, rule.Version, storage.RuleState{Armed: false, LastTriggeredAt: &triggeredAt})
	if err != nil {
		return err
	}

	alert := notify.Alert{
		RuleID:      rule.ID,
		UserID:      rule.UserID,
		Pair:        rule.Pair,
		Direction:   rule.Direction,
		Threshold:   rule.Threshold,
		Rate:        snap.Rate,
		AsOf:        snap.AsOf,
		TriggeredAt: triggeredAt,
	}
	if dispatchErr := m.dispatch(ctx, alert); dispatchErr != nil {
		if _, revertErr := m.writeState(ctx, rule, claimed, storage.RuleState{Armed: true, LastTriggeredAt: rule.LastTriggeredAt}); revertErr != nil {
			return errors.Join(dispatchErr, fmt.Errorf("revert rule %s: %w", rule.ID, revertErr))
		}
		counters.reverted.Add(1)
		m.deps.Metrics.RuleTransition("reverted")
		return faults.Transient("dispatch alert", dispatchErr)
	}

	counters.fired.Add(1)
	m.deps.Metrics.RuleTransition("fired")
	m.logger.Info().
		Str("rule_id", rule.ID).
		Str("user_id", rule.UserID).
		Str("pair", rule.Pair.String()).
		Str("direction", string(rule.Direction)).
		Str("threshold", rule.Threshold.String()).
		Str("rate", snap.Rate.String()).
		Msg("alert fired")
	return nil
}

// dispatch converts a transport panic into an error so the claim is still reverted.
func (m *Monitor) dispatch(ctx context.Context, alert notify.Alert) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic dispatching alert for rule %s: %v", alert.RuleID, rec)
		}
	}()
	return m.dispatcher.Dispatch(ctx, alert)
}

func (m *Monitor) writeState(ctx context.Context, rule storage.AlertRule, expected int64, state storage.RuleState) (int64, error) {
	version, err := m.rules.UpdateRuleState(ctx, rule.ID, expected, state)
	switch {
	case err == nil:
		return version, nil
	case errors.Is(err, storage.ErrVersionConflict), errors.Is(err, storage.ErrNotFound):
		return 0, faults.Conflict("update rule state", err)
	default:
		return 0, faults.Transient("update rule state", err)
	}
}

func (m *Monitor) logReport(bucket time.Time, r TickReport) {
	if r.Skipped {
		return
	}
	m.logger.Info().
		Time("bucket", bucket).
		Int("rules", r.Rules).
		Int("pairs", r.Pairs).
		Int("pairs_failed", r.PairsFailed).
		Int("pairs_deferred", r.PairsDeferred).
		Int("fired", r.Fired).
		Int("rearmed", r.Rearmed).
		Int("reverted", r.Reverted).
		Int("conflicts", r.Conflicts).
		Int("errors", r.Errors).
		Dur("took", r.Duration).
		Msg("tick completed")
}
