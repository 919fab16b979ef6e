package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// TickTimeout bounds a single tick. The tick context is detached from Run's
	// context, so shutdown lets an in-flight tick finish within this budget.
	TickTimeout time.Duration
}

// Scheduler drives interval execution of a job with at most one tick in flight.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	running atomic.Bool
	skipped atomic.Int64
	wg      sync.WaitGroup
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = opts.Interval
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, starting the tick function at each interval until ctx is cancelled.
// A tick that is due while the previous one is still running is skipped. On
// cancellation Run waits for the in-flight tick before returning ctx.Err().
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	defer s.wg.Wait()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			if s.running.Load() {
				s.logger.Info().Msg("waiting for in-flight tick before shutdown")
			}
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.start(ctx, s.bucketStart(next), tick)
		next = next.Add(s.opts.Interval)
	}
}

// RunOnce executes a single tick synchronously unless one is already running.
// It reports whether the tick ran.
func (s *Scheduler) RunOnce(ctx context.Context, tick TickFunc) (bool, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return false, nil
	}
	defer s.running.Store(false)
	return true, s.execute(ctx, time.Now().UTC(), tick)
}

// Skipped returns how many ticks were skipped because the previous one was still running.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

func (s *Scheduler) start(ctx context.Context, bucket time.Time, tick TickFunc) {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn().Time("bucket", bucket).Msg("previous tick still running; skipping")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if err := s.execute(ctx, bucket, tick); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}
	}()
}

func (s *Scheduler) execute(ctx context.Context, bucket time.Time, tick TickFunc) error {
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.TickTimeout)
	defer cancel()

	s.logger.Info().Time("bucket", bucket).Msg("executing scheduled tick")
	return tick(tickCtx, bucket)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
