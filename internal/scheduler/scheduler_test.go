package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunSkipsOverlappingTicks(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, TickTimeout: time.Second}, zerolog.Nop())

	var calls atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, func(ctx context.Context, _ time.Time) error {
		calls.Add(1)
		time.Sleep(60 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if calls.Load() > 2 {
		t.Fatalf("ticks overlapped: %d calls", calls.Load())
	}
	if s.Skipped() == 0 {
		t.Fatal("expected skipped ticks while a slow tick was running")
	}
}

func TestRunDrainsInFlightTickOnShutdown(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, TickTimeout: time.Second}, zerolog.Nop())

	started := make(chan struct{})
	var finished atomic.Bool
	var tickCtxErr atomic.Value

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(tickCtx context.Context, _ time.Time) error {
			select {
			case <-started:
			default:
				close(started)
			}
			time.Sleep(50 * time.Millisecond)
			if tickCtx.Err() != nil {
				tickCtxErr.Store(tickCtx.Err())
			}
			finished.Store(true)
			return nil
		})
	}()

	<-started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !finished.Load() {
		t.Fatal("Run returned before the in-flight tick finished")
	}
	if v := tickCtxErr.Load(); v != nil {
		t.Fatalf("tick context was cancelled by shutdown: %v", v)
	}
}

func TestRunOnceSingleFlight(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())

	release := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_, _ = s.RunOnce(context.Background(), func(context.Context, time.Time) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ran, err := s.RunOnce(context.Background(), func(context.Context, time.Time) error {
		t.Error("second tick must not run")
		return nil
	})
	close(release)
	if ran || err != nil {
		t.Fatalf("expected skip, got ran=%v err=%v", ran, err)
	}
}

func TestTickTimeoutBoundsTick(t *testing.T) {
	s := New(Options{Interval: time.Minute, TickTimeout: 20 * time.Millisecond}, zerolog.Nop())
	_, err := s.RunOnce(context.Background(), func(ctx context.Context, _ time.Time) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("next tick = %s", got)
	}
}
