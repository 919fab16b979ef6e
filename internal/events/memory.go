package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"fxwatch/internal/faults"
	"fxwatch/internal/metrics"
)

// MemorySource is an in-process channel source with the same retry semantics as the
// broker sources. Publish blocks until the event is taken or ctx ends.
type MemorySource struct {
	ch        chan TransactionEvent
	closeOnce sync.Once
	done      chan struct{}
	deliver   deliverer
}

// NewMemorySource builds a MemorySource with the given buffer size.
func NewMemorySource(buffer int, retry RetryPolicy, observer *faults.Observer, m *metrics.Metrics, logger zerolog.Logger) *MemorySource {
	return &MemorySource{
		ch:   make(chan TransactionEvent, buffer),
		done: make(chan struct{}),
		deliver: deliverer{
			source:   "memory",
			policy:   retry,
			observer: observer,
			metrics:  m,
			logger:   logger.With().Str("component", "events_memory").Logger(),
		},
	}
}

// Name implements Source.
func (s *MemorySource) Name() string { return "memory" }

// Publish enqueues ev.
func (s *MemorySource) Publish(ctx context.Context, ev TransactionEvent) error {
	select {
	case <-s.done:
		return faults.Validation("publish memory", "source closed")
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return faults.Validation("publish memory", "source closed")
	case s.ch <- ev:
		return nil
	}
}

// Subscribe handles events until ctx is cancelled or the source is closed and drained.
func (s *MemorySource) Subscribe(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.ch:
			_ = s.deliver.deliver(ctx, handler, ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.ch:
					_ = s.deliver.deliver(ctx, handler, ev)
				default:
					return nil
				}
			}
		}
	}
}

// Close stops accepting events; Subscribe drains what is buffered and returns.
func (s *MemorySource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

var (
	_ Source    = (*MemorySource)(nil)
	_ Publisher = (*MemorySource)(nil)
)
