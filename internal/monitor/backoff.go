package monitor

import (
	"sync"
	"time"

	"fxwatch/internal/money"
)

type backoffState struct {
	failures int
	retryAt  time.Time
}

// pairBackoff tracks pairs whose rate fetch failed. The first failure is retried on
// the next tick; after that the delay starts at base and doubles per consecutive
// failure up to max. A success clears the pair.
type pairBackoff struct {
	mu    sync.Mutex
	base  time.Duration
	max   time.Duration
	pairs map[money.Pair]backoffState
}

func newPairBackoff(base, max time.Duration) *pairBackoff {
	if max < base {
		max = base
	}
	return &pairBackoff{base: base, max: max, pairs: make(map[money.Pair]backoffState)}
}

func (b *pairBackoff) ready(pair money.Pair, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.pairs[pair]
	return !ok || !now.Before(state.retryAt)
}

func (b *pairBackoff) failure(pair money.Pair, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.pairs[pair]
	state.failures++

	var delay time.Duration
	if state.failures > 1 {
		delay = b.base
	}
	for i := 2; i < state.failures && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}
	state.retryAt = now.Add(delay)
	b.pairs[pair] = state
	return delay
}

func (b *pairBackoff) success(pair money.Pair) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pairs, pair)
}
