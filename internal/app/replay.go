package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"fxwatch/internal/events"
	"fxwatch/internal/referral"
)

// replayStats counts replay results by outcome.
type replayStats struct {
	lines    int
	invalid  int
	failed   int
	outcomes map[string]int
}

// Replay feeds a JSONL file of transaction events through the reward engine, or
// publishes them to the configured broker with Publish set. Each line is one event.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	file, err := os.Open(opts.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	var handle func(context.Context, events.TransactionEvent) (string, error)
	switch {
	case opts.DryRun:
		a.Logger.Warn().Msg("replay dry-run: events are only decoded and validated")
		handle = func(context.Context, events.TransactionEvent) (string, error) { return "valid", nil }
	case opts.Publish:
		pub, err := a.newPublisher()
		if err != nil {
			return err
		}
		defer pub.Close()
		handle = func(ctx context.Context, ev events.TransactionEvent) (string, error) {
			if err := pub.Publish(ctx, ev); err != nil {
				return "", err
			}
			return "published", nil
		}
	default:
		st, err := a.openStore(ctx, false)
		if err != nil {
			return err
		}
		defer st.close()
		provider, err := a.newRateProvider()
		if err != nil {
			return err
		}
		engine, err := a.newEngine(st, provider)
		if err != nil {
			return err
		}
		handle = func(ctx context.Context, ev events.TransactionEvent) (string, error) {
			outcome, err := engine.Process(ctx, ev)
			return string(outcome), err
		}
	}

	stats, err := a.replay(ctx, file, handle)
	if err != nil {
		return err
	}

	outcomes := make([]string, 0, len(stats.outcomes))
	for outcome := range stats.outcomes {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		fmt.Fprintf(a.Out, "%s\t%d\n", outcome, stats.outcomes[outcome])
	}
	a.Logger.Info().Int("lines", stats.lines).Int("invalid", stats.invalid).Int("failed", stats.failed).Msg("replay completed")
	if stats.failed > 0 {
		return errors.New("some events failed to replay, check the logs")
	}
	return nil
}

func (a *App) replay(ctx context.Context, r io.Reader, handle func(context.Context, events.TransactionEvent) (string, error)) (replayStats, error) {
	stats := replayStats{outcomes: make(map[string]int)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stats.lines++

		ev, err := events.Decode([]byte(line))
		if err == nil {
			err = ev.Validate()
		}
		if err != nil {
			stats.invalid++
			stats.outcomes[string(referral.OutcomeInvalid)]++
			a.Logger.Error().Err(err).Int("line", stats.lines).Msg("skipping invalid event")
			continue
		}

		outcome, err := handle(ctx, ev)
		if err != nil {
			stats.failed++
			stats.outcomes[string(referral.OutcomeFailed)]++
			a.Observer.Observe("replay", err, "transaction_id", ev.TransactionID)
			continue
		}
		stats.outcomes[outcome]++
	}
	return stats, scanner.Err()
}
