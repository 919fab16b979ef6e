package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const sampleYAML = `
scheduler:
  interval: 30s
  tick_timeout: 20s
rates:
  api_key: test-key
monitor:
  workers: 4
  rearm_margin_pct: 0.25
fees:
  schedules:
    - from: USD
      to: NGN
      percent_fee: 1.5
      fixed_fee: "2"
      min_fee: 5
      max_fee: 50
reward:
  percent: "0.5"
  max_amount: 25
events:
  driver: kafka
  kafka:
    brokers: localhost:9092,localhost:9093
    topic: tx.completed
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDecodesDecimalsAndDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Scheduler.Interval != 30*time.Second || cfg.Scheduler.TickTimeout != 20*time.Second {
		t.Fatalf("unexpected scheduler config: %+v", cfg.Scheduler)
	}
	if !cfg.Monitor.RearmMarginPct.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("rearm margin = %s", cfg.Monitor.RearmMarginPct)
	}
	if len(cfg.Fees.Schedules) != 1 {
		t.Fatalf("expected one fee schedule, got %d", len(cfg.Fees.Schedules))
	}
	s := cfg.Fees.Schedules[0]
	if !s.PercentFee.Equal(decimal.RequireFromString("1.5")) || !s.FixedFee.Equal(decimal.NewFromInt(2)) || !s.MaxFee.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected schedule: %+v", s)
	}
	if !cfg.Reward.Percent.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("reward percent = %s", cfg.Reward.Percent)
	}
	if len(cfg.Events.Kafka.Brokers) != 2 {
		t.Fatalf("brokers = %v", cfg.Events.Kafka.Brokers)
	}
	if cfg.Notify.SendTimeout != 5*time.Second {
		t.Fatalf("default send timeout not applied: %s", cfg.Notify.SendTimeout)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FXWATCH_REWARD_MAX_AMOUNT", "10.50")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Reward.MaxAmount.Equal(decimal.RequireFromString("10.50")) {
		t.Fatalf("env override ignored: %s", cfg.Reward.MaxAmount)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown driver":         "events:\n  driver: nats\n",
		"telegram without token": "notify:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
		"webpush without keys":   "notify:\n  webpush:\n    enabled: true\n",
		"zero workers":           "monitor:\n  workers: 0\n",
		"negative margin":        "monitor:\n  rearm_margin_pct: -1\n",
		"kafka without brokers":  "events:\n  driver: kafka\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 || cfg.ResolveMaxPoints(3) != 3 {
		t.Fatal("unexpected max points resolution")
	}
}
