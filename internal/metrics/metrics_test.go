package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.Tick(TickCompleted, time.Second)
	m.RateFetch("USD/NGN", "ok")
	m.RuleTransition("fired")
	m.Notification("webpush", "delivered")
	m.Reward("credited")
	m.Event("kafka", "handled")
	if m.FaultCounter() != nil {
		t.Fatal("nil metrics must return a nil fault counter")
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.RuleTransition("fired")
	m.RuleTransition("fired")
	m.Reward("duplicate")
	m.Tick(TickCompleted, 150*time.Millisecond)
	m.Tick(TickSkipped, 0)
	m.Tick(TickFailed, time.Second)

	if got := testutil.ToFloat64(m.RuleEvents.WithLabelValues("fired")); got != 2 {
		t.Fatalf("fired = %v", got)
	}
	if got := testutil.ToFloat64(m.Ticks.WithLabelValues(TickSkipped)); got != 1 {
		t.Fatalf("skipped ticks = %v", got)
	}
	if got := testutil.ToFloat64(m.Ticks.WithLabelValues(TickFailed)); got != 1 {
		t.Fatalf("failed ticks = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`fxwatch_alert_rule_transitions_total{transition="fired"} 2`,
		`fxwatch_referral_rewards_total{outcome="duplicate"} 1`,
		"fxwatch_monitor_tick_duration_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
