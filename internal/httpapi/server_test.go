package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/fees"
	"fxwatch/internal/money"
	"fxwatch/internal/monitor"
	"fxwatch/internal/rates"
	"fxwatch/internal/storage"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T) (*httptest.Server, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	table, err := fees.NewTable([]fees.Schedule{{
		From:       "USD",
		To:         "NGN",
		PercentFee: decimal.RequireFromString("1.5"),
		FixedFee:   decimal.NewFromInt(2),
		MinFee:     decimal.NewFromInt(5),
		MaxFee:     decimal.NewFromInt(50),
	}})
	if err != nil {
		t.Fatal(err)
	}
	provider := rates.NewStatic(map[money.Pair]decimal.Decimal{
		{From: "USD", To: "NGN"}: decimal.RequireFromString("1530.255"),
	})
	srv := New(Deps{
		Rules:         monitor.NewRuleService(store),
		Subscriptions: store,
		Quoter:        fees.NewQuoter(table, provider),
		Metrics:       http.NotFoundHandler(),
	}, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRuleLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/v1/users/u1/rules", `{"pair":"usd/ngn","threshold":"1500","direction":"above"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created ruleResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Pair != "USD/NGN" || created.Threshold != "1500" || !created.Armed || !created.Active {
		t.Fatalf("unexpected rule %+v", created)
	}

	resp = do(t, http.MethodGet, ts.URL+"/v1/users/u1/rules", "")
	var listed struct {
		Content []ruleResponse `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Content) != 1 || listed.Content[0].ID != created.ID {
		t.Fatalf("list = %+v", listed)
	}

	resp = do(t, http.MethodPatch, ts.URL+"/v1/rules/"+created.ID, `{"threshold":1520.5,"active":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}
	var updated ruleResponse
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatal(err)
	}
	if updated.Threshold != "1520.5" || updated.Active || updated.Version <= created.Version {
		t.Fatalf("unexpected update %+v", updated)
	}

	if resp := do(t, http.MethodDelete, ts.URL+"/v1/rules/"+created.ID, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, ts.URL+"/v1/rules/"+created.ID, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
}

func TestRuleValidationErrors(t *testing.T) {
	ts, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{name: "bad direction", body: `{"pair":"USD/NGN","threshold":"1500","direction":"sideways"}`},
		{name: "negative threshold", body: `{"pair":"USD/NGN","threshold":"-1","direction":"above"}`},
		{name: "bad currency", body: `{"pair":"USD/N9N","threshold":"1","direction":"above"}`},
		{name: "unknown field", body: `{"pair":"USD/NGN","threshold":"1","direction":"above","extra":true}`},
		{name: "malformed", body: `{"pair":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, ts.URL+"/v1/users/u1/rules", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			var body errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Code != "INVALID_ARGUMENT" || body.ID == "" {
				t.Fatalf("unexpected error body %+v", body)
			}
		})
	}
}

func TestPatchMissingRuleIsNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := do(t, http.MethodPatch, ts.URL+"/v1/rules/nope", `{"active":false}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateSubscription(t *testing.T) {
	ts, store := newTestServer(t)

	body := `{"endpoint":"https://push.example.com/abc","expirationTime":null,"keys":{"p256dh":"BPk","auth":"c2VjcmV0"}}`
	resp := do(t, http.MethodPost, ts.URL+"/v1/users/u1/subscriptions", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	subs, _ := store.ListSubscriptions(context.Background(), "u1")
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example.com/abc" {
		t.Fatalf("subscriptions = %+v", subs)
	}

	resp = do(t, http.MethodPost, ts.URL+"/v1/users/u1/subscriptions", `{"endpoint":"http://insecure","keys":{"p256dh":"a","auth":"b"}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("insecure endpoint status = %d", resp.StatusCode)
	}
}

func TestQuote(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/v1/fees/quote", `{"amount":"1000","from":"USD","to":"NGN"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var q quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		t.Fatal(err)
	}
	if q.Fee != "17.00" || q.Net != "983.00" || q.Received != "1504240.66" {
		t.Fatalf("unexpected quote %+v", q)
	}

	resp = do(t, http.MethodPost, ts.URL+"/v1/fees/quote", `{"amount":"0","from":"USD","to":"NGN"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero amount status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodPost, ts.URL+"/v1/fees/quote", `{"amount":"10","from":"EUR","to":"NGN"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown pair status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	healthy := New(Deps{Health: pingFunc(func(context.Context) error { return nil })}, zerolog.Nop())
	rec := httptest.NewRecorder()
	healthy.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}

	down := New(Deps{Health: pingFunc(func(context.Context) error { return errors.New("db down") })}, zerolog.Nop())
	rec = httptest.NewRecorder()
	down.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "db down") {
		t.Fatalf("unhealthy response = %d %s", rec.Code, rec.Body.String())
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := New(Deps{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "127.0.0.1:0", time.Second) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
}
