package rates

import (
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

	"fxwatch/internal/faults"
	"fxwatch/internal/money"
)

var usdNgn = money.Pair{From: "USD", To: "NGN"}

func TestNewHTTPMissingKeyIsFatal(t *testing.T) {
	_, err := NewHTTP(HTTPOptions{}, noopLogger())
	if !errors.Is(err, faults.ErrFatalConfig) {
		t.Fatalf("missing api key should be fatal config error, got %v", err)
	}
}

func TestHTTPGetRateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/pair/USD/NGN") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"success","base_code":"USD","target_code":"NGN","conversion_rate":1520.4512345678901,"time_last_update_unix":1700000000}`))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	snap, err := p.GetRate(context.Background(), usdNgn)
	if err != nil {
		t.Fatalf("GetRate: %v", err)
	}
	if !snap.Rate.Equal(decimal.RequireFromString("1520.4512345678901")) {
		t.Fatalf("rate lost precision: %s", snap.Rate)
	}
	if !snap.AsOf.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected as-of %s", snap.AsOf)
	}
}

func TestHTTPGetRateServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.URL).GetRate(context.Background(), usdNgn)
	if faults.KindOf(err) != faults.KindTransient {
		t.Fatalf("502 should be transient, got %v", err)
	}
}

func TestHTTPGetRateUnsupportedPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "error", "error-type": "unsupported-code"})
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.URL).GetRate(context.Background(), usdNgn)
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("unsupported code should be validation error, got %v", err)
	}
}

func TestHTTPGetRateMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"success","conversion_rate":"abc"}`))
	}))
	defer srv.Close()

	if _, err := newTestProvider(t, srv.URL).GetRate(context.Background(), usdNgn); err == nil {
		t.Fatal("malformed rate should fail")
	}
}

func TestHTTPGetRateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, err := NewHTTP(HTTPOptions{BaseURL: srv.URL, APIKey: "key", Timeout: 50 * time.Millisecond}, noopLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.GetRate(context.Background(), usdNgn)
	if faults.KindOf(err) != faults.KindTransient {
		t.Fatalf("timeout should be transient, got %v", err)
	}
}

func TestStaticDerivesInverse(t *testing.T) {
	s := NewStatic(map[money.Pair]decimal.Decimal{usdNgn: decimal.NewFromInt(1600)})
	snap, err := s.GetRate(context.Background(), usdNgn.Inverse())
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Rate.Equal(decimal.RequireFromString("0.000625")) {
		t.Fatalf("unexpected inverse %s", snap.Rate)
	}
	if _, err := s.GetRate(context.Background(), money.Pair{From: "EUR", To: "GBP"}); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("unknown pair should be a validation error, got %v", err)
	}
}

func newTestProvider(t *testing.T, baseURL string) *HTTP {
	t.Helper()
	p, err := NewHTTP(HTTPOptions{BaseURL: baseURL, APIKey: "key", Timeout: time.Second, UserAgent: "test"}, noopLogger())
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	return p
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}
