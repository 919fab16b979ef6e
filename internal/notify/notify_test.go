package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/faults"
	"fxwatch/internal/money"
	"fxwatch/internal/storage"
)

func testAlert() Alert {
	return Alert{
		RuleID:      "rule-1",
		UserID:      "user-1",
		Pair:        money.Pair{From: "USD", To: "NGN"},
		Direction:   storage.DirectionAbove,
		Threshold:   decimal.NewFromInt(1500),
		Rate:        decimal.RequireFromString("1512.25"),
		AsOf:        time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		TriggeredAt: time.Date(2026, 5, 1, 12, 0, 1, 0, time.UTC),
	}
}

func TestNewPayload(t *testing.T) {
	p := NewPayload(testAlert())
	if p.Title != "USD/NGN rate alert" {
		t.Fatalf("title = %q", p.Title)
	}
	if p.Body != "USD/NGN rose above 1500 (now 1512.25)" {
		t.Fatalf("body = %q", p.Body)
	}
	if p.Data["rule_id"] != "rule-1" || p.Data["rate"] != "1512.25" {
		t.Fatalf("data = %v", p.Data)
	}
}

func newTelegram(t *testing.T, base string) *Telegram {
	t.Helper()
	tg, err := NewTelegram(TelegramOptions{BotToken: "token", ChatID: "ops-chat", APIBase: base, Silent: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return tg
}

func TestTelegramSendsEscapedHTML(t *testing.T) {
	var received sendMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	alert := testAlert()
	alert.UserID = "<script>"
	if err := newTelegram(t, srv.URL).Notify(context.Background(), NewPayload(alert)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if received.ChatID != "ops-chat" || received.ParseMode != "HTML" || !received.DisableNotification {
		t.Fatalf("unexpected message %+v", received)
	}
	for _, want := range []string{
		"<b>USD/NGN rate alert</b>",
		"USD/NGN rose above 1500 (now 1512.25)",
		"User: <code>&lt;script&gt;</code>",
		"<i>as of 2026-05-01 12:00:00 UTC</i>",
	} {
		if !strings.Contains(received.Text, want) {
			t.Fatalf("text missing %q:\n%s", want, received.Text)
		}
	}
}

func TestTelegramErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "ok false", status: http.StatusOK, body: `{"ok":false,"description":"message is empty"}`, want: faults.ErrValidation},
		{name: "chat not found", status: http.StatusBadRequest, body: `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, want: faults.ErrValidation},
		{name: "bad token", status: http.StatusUnauthorized, body: `{"ok":false,"error_code":401,"description":"Unauthorized"}`, want: faults.ErrFatalConfig},
		{name: "flood control", status: http.StatusTooManyRequests, body: `{"ok":false,"error_code":429,"parameters":{"retry_after":7}}`, want: faults.ErrTransient},
		{name: "server error", status: http.StatusBadGateway, body: ``, want: faults.ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			err := newTelegram(t, srv.URL).Notify(context.Background(), NewPayload(testAlert()))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestNewTelegramRequiresCredentials(t *testing.T) {
	if _, err := NewTelegram(TelegramOptions{BotToken: "token"}, zerolog.Nop()); !errors.Is(err, faults.ErrFatalConfig) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}

func newSubscription(t *testing.T, endpoint string) storage.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatal(err)
	}
	return storage.PushSubscription{
		UserID:   "user-1",
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newWebPush(t *testing.T) *WebPush {
	t.Helper()
	public, private, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatal(err)
	}
	wp, err := NewWebPush(WebPushOptions{
		VAPIDPublicKey:  public,
		VAPIDPrivateKey: private,
		Subscriber:      "ops@example.com",
		Timeout:         time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return wp
}

func TestWebPushStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{status: http.StatusCreated, check: func(err error) bool { return err == nil }},
		{status: http.StatusGone, check: func(err error) bool { return errors.Is(err, ErrSubscriptionGone) }},
		{status: http.StatusNotFound, check: func(err error) bool { return errors.Is(err, ErrSubscriptionGone) }},
		{status: http.StatusBadGateway, check: func(err error) bool { return err != nil && !errors.Is(err, ErrSubscriptionGone) }},
	}
	wp := newWebPush(t)

	for _, tc := range cases {
		var gotAuth, gotEncoding string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotEncoding = r.Header.Get("Content-Encoding")
			w.WriteHeader(tc.status)
		}))

		err := wp.Send(context.Background(), newSubscription(t, srv.URL+"/push/abc"), NewPayload(testAlert()))
		srv.Close()

		if !tc.check(err) {
			t.Fatalf("status %d: unexpected error %v", tc.status, err)
		}
		if !strings.HasPrefix(gotAuth, "vapid ") || gotEncoding != "aes128gcm" {
			t.Fatalf("status %d: request not VAPID-signed: auth=%q encoding=%q", tc.status, gotAuth, gotEncoding)
		}
	}
}

func TestNewWebPushRequiresKeys(t *testing.T) {
	if _, err := NewWebPush(WebPushOptions{}, zerolog.Nop()); err == nil {
		t.Fatal("missing keys should be rejected")
	}
}

type fakeTransport struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string]error
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, sub storage.PushSubscription, _ Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[sub.Endpoint]++
	return f.errs[sub.Endpoint]
}

type fakeMirror struct {
	sent int
	err  error
}

func (m *fakeMirror) Name() string { return "mirror" }

func (m *fakeMirror) Notify(context.Context, Payload) error {
	m.sent++
	return m.err
}

func seedSubscriptions(t *testing.T, store *storage.Memory, endpoints ...string) {
	t.Helper()
	for _, ep := range endpoints {
		if _, err := store.SaveSubscription(context.Background(), storage.PushSubscription{UserID: "user-1", Endpoint: ep}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDispatcherPartialDeliveryAndPrune(t *testing.T) {
	store := storage.NewMemory()
	seedSubscriptions(t, store, "https://push/a", "https://push/b", "https://push/c")
	transport := &fakeTransport{errs: map[string]error{
		"https://push/b": errors.New("boom"),
		"https://push/c": ErrSubscriptionGone,
	}}
	mirror := &fakeMirror{err: errors.New("telegram down")}

	d := NewDispatcher(store, transport, DispatcherOptions{Mirrors: []Mirror{mirror}}, zerolog.Nop())
	if err := d.Dispatch(context.Background(), testAlert()); err != nil {
		t.Fatalf("partial delivery should succeed: %v", err)
	}

	for ep, n := range transport.calls {
		if n != 1 {
			t.Fatalf("%s attempted %d times", ep, n)
		}
	}
	subs, _ := store.ListSubscriptions(context.Background(), "user-1")
	if len(subs) != 2 {
		t.Fatalf("gone subscription should be pruned, have %d", len(subs))
	}
	if mirror.sent != 1 {
		t.Fatalf("mirror called %d times", mirror.sent)
	}
}

func TestDispatcherReportsTotalFailure(t *testing.T) {
	store := storage.NewMemory()
	seedSubscriptions(t, store, "https://push/a", "https://push/b")
	transport := &fakeTransport{errs: map[string]error{
		"https://push/a": errors.New("boom"),
		"https://push/b": errors.New("boom"),
	}}
	mirror := &fakeMirror{}

	d := NewDispatcher(store, transport, DispatcherOptions{Mirrors: []Mirror{mirror}}, zerolog.Nop())
	for tick := 0; tick < 3; tick++ {
		if err := d.Dispatch(context.Background(), testAlert()); !errors.Is(err, ErrNotDelivered) {
			t.Fatalf("expected ErrNotDelivered, got %v", err)
		}
	}
	if mirror.sent != 0 {
		t.Fatalf("undelivered alerts must not be mirrored, mirror called %d times", mirror.sent)
	}
}

func TestDispatcherMirrorsWithoutPush(t *testing.T) {
	mirror := &fakeMirror{}
	d := NewDispatcher(storage.NewMemory(), nil, DispatcherOptions{Mirrors: []Mirror{mirror}}, zerolog.Nop())
	if err := d.Dispatch(context.Background(), testAlert()); err != nil {
		t.Fatal(err)
	}
	if mirror.sent != 1 {
		t.Fatalf("mirror called %d times", mirror.sent)
	}
}

func TestDispatcherNoSubscriptionsIsDelivered(t *testing.T) {
	d := NewDispatcher(storage.NewMemory(), &fakeTransport{}, DispatcherOptions{}, zerolog.Nop())
	if err := d.Dispatch(context.Background(), testAlert()); err != nil {
		t.Fatalf("no subscriptions should not fail: %v", err)
	}
}

type slowTransport struct{}

func (slowTransport) Name() string { return "slow" }

func (slowTransport) Send(ctx context.Context, _ storage.PushSubscription, _ Payload) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcherBoundsSend(t *testing.T) {
	store := storage.NewMemory()
	seedSubscriptions(t, store, "https://push/a")
	d := NewDispatcher(store, slowTransport{}, DispatcherOptions{SendTimeout: 20 * time.Millisecond}, zerolog.Nop())

	start := time.Now()
	err := d.Dispatch(context.Background(), testAlert())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("send was not bounded")
	}
}
