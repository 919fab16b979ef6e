package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"fxwatch/internal/faults"
	"fxwatch/internal/storage"
)

// WebPushOptions carries VAPID credentials.
type WebPushOptions struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             time.Duration
	Timeout         time.Duration
}

// WebPush sends encrypted Web Push messages signed with VAPID.
type WebPush struct {
	opts   WebPushOptions
	client *http.Client
	logger zerolog.Logger
}

// NewWebPush constructs a Web Push transport.
func NewWebPush(opts WebPushOptions, logger zerolog.Logger) (*WebPush, error) {
	if opts.VAPIDPublicKey == "" || opts.VAPIDPrivateKey == "" {
		return nil, faults.FatalConfig("new webpush", "vapid key pair is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	return &WebPush{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "notify_webpush").Logger(),
	}, nil
}

// Name implements Transport.
func (w *WebPush) Name() string { return "webpush" }

// Send encrypts payload for sub and posts it to the push service.
func (w *WebPush) Send(ctx context.Context, sub storage.PushSubscription, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.opts.Subscriber,
		VAPIDPublicKey:  w.opts.VAPIDPublicKey,
		VAPIDPrivateKey: w.opts.VAPIDPrivateKey,
		TTL:             int(w.opts.TTL.Seconds()),
		Urgency:         webpush.UrgencyHigh,
		Topic:           topic(payload.Tag),
	})
	if err != nil {
		return faults.Transient("send webpush", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("push service returned %d: %w", resp.StatusCode, ErrSubscriptionGone)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return faults.Transient("send webpush", fmt.Errorf("push service returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("push service rejected message: %d", resp.StatusCode)
	}

	w.logger.Debug().Str("subscription_id", sub.ID).Int("status", resp.StatusCode).Msg("push accepted")
	return nil
}

// topic keeps at most 32 URL-safe characters, the limit push services accept.
func topic(tag string) string {
	out := make([]byte, 0, 32)
	for i := 0; i < len(tag) && len(out) < 32; i++ {
		c := tag[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			out = append(out, c)
		}
	}
	return string(out)
}

// GenerateVAPIDKeys returns a new (public, private) VAPID key pair.
func GenerateVAPIDKeys() (string, string, error) {
	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate vapid keys: %w", err)
	}
	return public, private, nil
}

var _ Transport = (*WebPush)(nil)
