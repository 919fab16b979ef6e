package rates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/faults"
	"fxwatch/internal/money"
)

const pairPath = "/pair/%s/%s"

// HTTPOptions parameterise the HTTP rate provider.
type HTTPOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// HTTP fetches pair conversion rates from an exchangerate-api compatible endpoint.
type HTTP struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTP constructs the provider. A missing API key is a fatal configuration error:
// the monitor must not start polling with no credentials.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) (*HTTP, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, faults.FatalConfig("rate provider", "rates.api_key is not configured")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://v6.exchangerate-api.com/v6"
	}

	return &HTTP{
		opts:    opts,
		logger:  logger.With().Str("component", "rate_provider").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}, nil
}

// GetRate retrieves the conversion rate for pair. Every call is bounded by the
// configured timeout; on timeout the call fails with a transient error.
func (h *HTTP) GetRate(ctx context.Context, pair money.Pair) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, h.client.Timeout)
	defer cancel()

	endpoint := h.baseURL + fmt.Sprintf(pairPath, pair.From, pair.To)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("create rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.opts.APIKey)
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "fxwatch/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Snapshot{}, faults.Transient("fetch rate "+pair.String(), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Snapshot{}, faults.Transient("read rate response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, parseHTTPError(pair, resp.StatusCode, payload)
	}

	var res pairResponse
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return Snapshot{}, fmt.Errorf("decode rate response for %s: %w", pair, err)
	}
	if res.Result != "success" {
		return Snapshot{}, apiError(pair, resp.StatusCode, res.ErrorType)
	}

	rate, err := decimal.NewFromString(res.ConversionRate.String())
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse conversion rate for %s: %w", pair, err)
	}
	if !rate.IsPositive() {
		return Snapshot{}, fmt.Errorf("provider returned non-positive rate %s for %s", rate, pair)
	}

	asOf := time.Now().UTC()
	if res.LastUpdateUnix > 0 {
		asOf = time.Unix(res.LastUpdateUnix, 0).UTC()
	}

	h.logger.Debug().Str("pair", pair.String()).Str("rate", rate.String()).Time("as_of", asOf).Msg("rate fetched")
	return Snapshot{Pair: pair, Rate: rate, AsOf: asOf}, nil
}

type pairResponse struct {
	Result         string      `json:"result"`
	ErrorType      string      `json:"error-type"`
	BaseCode       string      `json:"base_code"`
	TargetCode     string      `json:"target_code"`
	ConversionRate json.Number `json:"conversion_rate"`
	LastUpdateUnix int64       `json:"time_last_update_unix"`
}

func parseHTTPError(pair money.Pair, status int, payload []byte) error {
	var res pairResponse
	if err := json.Unmarshal(payload, &res); err == nil && res.ErrorType != "" {
		return apiError(pair, status, res.ErrorType)
	}
	err := fmt.Errorf("rate api error (%d): %s", status, strings.TrimSpace(string(payload)))
	if status == http.StatusTooManyRequests || status >= 500 {
		return faults.Transient("fetch rate "+pair.String(), err)
	}
	return err
}

func apiError(pair money.Pair, status int, errorType string) error {
	switch errorType {
	case "unsupported-code", "malformed-request":
		return faults.Validation("fetch rate", "provider rejected %s: %s", pair, errorType)
	case "invalid-key", "inactive-account":
		return faults.FatalConfig("fetch rate", "provider rejected credentials: %s", errorType)
	case "quota-reached":
		return faults.Transient("fetch rate "+pair.String(), errors.New(errorType))
	default:
		return fmt.Errorf("rate api error (%d) for %s: %s", status, pair, errorType)
	}
}

var _ Provider = (*HTTP)(nil)
