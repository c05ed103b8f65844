package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"yieldvault/native/oracle"
)

var bpsPerPercent = decimal.NewFromInt(100)

// predictionPayload is the wire format served by prediction providers. APY is
// a percentage string ("5.25"), risk a basis-point score, timestamp unix
// seconds.
type predictionPayload struct {
	APY       string `json:"apy"`
	Risk      uint64 `json:"risk"`
	Timestamp int64  `json:"timestamp"`
}

// HTTPSource queries an external prediction provider. Calls are never retried;
// a failed request simply drops the source from the current aggregation.
type HTTPSource struct {
	name   string
	client *resty.Client
}

// NewHTTPSource builds a source against endpoint. The API key, when set, is
// sent as a bearer token.
func NewHTTPSource(name, endpoint, apiKey string, timeout time.Duration) (*HTTPSource, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("oracle source name required")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(endpoint), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("oracle source %s: invalid endpoint %q", name, endpoint)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(base.String()).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "allocd/oracle")
	if key := strings.TrimSpace(apiKey); key != "" {
		client.SetAuthToken(key)
	}
	return &HTTPSource{name: name, client: client}, nil
}

// Name implements oracle.Source.
func (s *HTTPSource) Name() string { return s.name }

// Predict implements oracle.Source.
func (s *HTTPSource) Predict(ctx context.Context, venueID string) (oracle.Response, error) {
	var payload predictionPayload
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("venue", venueID).
		SetResult(&payload).
		Get("/v1/venues/{venue}/prediction")
	if err != nil {
		return oracle.Response{}, fmt.Errorf("%s: request prediction: %w", s.name, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return oracle.Response{}, oracle.ErrNoPrediction
	case resp.IsError():
		return oracle.Response{}, fmt.Errorf("%s: prediction status %d", s.name, resp.StatusCode())
	}
	apy, err := PercentToBps(payload.APY)
	if err != nil {
		return oracle.Response{}, fmt.Errorf("%s: %w", s.name, err)
	}
	if payload.Timestamp <= 0 {
		return oracle.Response{}, fmt.Errorf("%s: prediction missing timestamp", s.name)
	}
	return oracle.Response{
		PredictedAPY: apy,
		RiskScore:    payload.Risk,
		Timestamp:    time.Unix(payload.Timestamp, 0).UTC(),
	}, nil
}

// PercentToBps parses a percentage string into basis points, truncating
// fractions of a basis point.
func PercentToBps(raw string) (uint64, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse apy %q: %w", raw, err)
	}
	if value.IsNegative() {
		return 0, fmt.Errorf("apy %q is negative", raw)
	}
	bps := value.Mul(bpsPerPercent).Truncate(0)
	if !bps.BigInt().IsUint64() {
		return 0, fmt.Errorf("apy %q out of range", raw)
	}
	return bps.BigInt().Uint64(), nil
}

// BpsToPercent renders basis points as a percentage string with two decimals.
func BpsToPercent(bps uint64) string {
	return decimal.NewFromInt(int64(bps)).Div(bpsPerPercent).StringFixed(2)
}
