package loyalty

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// notification is the JSON body posted for every committed deposit or
// withdrawal. Amounts are decimal strings in base units.
type notification struct {
	User    string `json:"user"`
	Amount  string `json:"amount"`
	Deposit bool   `json:"deposit"`
}

// Webhook forwards engine activity to a rewards service. Delivery is
// best-effort: one attempt per event, and the engine only logs failures.
type Webhook struct {
	client *resty.Client
	url    string
}

// NewWebhook targets endpoint, which must be an absolute http(s) URL.
func NewWebhook(endpoint string, timeout time.Duration) (*Webhook, error) {
	target, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("loyalty: invalid webhook %q", endpoint)
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "allocd/loyalty")
	return &Webhook{client: client, url: target.String()}, nil
}

// Notify implements allocation.Loyalty.
func (w *Webhook) Notify(ctx context.Context, user string, amount *big.Int, isDeposit bool) error {
	body := notification{User: user, Amount: "0", Deposit: isDeposit}
	if amount != nil {
		body.Amount = amount.String()
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("loyalty: post notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("loyalty: webhook status %d", resp.StatusCode())
	}
	return nil
}
