// Package fulfillment submits print-on-demand orders to the production
// partner. Submissions are never retried here: an ambiguous failure may
// already have started physical production.
package fulfillment

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

	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://api.printful.com"

type Recipient struct {
	Name        string `json:"name"`
	Address1    string `json:"address1"`
	Address2    string `json:"address2,omitempty"`
	City        string `json:"city"`
	StateCode   string `json:"state_code,omitempty"`
	CountryCode string `json:"country_code"`
	Zip         string `json:"zip"`
}

type LineItem struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type Client interface {
	SubmitOrder(ctx context.Context, recipient Recipient, items []LineItem) (string, error)
}

type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	RequestsPerMin int
}

type Printful struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func NewPrintful(cfg Config) *Printful {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerMin > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMin) / 60)
	}
	return &Printful{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type createOrderRequest struct {
	Recipient Recipient  `json:"recipient"`
	Items     []LineItem `json:"items"`
}

type createOrderResponse struct {
	Result struct {
		ID json.RawMessage `json:"id"`
	} `json:"result"`
}

// SubmitOrder creates a partner order and returns the partner's order id.
func (p *Printful) SubmitOrder(ctx context.Context, recipient Recipient, items []LineItem) (string, error) {
	if p.apiKey == "" {
		return "", errors.New("printful api key not configured")
	}
	if len(items) == 0 {
		return "", errors.New("no line items")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}

	data, err := json.Marshal(createOrderRequest{Recipient: recipient, Items: items})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/orders", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("printful status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createOrderResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode printful response: %w", err)
	}
	id := strings.Trim(string(out.Result.ID), `"`)
	if id == "" || id == "null" {
		return "", errors.New("printful response missing order id")
	}
	return id, nil
}
