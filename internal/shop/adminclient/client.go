// Package adminclient talks to the shop-service admin routes. The console
// and the race runner share it.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/httpapi"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/idempotency"
)

type Client struct {
	BaseURL string
	Key     string
	HTTP    *http.Client
}

func New(baseURL, key string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Key:     key,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError carries a non-2xx admin response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

type Reconciliation struct {
	Cases            []domain.ReconciliationCase `json:"cases"`
	SoldWithoutOrder []string                    `json:"sold_without_order"`
}

func (c *Client) Reconciliation(ctx context.Context) (Reconciliation, error) {
	var out Reconciliation
	err := c.do(ctx, http.MethodGet, "/admin/reconciliation", nil, nil, &out)
	return out, err
}

func (c *Client) Retry(ctx context.Context, caseID, size string) (domain.Order, error) {
	var body any
	if size != "" {
		body = map[string]string{"size": size}
	}
	var out domain.Order
	err := c.do(ctx, http.MethodPost, "/admin/reconciliation/"+url.PathEscape(caseID)+"/retry", body, nil, &out)
	return out, err
}

func (c *Client) Orders(ctx context.Context) ([]domain.Order, error) {
	var out struct {
		Orders []domain.Order `json:"orders"`
	}
	err := c.do(ctx, http.MethodGet, "/admin/orders", nil, nil, &out)
	return out.Orders, err
}

// CreateItem is safe to repeat with the same idempotency key.
func (c *Client) CreateItem(ctx context.Context, item domain.Item, idemKey string) (domain.Item, error) {
	headers := map[string]string{}
	if idemKey != "" {
		headers[idempotency.Header] = idemKey
	}
	req := map[string]any{
		"id":                  item.ID,
		"title":               item.Title,
		"description":         item.Description,
		"image_url":           item.ImageURL,
		"provider_product_id": item.ProviderProductID,
		"variants":            item.Variants,
	}
	var out domain.Item
	err := c.do(ctx, http.MethodPost, "/admin/items", req, headers, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(httpapi.AdminKeyHeader, c.Key)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
