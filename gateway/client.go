// Package gateway is the HTTP client for the localhost API gateway.  All
// outbound calls the monitor makes — price probes, availability fetches and
// quick orders — go through a single rate-limited, retrying client so the
// upstream vendor API is never hammered past its quota.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/time/rate"
)

const (
	// requestTimeout bounds every gateway call; price verification relies on
	// this exact deadline.
	requestTimeout = 30 * time.Second

	maxCallsPerSecond = 10
	maxAttempts       = 3
)

// Stats are aggregate request counters, exposed via /api/health.
type Stats struct {
	TotalRequests  int64  `json:"total_requests"`
	FailedRequests int64  `json:"failed_requests"`
	SuccessRate    string `json:"success_rate"`
}

// Client talks to the localhost API gateway.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter

	mu     sync.Mutex
	total  int64
	failed int64
}

// NewClient creates a Client for the gateway at baseURL (e.g.
// "http://127.0.0.1:19998").  apiKey is sent as X-API-Key on every request.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(maxCallsPerSecond), 1),
	}
}

// transportError marks failures worth retrying (connection resets, timeouts
// at the transport layer).  HTTP-level rejections are not retried.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// postJSON issues a rate-limited POST with retry on transport errors and
// decodes the response body into out (when out is non-nil).
func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}

	err = retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			return c.doOnce(ctx, path, body, out)
		},
		retry.Attempts(maxAttempts),
		retry.Delay(2*time.Second),
		retry.MaxDelay(10*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			var te *transportError
			return errors.As(err, &te)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	return err
}

func (c *Client) doOnce(ctx context.Context, path string, body []byte, out any) error {
	c.mu.Lock()
	c.total++
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.countFailure()
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.countFailure()
		return &transportError{err: err}
	}

	if resp.StatusCode != http.StatusOK {
		c.countFailure()
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, truncate(raw, 200))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			c.countFailure()
			return fmt.Errorf("%s: decode response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) countFailure() {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

// GetStats returns aggregate request counters.
func (c *Client) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	rate := "n/a"
	if c.total > 0 {
		rate = fmt.Sprintf("%.1f%%", float64(c.total-c.failed)/float64(c.total)*100)
	}
	return Stats{TotalRequests: c.total, FailedRequests: c.failed, SuccessRate: rate}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}

// ---- price probe ----

// PriceResponse is the gateway's answer to a price probe.
type PriceResponse struct {
	Success bool       `json:"success"`
	Price   *PriceInfo `json:"price,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// PriceInfo carries the priced configuration.
type PriceInfo struct {
	Prices Prices `json:"prices"`
}

// Prices holds the monthly amounts for one configuration in one datacenter.
type Prices struct {
	WithTax      float64 `json:"withTax"`
	CurrencyCode string  `json:"currencyCode"`
}

type priceRequest struct {
	PlanCode   string   `json:"plan_code"`
	Datacenter string   `json:"datacenter"`
	Options    []string `json:"options"`
}

// CheckPrice runs the raw price probe for one (plan, datacenter, options)
// triple.  The 30 s request deadline applies.
func (c *Client) CheckPrice(ctx context.Context, planCode, datacenter string, options []string) (*PriceResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var out PriceResponse
	err := c.postJSON(ctx, "/api/internal/monitor/price", priceRequest{
		PlanCode:   planCode,
		Datacenter: datacenter,
		Options:    options,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyPrice reports whether the configuration is actually orderable:
// the probe must succeed and carry a strictly nonzero withTax price.
// On rejection the second return value is a human-readable reason.
func (c *Client) VerifyPrice(ctx context.Context, planCode, datacenter string, options []string) (bool, string) {
	resp, err := c.CheckPrice(ctx, planCode, datacenter, options)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, "price probe timed out (30s)"
		}
		return false, "price probe failed: " + err.Error()
	}
	if !resp.Success {
		reason := resp.Error
		if reason == "" {
			reason = "unknown error"
		}
		return false, reason
	}
	if resp.Price == nil {
		return false, "price field missing"
	}
	if resp.Price.Prices.WithTax == 0 {
		return false, fmt.Sprintf("withTax invalid (%v)", resp.Price.Prices.WithTax)
	}
	return true, ""
}

// PriceText returns a display string like "€42.00/月" for the configuration,
// or an error when the probe fails or returns no usable price.
func (c *Client) PriceText(ctx context.Context, planCode, datacenter string, options []string) (string, error) {
	resp, err := c.CheckPrice(ctx, planCode, datacenter, options)
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.Price == nil {
		reason := resp.Error
		if reason == "" {
			reason = "no price returned"
		}
		return "", errors.New(reason)
	}
	return FormatPrice(resp.Price.Prices.WithTax, resp.Price.Prices.CurrencyCode), nil
}

// FormatPrice renders a monthly price with its currency symbol.
func FormatPrice(withTax float64, currency string) string {
	symbol := currency
	switch currency {
	case "EUR", "":
		symbol = "€"
	case "USD":
		symbol = "$"
	}
	return fmt.Sprintf("%s%.2f/月", symbol, withTax)
}

// ---- quick order ----

type quickOrderRequest struct {
	PlanCode           string   `json:"planCode"`
	Datacenter         string   `json:"datacenter"`
	Options            []string `json:"options"`
	FromMonitor        bool     `json:"fromMonitor"`
	SkipDuplicateCheck bool     `json:"skipDuplicateCheck"`
}

// QuickOrder posts a single order request for the configuration.
// fromMonitor and skipDuplicateCheck are always set so the gateway bypasses
// its interactive-use throttles.
func (c *Client) QuickOrder(ctx context.Context, planCode, datacenter string, options []string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	return c.postJSON(ctx, "/api/config-sniper/quick-order", quickOrderRequest{
		PlanCode:           planCode,
		Datacenter:         datacenter,
		Options:            options,
		FromMonitor:        true,
		SkipDuplicateCheck: true,
	}, nil)
}

// ---- availability fetch ----

type availabilityRequest struct {
	PlanCode string `json:"plan_code"`
}

// FetchAvailability returns the raw per-row availability document for a plan.
// The monitor parses the two row shapes (legacy and configured) itself.
func (c *Client) FetchAvailability(ctx context.Context, planCode string) (map[string]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var out map[string]json.RawMessage
	err := c.postJSON(ctx, "/api/internal/monitor/availability", availabilityRequest{PlanCode: planCode}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}
