package remote

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

	"github.com/ksred/klear-executor/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	OrdersPath = "/api/llmapi/executor/orders"
	FillsPath  = "/api/llmapi/executor/fills"
	PricesPath = "/api/llmapi/executor/prices"

	// IdempotencyHeader carries the order id on fill reports
	IdempotencyHeader = "Idempotency-Key"

	maxErrorBody = 4096
)

var (
	ErrRemote      = errors.New("remote service error")
	ErrCircuitOpen = errors.New("remote circuit breaker open")
)

// StatusError is a non-2xx answer from the remote service
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%d", e.Status)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Detail)
}

func (e *StatusError) Unwrap() error { return ErrRemote }

// Options configure a Client
type Options struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	RateLimit        float64 // requests per second, 0 for unlimited
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HTTPClient       *http.Client
}

// Client talks to the strategy service's executor endpoints
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	breaker *Breaker
	logger  zerolog.Logger
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limit := rate.Inf
	burst := 1
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
		burst = int(opts.RateLimit) + 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		timeout: timeout,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		breaker: NewBreaker("remote", opts.BreakerThreshold, opts.BreakerCooldown),
		logger:  log.With().Str("component", "remote_client").Logger(),
	}
}

// CircuitState reports the breaker position for status reporting
func (c *Client) CircuitState() string {
	return c.breaker.State().String()
}

type ordersResponse struct {
	Orders []json.RawMessage               `json:"orders"`
	Prices map[string]decimal.NullDecimal `json:"prices"`
	Logs   map[string][]string            `json:"logs"`
}

// FetchPendingOrders returns the orders the strategy service wants executed.
// Orders that fail to decode or validate are returned in Batch.Invalid and do
// not fail the whole batch.
func (c *Client) FetchPendingOrders(ctx context.Context) (*Batch, error) {
	var resp ordersResponse
	if err := c.do(ctx, http.MethodGet, OrdersPath, nil, nil, &resp); err != nil {
		return nil, err
	}

	batch := &Batch{
		Prices: resp.Prices,
		Logs:   resp.Logs,
	}
	if batch.Prices == nil {
		batch.Prices = map[string]decimal.NullDecimal{}
	}
	for i, raw := range resp.Orders {
		var order types.Order
		if err := json.Unmarshal(raw, &order); err != nil {
			batch.Invalid = append(batch.Invalid, fmt.Errorf("%w: order %d: %v", types.ErrInvalidOrder, i, err))
			continue
		}
		if err := order.Validate(); err != nil {
			batch.Invalid = append(batch.Invalid, err)
			continue
		}
		batch.Orders = append(batch.Orders, order)
	}
	return batch, nil
}

// ReportFill delivers one fill. Any 2xx is the acknowledgement; the order id
// travels as the idempotency key so a repeated report is harmless.
func (c *Client) ReportFill(ctx context.Context, report FillReport) error {
	headers := map[string]string{IdempotencyHeader: report.OrderID}
	return c.do(ctx, http.MethodPost, FillsPath, headers, report, nil)
}

// PushQuotes sends intraday quotes for tracked symbols
func (c *Client) PushQuotes(ctx context.Context, quotes map[string]QuotePayload) error {
	if len(quotes) == 0 {
		return nil
	}
	body := map[string]interface{}{"prices": quotes}
	return c.do(ctx, http.MethodPost, PricesPath, nil, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, in, out interface{}) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%w: %s %s", ErrCircuitOpen, method, path)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit: %v", ErrRemote, err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemote, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %s %s: %v", ErrRemote, method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("remote call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Client errors are our fault, not the service's
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Status: resp.StatusCode, Detail: errorDetail(raw)}
	}
	c.breaker.RecordSuccess()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrRemote, path, err)
	}
	return nil
}

// errorDetail pulls a message out of an error body: {"detail": ...} or
// {"error": ...}, where detail may itself be an object with an error field.
func errorDetail(raw []byte) string {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		text := strings.TrimSpace(string(raw))
		if len(text) > 200 {
			text = text[:200]
		}
		return text
	}

	for _, key := range []string{"detail", "error"} {
		switch v := body[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]interface{}:
			if msg, ok := v["error"].(string); ok {
				return msg
			}
			data, _ := json.Marshal(v)
			return string(data)
		}
	}
	return ""
}
