// Package exchange is the request/response facade for the external
// exchange. It signs every request with an HMAC-SHA256 API-key scheme,
// surfaces typed error codes, and retries transient failures with capped
// exponential backoff.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
	maxAttempts    = 3
	callDeadline   = 10 * time.Second
)

// Client talks to the exchange's private and public REST surfaces.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	passphrase string
	httpClient *http.Client
	limiter    *RateLimiter
}

// Config wires a Client from environment-sourced credentials, mirroring the
// teacher's NewClient() env-driven constructor.
type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Passphrase string
	Timeout    time.Duration
}

// NewClient builds a Client. An empty APISecret is permitted for dry-run/test
// wiring; requests are still sent, just unsigned.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = callDeadline
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    NewRateLimiter(),
	}
	log.Info().Str("base_url", c.baseURL).Msg("exchange client ready")
	return c
}

// NewClientFromEnv reads EXCHANGE_BASE_URL / EXCHANGE_API_KEY /
// EXCHANGE_API_SECRET / EXCHANGE_PASSPHRASE, the teacher's env-driven
// constructor idiom generalized off Polymarket-specific variable names.
func NewClientFromEnv() *Client {
	return NewClient(Config{
		BaseURL:    os.Getenv("EXCHANGE_BASE_URL"),
		APIKey:     os.Getenv("EXCHANGE_API_KEY"),
		APISecret:  os.Getenv("EXCHANGE_API_SECRET"),
		Passphrase: os.Getenv("EXCHANGE_PASSPHRASE"),
	})
}

// InstrumentMeta is the wire shape of get-instruments.
type InstrumentMeta struct {
	Symbol        string `json:"symbol"`
	BaseAsset     string `json:"base_asset"`
	QuoteAsset    string `json:"quote_asset"`
	PriceTick     string `json:"price_tick"`
	QuantityTick  string `json:"quantity_tick"`
	MinQuantity   string `json:"min_quantity"`
	PriceDecimals int32  `json:"price_decimals"`
	QtyDecimals   int32  `json:"quantity_decimals"`
}

// AccountBalance is the wire shape of one balance line from
// get-account-summary.
type AccountBalance struct {
	Asset     string `json:"asset"`
	Total     string `json:"total"`
	Available string `json:"available"`
	Reserved  string `json:"reserved"`
}

// WireOrder is the wire shape shared by get-open-orders, get-order-history,
// and create-order responses. All numeric fields are strings per §6.
type WireOrder struct {
	OrderID        string `json:"order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	Price          string `json:"price"`
	TriggerPrice   string `json:"trigger_price,omitempty"`
	Quantity       string `json:"quantity"`
	FilledQuantity string `json:"filled_quantity"`
}

// CreateOrderRequest is the create-order payload.
type CreateOrderRequest struct {
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	Type             string `json:"type"`
	Price            string `json:"price,omitempty"`
	TriggerPrice     string `json:"trigger_price,omitempty"`
	TriggerCondition string `json:"trigger_condition,omitempty"`
	Quantity         string `json:"quantity"`
	Leverage         string `json:"leverage,omitempty"`
	ExecInst         string `json:"exec_inst,omitempty"` // margin-order hint
}

// GetInstruments fetches instrument metadata for all symbols.
func (c *Client) GetInstruments(ctx context.Context) ([]InstrumentMeta, error) {
	body, err := c.doWithRetry(ctx, PriorityNormal, "GET", "/api/v1/instruments", nil)
	if err != nil {
		return nil, err
	}
	var out []InstrumentMeta
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	return out, nil
}

// GetAccountSummary fetches current balances, on the reconciler's periodic
// read path.
func (c *Client) GetAccountSummary(ctx context.Context) ([]AccountBalance, error) {
	body, err := c.doWithRetry(ctx, PriorityHigh, "GET", "/api/v1/account/summary", nil)
	if err != nil {
		return nil, err
	}
	var out []AccountBalance
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode account summary: %w", err)
	}
	return out, nil
}

// GetOpenOrders fetches currently-open orders, on the reconciler's periodic
// read path.
func (c *Client) GetOpenOrders(ctx context.Context) ([]WireOrder, error) {
	body, err := c.doWithRetry(ctx, PriorityHigh, "GET", "/api/v1/orders/open", nil)
	if err != nil {
		return nil, err
	}
	var out []WireOrder
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	return out, nil
}

// GetOrderHistory fetches recently completed orders, on the reconciler's
// periodic read path.
func (c *Client) GetOrderHistory(ctx context.Context, limit int) ([]WireOrder, error) {
	path := fmt.Sprintf("/api/v1/orders/history?limit=%d", limit)
	body, err := c.doWithRetry(ctx, PriorityHigh, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	var out []WireOrder
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode order history: %w", err)
	}
	return out, nil
}

// CreateOrder submits an order. Response-code-to-outcome mapping lives in
// placer's mapSubmissionError — this method only performs the HTTP round trip and
// returns a *APIError for non-2xx responses.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (WireOrder, error) {
	body, err := c.doWithRetry(ctx, PriorityCritical, "POST", "/api/v1/orders", req)
	if err != nil {
		return WireOrder{}, err
	}
	var out WireOrder
	if err := json.Unmarshal(body, &out); err != nil {
		return WireOrder{}, fmt.Errorf("decode create-order response: %w", err)
	}
	return out, nil
}

// CancelOrder cancels a single order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	path := "/api/v1/orders/" + orderID
	_, err := c.doWithRetry(ctx, PriorityCritical, "DELETE", path, nil)
	return err
}

// doWithRetry performs one signed HTTP round trip, retrying transient
// failures with capped exponential backoff (spec §7 / teacher's
// futures_client.go retry shape). priority determines the caller's share of
// the per-minute request budget: order placement/cancellation always gets a
// slot ahead of the reconciler's reads, which in turn outrank background
// market-data polling.
func (c *Client) doWithRetry(ctx context.Context, priority Priority, method, path string, body interface{}) ([]byte, error) {
	if err := c.limiter.Acquire(ctx, priority); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, callDeadline)
		respBody, statusCode, err := c.doOnce(reqCtx, method, path, body)
		cancel()
		if err == nil {
			return respBody, nil
		}

		apiErr, isAPIErr := err.(*APIError)
		if !isRetryable(statusCode, isAPIErr, apiErr) {
			return nil, err
		}
		lastErr = err

		delay := calculateRetryDelay(attempt)
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Str("path", path).Msg("transient exchange error, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func calculateRetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func isRetryable(statusCode int, isAPIErr bool, apiErr *APIError) bool {
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return true
	}
	// No HTTP status and no API error: a transport failure (timeout,
	// connection reset), which is transient.
	if !isAPIErr && statusCode == 0 {
		return true
	}
	if isAPIErr && apiErr != nil {
		switch apiErr.Code {
		case CodeRateLimit:
			return true
		}
	}
	return false
}

func (c *Client) doOnce(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	var rawBody []byte
	if body != nil {
		var err error
		rawBody, err = json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(rawBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if rawBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addHeaders(req, rawBody)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, parseAPIError(resp.StatusCode, respBody)
	}
	return respBody, resp.StatusCode, nil
}

// addHeaders attaches API-key auth plus an HMAC-SHA256 signature over
// timestamp+method+path+body, the generic CEX analogue of the teacher's
// POLY_* header / EIP-712-adjacent HMAC scheme.
func (c *Client) addHeaders(req *http.Request, body []byte) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("X-API-TIMESTAMP", timestamp)
	if c.passphrase != "" {
		req.Header.Set("X-API-PASSPHRASE", c.passphrase)
	}

	if c.apiSecret == "" {
		return
	}
	message := timestamp + req.Method + req.URL.Path
	if len(body) > 0 {
		message += string(body)
	}
	req.Header.Set("X-API-SIGNATURE", c.hmacSign(message))
}

func (c *Client) hmacSign(message string) string {
	key, err := base64.StdEncoding.DecodeString(c.apiSecret)
	if err != nil {
		key = []byte(c.apiSecret)
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// MustDecimal panics on malformed exchange-supplied decimal strings; used
// only where the caller has already validated the field is present. Callers
// in the hot path should prefer decimal.NewFromString directly and surface
// the error.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("exchange: malformed decimal %q: %v", s, err))
	}
	return d
}
