// Package ledger provides a client for the trade execution service. Execution
// is treated as opaque: the service reports trade counts and gas, and may fail
// transiently (retryable upstream) or permanently.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/interfaces"
	"github.com/meridianlabs/rebalancer/internal/models"
)

const (
	DefaultBaseURL   = "http://localhost:9200"
	DefaultTimeout   = 60 * time.Second
	DefaultRateLimit = 5 // requests per second
)

// Client executes rebalances through the ledger service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new ledger client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents a ledger API error
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

type checkResponse struct {
	Needed bool `json:"needed"`
}

type executeResponse struct {
	Trades   int                `json:"trades"`
	GasUsed  string             `json:"gas_used"`
	Balances map[string]float64 `json:"balances"`
}

// CheckRebalanceNeeded asks the ledger whether execution would produce trades.
func (c *Client) CheckRebalanceNeeded(ctx context.Context, portfolioID string) (bool, error) {
	var out checkResponse
	path := fmt.Sprintf("/v1/portfolios/%s/check", portfolioID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, fmt.Errorf("failed to check rebalance for %s: %w", portfolioID, err)
	}
	return out.Needed, nil
}

// ExecuteRebalance runs the trades that bring the portfolio back to target.
func (c *Client) ExecuteRebalance(ctx context.Context, portfolioID string) (*models.RebalanceResult, error) {
	var out executeResponse
	path := fmt.Sprintf("/v1/portfolios/%s/rebalance", portfolioID)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"portfolio_id": portfolioID}, &out); err != nil {
		return nil, fmt.Errorf("failed to execute rebalance for %s: %w", portfolioID, err)
	}

	c.logger.Info().
		Str("portfolio_id", portfolioID).
		Int("trades", out.Trades).
		Str("gas_used", out.GasUsed).
		Msg("Ledger executed rebalance")

	return &models.RebalanceResult{Trades: out.Trades, GasUsed: out.GasUsed, Balances: out.Balances}, nil
}

// do performs a rate-limited request with an optional JSON body.
func (c *Client) do(ctx context.Context, method, path string, payload, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().Str("method", method).Str("url", c.baseURL+path).Msg("Ledger API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   path,
		}
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

var _ interfaces.LedgerService = (*Client)(nil)
