// Package riskmodel provides a client for the external risk scoring service.
// The model returns a binary verdict on a proposed rebalance; when it is
// unreachable the caller decides whether to fail open or closed.
package riskmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/interfaces"
	"github.com/meridianlabs/rebalancer/internal/models"
)

const (
	DefaultBaseURL = "http://localhost:9300"
	DefaultTimeout = 15 * time.Second
)

// Client queries the risk model service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *common.Logger
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

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new risk model client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents a risk model API error
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("risk model API error: %s (status: %d)", e.Message, e.StatusCode)
}

// evaluateRequest is the wire format of a risk query.
type evaluateRequest struct {
	PortfolioID string             `json:"portfolio_id"`
	TotalValue  float64            `json:"total_value"`
	Allocations map[string]float64 `json:"allocations"`
	Prices      map[string]float64 `json:"prices"`
}

type evaluateResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// ShouldAllowRebalance asks the model to score the proposed rebalance.
func (c *Client) ShouldAllowRebalance(ctx context.Context, portfolio *models.Portfolio, prices models.PriceSnapshot) (*models.RiskVerdict, error) {
	total, _ := portfolio.CurrentValue(prices).Float64()
	payload := evaluateRequest{
		PortfolioID: portfolio.ID,
		TotalValue:  total,
		Allocations: portfolio.Allocations,
		Prices:      make(map[string]float64, len(prices)),
	}
	for symbol, asset := range prices {
		payload.Prices[symbol] = asset.Price
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode risk query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/evaluate", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug().Str("portfolio_id", portfolio.ID).Msg("Risk model query")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var out evaluateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &models.RiskVerdict{Allowed: out.Allowed, Reason: out.Reason}, nil
}

var _ interfaces.RiskModel = (*Client)(nil)
