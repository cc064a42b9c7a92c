// Package notify delivers best-effort rebalance notifications to a webhook.
package notify

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

const DefaultTimeout = 10 * time.Second

// Webhook posts rebalance completions to a configured endpoint.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     *common.Logger
}

// NewWebhook creates a webhook notifier.
func NewWebhook(url string, timeout time.Duration, logger *common.Logger) *Webhook {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type rebalanceNotice struct {
	PortfolioID string    `json:"portfolio_id"`
	Name        string    `json:"name"`
	Trades      int       `json:"trades"`
	GasUsed     string    `json:"gas_used,omitempty"`
	At          time.Time `json:"at"`
}

// NotifyRebalance posts the completed rebalance. Errors are returned for the
// caller to log; they never fail the rebalance itself.
func (w *Webhook) NotifyRebalance(ctx context.Context, portfolio *models.Portfolio, result *models.RebalanceResult) error {
	payload := rebalanceNotice{
		PortfolioID: portfolio.ID,
		Name:        portfolio.Name,
		Trades:      result.Trades,
		GasUsed:     result.GasUsed,
		At:          time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug().Str("portfolio_id", portfolio.ID).Msg("Rebalance notification delivered")
	return nil
}

var _ interfaces.Notifier = (*Webhook)(nil)
