package models

import "time"

// Rebalance event status constants
const (
	EventStatusCompleted = "completed"
	EventStatusFailed    = "failed"
)

// RebalanceEvent is an append-only audit record of one rebalance attempt.
type RebalanceEvent struct {
	ID          string    `json:"id"`
	PortfolioID string    `json:"portfolio_id"`
	TriggeredBy string    `json:"triggered_by"`
	Status      string    `json:"status"`
	Trades      int       `json:"trades"`
	GasUsed     string    `json:"gas_used,omitempty"`
	Attempt     int       `json:"attempt"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RebalanceResult is the ledger service's report of an executed rebalance.
// Balances, when reported, are the post-trade holdings and become the
// portfolio's balances once slippage verification passes.
type RebalanceResult struct {
	Trades   int                `json:"trades"`
	GasUsed  string             `json:"gas_used"`
	Balances map[string]float64 `json:"balances,omitempty"` // symbol -> post-trade quantity
}

// RiskVerdict is the risk model's binary decision on a proposed rebalance.
type RiskVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}
