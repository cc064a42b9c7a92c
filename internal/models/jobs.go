package models

import "time"

// RebalanceJob represents a unit of rebalance work in the persistent queue.
type RebalanceJob struct {
	ID          string    `json:"id"`
	PortfolioID string    `json:"portfolio_id"`
	TriggeredBy string    `json:"triggered_by"` // "scheduler", "manual", "force"
	Priority    int       `json:"priority"`
	Status      string    `json:"status"` // "waiting", "active", "delayed", "completed", "failed"
	RunAt       time.Time `json:"run_at"` // earliest execution time for delayed jobs
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	DurationMS  int64     `json:"duration_ms"`
}

// Trigger source constants
const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
	TriggerForce     = "force"
)

// Job status constants
const (
	JobStatusWaiting   = "waiting"
	JobStatusActive    = "active"
	JobStatusDelayed   = "delayed"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Default priorities (higher = processed first)
const (
	PriorityScheduled = 5
	PriorityManual    = 10
	PriorityForce     = 15
)

// PriorityForTrigger returns the default priority for a trigger source.
func PriorityForTrigger(triggeredBy string) int {
	switch triggeredBy {
	case TriggerManual:
		return PriorityManual
	case TriggerForce:
		return PriorityForce
	default:
		return PriorityScheduled
	}
}

// QueueCounts reports queue depth per job state.
type QueueCounts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// CycleSummary reports the outcome of one scan cycle.
type CycleSummary struct {
	Checked int       `json:"checked"`
	Queued  int       `json:"queued"`
	Skipped int       `json:"skipped"`
	Aborted bool      `json:"aborted"`
	Reason  string    `json:"reason,omitempty"`
	RanAt   time.Time `json:"ran_at"`
}
