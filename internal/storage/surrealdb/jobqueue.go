package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/interfaces"
	"github.com/meridianlabs/rebalancer/internal/models"
)

// jobSelectFields lists the fields to select from rebalance_job, aliasing job_id to id for struct mapping.
const jobSelectFields = `job_id as id, portfolio_id, triggered_by, priority, status, run_at,
	created_at, started_at, completed_at, error, attempts, max_attempts, duration_ms`

// JobQueueStore implements interfaces.JobQueueStore using SurrealDB.
type JobQueueStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewJobQueueStore creates a new JobQueueStore.
func NewJobQueueStore(db *surrealdb.DB, logger *common.Logger) *JobQueueStore {
	return &JobQueueStore{db: db, logger: logger}
}

func (s *JobQueueStore) Enqueue(ctx context.Context, job *models.RebalanceJob) error {
	// Job ids are unique per enqueue attempt so the queue never silently
	// deduplicates legitimate repeated queueing.
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusWaiting
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 5
	}
	if job.Priority == 0 {
		job.Priority = models.PriorityForTrigger(job.TriggeredBy)
	}

	sql := `UPSERT $rid SET
		job_id = $job_id, portfolio_id = $portfolio_id, triggered_by = $triggered_by,
		priority = $priority, status = $status, run_at = $run_at,
		created_at = $created_at, started_at = $started_at, completed_at = $completed_at,
		error = $error, attempts = $attempts, max_attempts = $max_attempts,
		duration_ms = $duration_ms`
	vars := map[string]any{
		"rid":          surrealmodels.NewRecordID("rebalance_job", job.ID),
		"job_id":       job.ID,
		"portfolio_id": job.PortfolioID,
		"triggered_by": job.TriggeredBy,
		"priority":     job.Priority,
		"status":       job.Status,
		"run_at":       job.RunAt,
		"created_at":   job.CreatedAt,
		"started_at":   job.StartedAt,
		"completed_at": job.CompletedAt,
		"error":        job.Error,
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
		"duration_ms":  job.DurationMS,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// claimedRow carries the authoritative fields of a job row after a confirmed
// claim update.
type claimedRow struct {
	Attempts int `json:"attempts"`
}

// Dequeue claims the highest-priority runnable job. Selection and claim are
// separate statements, so the claim update is guarded and its result decoded:
// a worker whose guarded update matches nothing lost the race and moves on to
// the next candidate instead of running a job another worker owns.
func (s *JobQueueStore) Dequeue(ctx context.Context) (*models.RebalanceJob, error) {
	now := time.Now()

	selectSQL := "SELECT " + jobSelectFields + ` FROM rebalance_job
		WHERE status = $waiting OR (status = $delayed AND run_at <= $now)
		ORDER BY priority DESC, created_at ASC LIMIT 1`
	updateSQL := `UPDATE $rid SET status = $active, started_at = $now, attempts = attempts + 1
		WHERE status = $waiting OR (status = $delayed AND run_at <= $now)
		RETURN AFTER`

	for {
		vars := map[string]any{
			"waiting": models.JobStatusWaiting,
			"delayed": models.JobStatusDelayed,
			"now":     now,
		}

		candidates, err := surrealdb.Query[[]models.RebalanceJob](ctx, s.db, selectSQL, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to select candidate job: %w", err)
		}

		if candidates == nil || len(*candidates) == 0 || len((*candidates)[0].Result) == 0 {
			return nil, nil
		}

		candidate := (*candidates)[0].Result[0]

		updateVars := map[string]any{
			"rid":     surrealmodels.NewRecordID("rebalance_job", candidate.ID),
			"active":  models.JobStatusActive,
			"waiting": models.JobStatusWaiting,
			"delayed": models.JobStatusDelayed,
			"now":     now,
		}

		claims, err := surrealdb.Query[[]claimedRow](ctx, s.db, updateSQL, updateVars)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		if claims == nil || len(*claims) == 0 || len((*claims)[0].Result) == 0 {
			// Another worker claimed the candidate between select and update.
			continue
		}

		candidate.Status = models.JobStatusActive
		candidate.StartedAt = now
		candidate.Attempts = (*claims)[0].Result[0].Attempts
		return &candidate, nil
	}
}

func (s *JobQueueStore) Complete(ctx context.Context, id string, jobErr error, durationMS int64) error {
	now := time.Now()
	status := models.JobStatusCompleted
	errStr := ""
	if jobErr != nil {
		status = models.JobStatusFailed
		errStr = jobErr.Error()
	}

	sql := "UPDATE $rid SET status = $status, completed_at = $now, error = $error, duration_ms = $dur"
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("rebalance_job", id),
		"status": status,
		"now":    now,
		"error":  errStr,
		"dur":    durationMS,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

func (s *JobQueueStore) Delay(ctx context.Context, id string, runAt time.Time, jobErr error) error {
	errStr := ""
	if jobErr != nil {
		errStr = jobErr.Error()
	}

	sql := "UPDATE $rid SET status = $delayed, run_at = $run_at, error = $error"
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID("rebalance_job", id),
		"delayed": models.JobStatusDelayed,
		"run_at":  runAt,
		"error":   errStr,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to delay job: %w", err)
	}
	return nil
}

func (s *JobQueueStore) Counts(ctx context.Context) (*models.QueueCounts, error) {
	sql := "SELECT status, count() AS cnt FROM rebalance_job GROUP BY status"

	type statusCount struct {
		Status string `json:"status"`
		Cnt    int    `json:"cnt"`
	}

	results, err := surrealdb.Query[[]statusCount](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := &models.QueueCounts{}
	if results != nil && len(*results) > 0 {
		for _, sc := range (*results)[0].Result {
			switch sc.Status {
			case models.JobStatusWaiting:
				counts.Waiting = sc.Cnt
			case models.JobStatusActive:
				counts.Active = sc.Cnt
			case models.JobStatusDelayed:
				counts.Delayed = sc.Cnt
			case models.JobStatusCompleted:
				counts.Completed = sc.Cnt
			case models.JobStatusFailed:
				counts.Failed = sc.Cnt
			}
		}
	}
	return counts, nil
}

func (s *JobQueueStore) ListRecent(ctx context.Context, limit int) ([]*models.RebalanceJob, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT " + jobSelectFields + " FROM rebalance_job ORDER BY created_at DESC LIMIT $limit"
	vars := map[string]any{"limit": limit}
	return s.queryJobs(ctx, sql, vars)
}

func (s *JobQueueStore) ListFailed(ctx context.Context, limit int) ([]*models.RebalanceJob, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT " + jobSelectFields + " FROM rebalance_job WHERE status = $failed ORDER BY completed_at DESC LIMIT $limit"
	vars := map[string]any{"failed": models.JobStatusFailed, "limit": limit}
	return s.queryJobs(ctx, sql, vars)
}

func (s *JobQueueStore) TrimCompleted(ctx context.Context, keep int) (int, error) {
	return s.trim(ctx, models.JobStatusCompleted, keep)
}

func (s *JobQueueStore) TrimFailed(ctx context.Context, keep int) (int, error) {
	return s.trim(ctx, models.JobStatusFailed, keep)
}

// trim deletes the oldest terminal jobs beyond the retention count.
func (s *JobQueueStore) trim(ctx context.Context, status string, keep int) (int, error) {
	sql := `DELETE FROM rebalance_job WHERE status = $status AND completed_at < (
		SELECT VALUE completed_at FROM rebalance_job WHERE status = $status
		ORDER BY completed_at DESC LIMIT 1 START $keep
	)[0]`
	vars := map[string]any{
		"status": status,
		"keep":   keep,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, fmt.Errorf("failed to trim %s jobs: %w", status, err)
	}
	// SurrealDB DELETE doesn't return count easily, return 0
	return 0, nil
}

// ResetActiveJobs resets all active jobs back to waiting.
// Called on startup to recover jobs that were in-flight when the process crashed.
func (s *JobQueueStore) ResetActiveJobs(ctx context.Context) (int, error) {
	sql := "UPDATE rebalance_job SET status = $waiting, started_at = NONE WHERE status = $active"
	vars := map[string]any{
		"waiting": models.JobStatusWaiting,
		"active":  models.JobStatusActive,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, fmt.Errorf("failed to reset active jobs: %w", err)
	}
	return 0, nil
}

// queryJobs is a helper that runs a query and returns a slice of job pointers.
func (s *JobQueueStore) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*models.RebalanceJob, error) {
	results, err := surrealdb.Query[[]models.RebalanceJob](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	var jobs []*models.RebalanceJob
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			jobs = append(jobs, &(*results)[0].Result[i])
		}
	}
	return jobs, nil
}

// Compile-time check
var _ interfaces.JobQueueStore = (*JobQueueStore)(nil)
