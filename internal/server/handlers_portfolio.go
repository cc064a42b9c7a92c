package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/meridianlabs/rebalancer/internal/models"
	"github.com/meridianlabs/rebalancer/internal/storage"
)

// createPortfolioRequest is the payload for POST /api/portfolios.
type createPortfolioRequest struct {
	ID                   string                `json:"id"`
	Name                 string                `json:"name"`
	Owner                string                `json:"owner"`
	Allocations          map[string]float64    `json:"allocations"`
	Balances             map[string]float64    `json:"balances"`
	Threshold            float64               `json:"threshold"`
	Strategy             models.Strategy       `json:"strategy"`
	StrategyConfig       models.StrategyConfig `json:"strategy_config"`
	SlippageToleranceBPS int                   `json:"slippage_tolerance_bps"`
}

// handlePortfolios handles GET (list) and POST (create) /api/portfolios.
func (s *Server) handlePortfolios(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		portfolios, err := s.app.Storage.PortfolioStore().List(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to list portfolios")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"portfolios": portfolios})
		return
	}

	var req createPortfolioRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if msg := validateCreate(&req); msg != "" {
		WriteError(w, http.StatusBadRequest, msg)
		return
	}

	if existing, err := s.app.Storage.PortfolioStore().Get(r.Context(), req.ID); err == nil && existing != nil {
		WriteErrorWithCode(w, http.StatusConflict, "Portfolio already exists", "already_exists")
		return
	}

	now := time.Now().UTC()
	p := &models.Portfolio{
		ID:                   req.ID,
		Name:                 req.Name,
		Owner:                req.Owner,
		Allocations:          req.Allocations,
		Balances:             req.Balances,
		Threshold:            req.Threshold,
		Strategy:             req.Strategy,
		StrategyConfig:       req.StrategyConfig,
		SlippageToleranceBPS: req.SlippageToleranceBPS,
		Active:               true,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if p.Strategy == "" {
		p.Strategy = models.StrategyThreshold
	}
	if p.Balances == nil {
		p.Balances = map[string]float64{}
	}

	if err := s.app.Storage.PortfolioStore().Create(r.Context(), p); err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to create portfolio")
		return
	}

	s.logger.Info().Str("portfolio_id", p.ID).Msg("Portfolio created")
	WriteJSON(w, http.StatusCreated, p)
}

// validateCreate enforces the portfolio creation invariants. Returns a message
// on failure, empty on success.
func validateCreate(req *createPortfolioRequest) string {
	if req.ID == "" {
		return "Portfolio id is required"
	}
	if req.Name == "" {
		return "Portfolio name is required"
	}
	if !models.ValidAllocations(req.Allocations) {
		return fmt.Sprintf("Allocations must sum to %.0f within %.2f", models.AllocationSum, models.AllocationSumTolerance)
	}
	// A portfolio of dust-level targets cannot drift meaningfully.
	meaningful := false
	for _, pct := range req.Allocations {
		if pct > 1 {
			meaningful = true
			break
		}
	}
	if !meaningful {
		return "At least one allocation target must exceed 1%"
	}
	if req.Threshold < models.MinThreshold || req.Threshold > models.MaxThreshold {
		return fmt.Sprintf("Threshold must be between %.0f and %.0f", models.MinThreshold, models.MaxThreshold)
	}
	if req.SlippageToleranceBPS != 0 &&
		(req.SlippageToleranceBPS < models.MinSlippageBPS || req.SlippageToleranceBPS > models.MaxSlippageBPS) {
		return fmt.Sprintf("Slippage tolerance must be between %d and %d bps", models.MinSlippageBPS, models.MaxSlippageBPS)
	}
	return ""
}

// handlePortfolioByID handles GET and DELETE /api/portfolios/{id}.
func (s *Server) handlePortfolioByID(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	id := PathParam(r, "/api/portfolios/", "")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Portfolio id is required")
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.app.Storage.PortfolioStore().Delete(r.Context(), id); err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to delete portfolio")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"deleted": id})
		return
	}

	p, err := s.app.Storage.PortfolioStore().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Portfolio not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to load portfolio")
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// depositRequest is the payload for POST /api/portfolios/{id}/deposit.
type depositRequest struct {
	Symbol string  `json:"symbol"`
	Amount float64 `json:"amount"`
	// ExpectedVersion, when non-zero, pins the optimistic write to the version
	// the caller last read. Zero means write against the current version.
	ExpectedVersion int64 `json:"expected_version"`
}

// handleDeposit handles POST /api/portfolios/{id}/deposit. The balance change
// goes through the versioned write path; a losing race returns 409 with the
// current version so the caller can re-read and retry.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	id := PathParam(r, "/api/portfolios/", "/deposit")

	var req depositRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Symbol == "" || req.Amount <= 0 {
		WriteError(w, http.StatusBadRequest, "Deposit requires a symbol and a positive amount")
		return
	}

	p, err := s.app.Storage.PortfolioStore().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Portfolio not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to load portfolio")
		return
	}

	expected := p.Version
	if req.ExpectedVersion > 0 {
		expected = req.ExpectedVersion
	}

	if p.Balances == nil {
		p.Balances = map[string]float64{}
	}
	p.Balances[req.Symbol] += req.Amount
	p.UpdatedAt = time.Now().UTC()

	if err := s.app.Storage.PortfolioStore().UpdateVersioned(r.Context(), p, expected); err != nil {
		var conflict *storage.VersionConflictError
		if errors.As(err, &conflict) {
			WriteJSON(w, http.StatusConflict, map[string]interface{}{
				"error":           "Portfolio was modified concurrently",
				"code":            "version_conflict",
				"current_version": conflict.Current,
			})
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to record deposit")
		return
	}

	WriteJSON(w, http.StatusOK, p)
}

// rebalanceTriggerRequest is the payload for POST /api/portfolios/{id}/rebalance.
type rebalanceTriggerRequest struct {
	Force bool `json:"force"`
}

// handleRebalanceTrigger handles POST /api/portfolios/{id}/rebalance. Runs
// behind the idempotency gate: retried submissions replay the first response.
func (s *Server) handleRebalanceTrigger(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	id := PathParam(r, "/api/portfolios/", "/rebalance")

	var req rebalanceTriggerRequest
	if r.ContentLength > 0 && !DecodeJSON(w, r, &req) {
		return
	}

	trigger := models.TriggerManual
	if req.Force {
		trigger = models.TriggerForce
	}

	job, err := s.app.Orchestrator.EnqueueRebalance(r.Context(), id, trigger)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Portfolio not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to queue rebalance")
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":       job.ID,
		"portfolio_id": job.PortfolioID,
		"triggered_by": job.TriggeredBy,
		"priority":     job.Priority,
	})
}

// handlePortfolioEvents handles GET /api/portfolios/{id}/events.
func (s *Server) handlePortfolioEvents(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	id := PathParam(r, "/api/portfolios/", "/events")
	events, err := s.app.Storage.AuditStore().ListByPortfolio(r.Context(), id, 100)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handlePortfolioSnapshots handles GET /api/portfolios/{id}/snapshots.
func (s *Server) handlePortfolioSnapshots(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	id := PathParam(r, "/api/portfolios/", "/snapshots")
	snapshots, err := s.app.Storage.SnapshotStore().ListByPortfolio(r.Context(), id, 100)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list snapshots")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snapshots})
}
