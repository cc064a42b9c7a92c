package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/emergency-stop", s.handleEmergencyStop)
	mux.Handle("/metrics", promhttp.Handler())

	// Portfolios
	mux.HandleFunc("/api/portfolios/", s.routePortfolios)
	mux.HandleFunc("/api/portfolios", s.handlePortfolios)

	// Queue
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/queue/jobs", s.handleQueueJobs)
	mux.HandleFunc("/api/queue/failed", s.handleQueueFailed)

	// Schedules
	mux.HandleFunc("/api/schedules/", s.routeSchedules)
	mux.HandleFunc("/api/schedules", s.handleScheduleList)
}

// routePortfolios dispatches /api/portfolios/{id}[/...] sub-routes.
func (s *Server) routePortfolios(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/portfolios/")
	switch {
	case strings.HasSuffix(rest, "/rebalance"):
		// Manual triggers run behind the idempotency gate.
		s.app.Gate.Middleware(http.HandlerFunc(s.handleRebalanceTrigger)).ServeHTTP(w, r)
	case strings.HasSuffix(rest, "/deposit"):
		s.handleDeposit(w, r)
	case strings.HasSuffix(rest, "/events"):
		s.handlePortfolioEvents(w, r)
	case strings.HasSuffix(rest, "/snapshots"):
		s.handlePortfolioSnapshots(w, r)
	default:
		s.handlePortfolioByID(w, r)
	}
}

// routeSchedules dispatches /api/schedules/{id}/{action}.
func (s *Server) routeSchedules(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	switch {
	case strings.HasSuffix(rest, "/pause"):
		s.handleSchedulePause(w, r)
	case strings.HasSuffix(rest, "/resume"):
		s.handleScheduleResume(w, r)
	case strings.HasSuffix(rest, "/run"):
		s.handleScheduleRun(w, r)
	default:
		WriteError(w, http.StatusNotFound, "Unknown schedule action")
	}
}
