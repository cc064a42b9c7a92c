package server

import (
	"net/http"
	"time"

	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/orchestrator"
)

// handleHealth handles GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	brokerUp := s.app.Orchestrator.BrokerReachable(r.Context())
	status := "ok"
	statusCode := http.StatusOK
	if !brokerUp {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	WriteJSON(w, statusCode, map[string]interface{}{
		"status":    status,
		"broker_up": brokerUp,
		"uptime":    time.Since(s.app.StartupTime).Round(time.Second).String(),
		"version":   common.GetVersion(),
	})
}

// handleVersion handles GET /api/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetFullVersion(),
	})
}

// handleEmergencyStop handles GET and POST /api/emergency-stop. While the flag
// is set every scan cycle aborts before evaluating portfolios; in-flight jobs
// are allowed to finish.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	kv := s.app.Storage.SystemKV()

	if r.Method == http.MethodGet {
		val, err := kv.Get(r.Context(), orchestrator.EmergencyStopKey)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to read emergency stop flag")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"active": val == "true"})
		return
	}

	var req struct {
		Active bool `json:"active"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}

	val := "false"
	if req.Active {
		val = "true"
	}
	if err := kv.Set(r.Context(), orchestrator.EmergencyStopKey, val); err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to set emergency stop flag")
		return
	}

	s.logger.Warn().Bool("active", req.Active).Msg("Emergency stop flag changed")
	WriteJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

// handleQueue handles GET /api/queue: depth per state plus broker reachability.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	counts, err := s.app.Orchestrator.QueueCounts(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to read queue counts")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"counts":    counts,
		"broker_up": s.app.Orchestrator.BrokerReachable(r.Context()),
	})
}

// handleQueueJobs handles GET /api/queue/jobs.
func (s *Server) handleQueueJobs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	jobs, err := s.app.Storage.JobQueueStore().ListRecent(r.Context(), 50)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// handleQueueFailed handles GET /api/queue/failed.
func (s *Server) handleQueueFailed(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	jobs, err := s.app.Storage.JobQueueStore().ListFailed(r.Context(), 50)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list failed jobs")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// handleScheduleList handles GET /api/schedules.
func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"schedules": s.app.Scheduler.Entries()})
}

// handleSchedulePause handles POST /api/schedules/{id}/pause.
func (s *Server) handleSchedulePause(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	id := PathParam(r, "/api/schedules/", "/pause")
	if err := s.app.Scheduler.Pause(id); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"schedule": id, "state": "paused"})
}

// handleScheduleResume handles POST /api/schedules/{id}/resume.
func (s *Server) handleScheduleResume(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	id := PathParam(r, "/api/schedules/", "/resume")
	if err := s.app.Scheduler.Resume(id); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"schedule": id, "state": "active"})
}

// handleScheduleRun handles POST /api/schedules/{id}/run.
func (s *Server) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	id := PathParam(r, "/api/schedules/", "/run")
	if err := s.app.Scheduler.RunNow(id); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"schedule": id, "state": "ran"})
}
