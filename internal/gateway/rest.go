package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/HobbyCoders/agentdeck/internal/persistence"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleAPIRuns implements GET /api/runs (list) and POST /api/runs
// (launch).
func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			limit, _ = strconv.Atoi(v)
		}
		status := persistence.RunStatus(r.URL.Query().Get("status"))
		runs, err := s.cfg.Store.ListAgentRuns(ctx, status, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		runID, err := s.cfg.Scheduler.LaunchRaw(ctx, body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"run_id": runID,
			"status": string(persistence.RunStatusQueued),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAPIRunByID dispatches /api/runs/{id}, /api/runs/{id}/logs,
// /api/runs/{id}/tasks and /api/runs/{id}/stream.
func (s *Server) handleAPIRunByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	runID, sub, _ := strings.Cut(rest, "/")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id missing")
		return
	}

	switch sub {
	case "":
		s.handleAPIRunGet(w, r, runID)
	case "logs":
		s.handleAPIRunLogs(w, r, runID)
	case "tasks":
		s.handleAPIRunTasks(w, r, runID)
	case "stream":
		s.handleRunStream(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) loadRun(ctx context.Context, w http.ResponseWriter, runID string) *persistence.AgentRun {
	run, err := s.cfg.Store.GetAgentRun(ctx, runID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil
	}
	return run
}

func (s *Server) handleAPIRunGet(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	run := s.loadRun(r.Context(), w, runID)
	if run == nil {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAPIRunLogs(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	if s.loadRun(ctx, w, runID) == nil {
		return
	}
	var afterID int64
	if v := r.URL.Query().Get("after_id"); v != "" {
		afterID, _ = strconv.ParseInt(v, 10, 64)
	}
	logs, err := s.cfg.Store.ListRunLogs(ctx, runID, afterID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleAPIRunTasks(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	if s.loadRun(ctx, w, runID) == nil {
		return
	}
	tasks, err := s.cfg.Store.ListRunTasks(ctx, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	result, rpcErr := s.rpcSessionList(r.Context())
	if rpcErr != nil {
		writeError(w, http.StatusInternalServerError, rpcErr.Message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
