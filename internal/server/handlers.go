package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"swarmd/internal/cost"
	"swarmd/internal/metrics"
	"swarmd/internal/safety"
	"swarmd/internal/swarm"
	"swarmd/internal/tiering"
	"swarmd/internal/trace"
	"swarmd/internal/upstream"
)

// executeRequest is the mission submission body. Pointer fields
// distinguish absent from zero.
type executeRequest struct {
	Mission   string   `json:"mission"`
	Content   string   `json:"content,omitempty"`
	SwarmSize *int     `json:"swarmSize,omitempty"`
	MaxBudget *float64 `json:"maxBudget,omitempty"`
}

// executeResponse is the terminal mission result.
type executeResponse struct {
	TraceID      string               `json:"traceId"`
	Synthesis    string               `json:"synthesis"`
	Iterations   []trace.Iteration    `json:"iterations"`
	Cost         float64              `json:"cost"`
	DurationMs   int64                `json:"durationMs"`
	RedTeamFlags []safety.RedTeamFlag `json:"redTeamFlags"`
	Tier         tiering.Tier         `json:"tier"`
	TierReason   string               `json:"tierReason"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}
	if err := validateMission(req.Mission); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	swarmSize, err := validateSwarmSize(req.SwarmSize, s.cfg.Swarm.MaxAgents)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	maxBudget, err := validateMaxBudget(req.MaxBudget, s.cfg.Swarm.MinBudget, s.cfg.Swarm.MaxBudget)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}

	// Blockable input never takes the local-task shortcut: the engine
	// owns the safety verdict and persists the failed trace.
	blockable := safety.ShouldBlock(safety.Scan(req.Mission, safety.SourceInput))

	cls := tiering.Classify(req.Mission)
	if cls.Tier == tiering.TierTask && !blockable {
		start := time.Now()
		result := tiering.ApplyHandler(cls.LocalHandler, req.Mission, req.Content)
		writeJSON(w, http.StatusOK, executeResponse{
			TraceID:      fmt.Sprintf("task-%d", time.Now().UnixMilli()),
			Synthesis:    result,
			Iterations:   []trace.Iteration{},
			Cost:         0,
			DurationMs:   time.Since(start).Milliseconds(),
			RedTeamFlags: []safety.RedTeamFlag{},
			Tier:         tiering.TierTask,
			TierReason:   cls.Reason,
		})
		return
	}

	tr, err := s.engine.ExecuteMission(r.Context(), req.Mission, swarmSize, maxBudget)
	if err != nil {
		s.writeMissionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{
		TraceID:      tr.TraceID,
		Synthesis:    tr.SynthesisResult,
		Iterations:   tr.Iterations,
		Cost:         tr.ActualCost,
		DurationMs:   tr.DurationMs,
		RedTeamFlags: tr.RedTeamFlags,
		Tier:         tiering.TierMission,
		TierReason:   cls.Reason,
	})
}

// writeMissionError maps engine error kinds to the HTTP taxonomy.
func (s *Server) writeMissionError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		blocked  *swarm.SafetyBlockedError
		budget   *swarm.BudgetExceededError
		rateLim  *upstream.RateLimitError
		synthErr *swarm.SynthesisError
	)
	switch {
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusForbidden, errorBody{
			Error:   "Mission blocked by safety system",
			Code:    codeSafetyBlocked,
			TraceID: blocked.TraceID,
		})
	case errors.As(err, &budget):
		writeError(w, http.StatusPaymentRequired, codeBudgetExceeded, err.Error())
	case errors.As(err, &rateLim):
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "upstream rate limit exhausted")
	case errors.Is(err, swarm.ErrCancelled):
		// The client went away; there is nobody left to answer.
		s.log.Debug("mission cancelled by client", zap.String("path", r.URL.Path))
	case errors.As(err, &synthErr), errors.Is(err, upstream.ErrMissingCredential):
		writeError(w, http.StatusInternalServerError, codeUpstreamFailed, err.Error())
	default:
		var ue *upstream.UpstreamError
		if errors.As(err, &ue) {
			writeError(w, http.StatusInternalServerError, codeUpstreamFailed, err.Error())
			return
		}
		s.log.Error("mission failed unexpectedly", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}

type estimateRequest struct {
	Mission   string `json:"mission"`
	SwarmSize *int   `json:"swarmSize,omitempty"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}
	if err := validateMission(req.Mission); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	swarmSize, err := validateSwarmSize(req.SwarmSize, s.cfg.Swarm.MaxAgents)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	if swarmSize == 0 {
		swarmSize = s.cfg.Swarm.DefaultSize
	}

	est := cost.EstimateMission(&s.cfg.Models, req.Mission, swarmSize, s.cfg.Swarm.DefaultMaxBudget)
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "traceId")
	if err := validateTraceID(id); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	tr, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "traceId")
	if err := validateTraceID(id); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	if st, ok := s.engine.Status(id); ok {
		writeJSON(w, http.StatusOK, st)
		return
	}
	// Evicted or restarted: degenerate status derived from the trace.
	tr, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, degenerateStatus(tr))
}

// degenerateStatus synthesizes a terminal SwarmStatus from a persisted
// trace once the live one has been evicted.
func degenerateStatus(tr *trace.Trace) swarm.SwarmStatus {
	phase := swarm.PhaseFailed
	progress := 0
	if tr.Status == trace.StatusCompleted {
		phase = swarm.PhaseCompleted
		progress = 100
	}
	return swarm.SwarmStatus{
		TraceID:          tr.TraceID,
		Status:           phase,
		Agents:           []swarm.AgentStatus{},
		CurrentIteration: len(tr.Iterations),
		Progress:         progress,
		Message:          "restored from persisted trace",
	}
}

type listResponse struct {
	Traces []*trace.Trace `json:"traces"`
	Total  int            `json:"total"`
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseListParams(r.URL.Query().Get("limit"), r.URL.Query().Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	items, total := s.store.List(limit, offset)
	writeJSON(w, http.StatusOK, listResponse{Traces: items, Total: total})
}

func (s *Server) handleDeleteTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "traceId")
	if err := validateTraceID(id); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	if !s.store.Delete(id) {
		writeError(w, http.StatusNotFound, codeNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleActiveSwarms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ActiveSwarms())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", metrics.ContentType)
	_ = s.metrics.WriteExposition(w)
}
