// Package api is the HTTP surface agents talk to: registration,
// heartbeats, work requests, and completion reports.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/taskfold/taskfold/assign"
	"github.com/taskfold/taskfold/claim"
	"github.com/taskfold/taskfold/registry"
	"github.com/taskfold/taskfold/service"
)

// Handler serves the agent-facing endpoints.
type Handler struct {
	svc    *service.Service
	engine *assign.Engine
	logger *zap.Logger
}

// NewHandler creates an API handler.
func NewHandler(svc *service.Service, engine *assign.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:    svc,
		engine: engine,
		logger: logger.With(zap.String("component", "api")),
	}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/queue", h.handleQueue)
	mux.HandleFunc("POST /v1/agents", h.handleRegisterAgent)
	mux.HandleFunc("DELETE /v1/agents/{id}", h.handleDeregisterAgent)
	mux.HandleFunc("POST /v1/agents/{id}/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("POST /v1/agents/{id}/request", h.handleRequestTask)
	mux.HandleFunc("POST /v1/agents/{id}/complete", h.handleComplete)
	mux.HandleFunc("POST /v1/agents/{id}/release", h.handleRelease)
}

type registerRequest struct {
	ID            string         `json:"id"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	MaxConcurrent int            `json:"max_concurrent,omitempty"`
	TypeLimits    map[string]int `json:"type_limits,omitempty"`
}

type taskResponse struct {
	ID           string     `json:"id"`
	Priority     string     `json:"priority"`
	Type         string     `json:"type,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	ReclaimCount int        `json:"reclaim_count"`
	Body         string     `json:"body,omitempty"`
}

type completeRequest struct {
	TaskID      string `json:"task_id"`
	Destination string `json:"destination,omitempty"`
}

type releaseRequest struct {
	TaskID string `json:"task_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	tasks := h.engine.Queue().Ordered()
	out := make([]taskResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskResponse{
			ID:           task.ID,
			Priority:     string(task.Priority),
			Type:         task.Type,
			Capabilities: task.Capabilities,
			CreatedAt:    task.CreatedAt,
			ReclaimCount: task.ReclaimCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "agent id is required")
		return
	}

	err := h.svc.RegisterAgent(r.Context(), &registry.Agent{
		ID:            req.ID,
		Capabilities:  req.Capabilities,
		MaxConcurrent: req.MaxConcurrent,
		TypeLimits:    req.TypeLimits,
	})
	if errors.Is(err, registry.ErrDuplicateAgent) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("agent registration failed",
			zap.String("agent_id", req.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (h *Handler) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DeregisterAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrAgentNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "deregistration failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	err := h.svc.ReportHeartbeat(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrAgentNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRequestTask(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	task, err := h.svc.RequestTask(r.Context(), agentID)
	if errors.Is(err, registry.ErrAgentNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if errors.Is(err, registry.ErrAgentNotActive) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("task request failed",
			zap.String("agent_id", agentID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "task request failed")
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, taskResponse{
		ID:           task.ID,
		Priority:     string(task.Priority),
		Type:         task.Type,
		Capabilities: task.Capabilities,
		CreatedAt:    task.CreatedAt,
		ClaimedAt:    task.ClaimedAt,
		ClaimedBy:    task.ClaimedBy,
		ReclaimCount: task.ReclaimCount,
		Body:         task.Body,
	})
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	err := h.svc.ReportCompletion(r.Context(), r.PathValue("id"), req.TaskID, req.Destination)
	if err != nil {
		writeClaimError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	err := h.svc.ReleaseTask(r.Context(), r.PathValue("id"), req.TaskID)
	if err != nil {
		writeClaimError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeClaimError(w http.ResponseWriter, err error) {
	var failure *claim.Failure
	if errors.As(err, &failure) {
		switch failure.Reason {
		case claim.ReasonNotFound:
			writeError(w, http.StatusNotFound, failure.Error())
		case claim.ReasonLockBusy:
			writeError(w, http.StatusConflict, failure.Error())
		default:
			writeError(w, http.StatusInternalServerError, failure.Error())
		}
		return
	}
	if errors.Is(err, registry.ErrAgentNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
