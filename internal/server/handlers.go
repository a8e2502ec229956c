package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/gatekeeper/internal/approvals"
	"github.com/haasonsaas/gatekeeper/pkg/models"
)

type createRequestBody struct {
	SessionID string         `json:"sessionId"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	Thought   string         `json:"thought,omitempty"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
}

type resolveRequestBody struct {
	Decision      models.Decision `json:"decision"`
	RespondedBy   string          `json:"respondedBy"`
	RespondedFrom string          `json:"respondedFrom,omitempty"`
}

type resolveResponseBody struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	req, err := s.svc.Create(r.Context(), approvals.CreateParams{
		SessionID: body.SessionID,
		Tool:      body.Tool,
		Params:    body.Params,
		Thought:   body.Thought,
		Timeout:   time.Duration(body.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		s.logger.Error("create approval failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, approvals.ErrNotFound) {
		writeError(w, http.StatusNotFound, "approval request not found")
		return
	}
	if err != nil {
		s.logger.Error("get approval failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.svc.ListPending(r.Context())
	if err != nil {
		s.logger.Error("list pending failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if reqs == nil {
		reqs = []*models.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

// handleWait long-polls for the request's resolution. 200 with the response
// when a decision arrives, 204 when the wait times out (the request is then
// expired and the caller must fail closed).
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeoutMs"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, "invalid timeoutMs")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	resp, err := s.svc.Wait(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		s.logger.Error("wait failed", "request_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "wait failed")
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body resolveRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Decision != models.DecisionApprove && body.Decision != models.DecisionDeny {
		writeError(w, http.StatusBadRequest, "decision must be approve or deny")
		return
	}
	respondedFrom := body.RespondedFrom
	if respondedFrom == "" {
		respondedFrom = "web"
	}

	accepted, err := s.svc.Resolve(r.Context(), &models.ApprovalResponse{
		RequestID:     r.PathValue("id"),
		Decision:      body.Decision,
		RespondedBy:   body.RespondedBy,
		RespondedFrom: respondedFrom,
	})
	if err != nil {
		s.logger.Error("resolve failed", "request_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "resolve failed")
		return
	}
	writeJSON(w, http.StatusOK, resolveResponseBody{Accepted: accepted})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	entries, err := s.svc.AuditTrail(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
