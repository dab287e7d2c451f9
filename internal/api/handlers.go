// ABOUTME: HTTP API handlers for tasks, agents, permission requests,
// ABOUTME: activities, and conflicts

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/muster/internal/lifecycle"
	"github.com/2389/muster/internal/store"
)

// CreateTaskRequest is the JSON request body for POST /api/tasks.
type CreateTaskRequest struct {
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Requester   string `json:"requester"`
	Resource    string `json:"resource,omitempty"`
	TimeoutSecs int    `json:"timeout_secs,omitempty"`
}

// AssignTaskRequest is the JSON request body for POST /api/tasks/{id}/assign.
type AssignTaskRequest struct {
	Agent string `json:"agent"`
}

// CancelTaskRequest is the JSON request body for POST /api/tasks/{id}/cancel.
type CancelTaskRequest struct {
	Operator string `json:"operator"`
}

// RegisterAgentRequest is the JSON request body for POST /api/agents.
type RegisterAgentRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// SubmitRequestRequest is the JSON request body for POST /api/requests.
type SubmitRequestRequest struct {
	Agent    string         `json:"agent"`
	Type     string         `json:"type"`
	Command  string         `json:"command"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ResolveRequestRequest is the JSON request body for approve and reject.
type ResolveRequestRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

// ResolveConflictRequest is the JSON request body for POST /api/conflicts/{id}/resolve.
type ResolveConflictRequest struct {
	Operator   string `json:"operator"`
	Resolution string `json:"resolution"`
}

// TaskResponse is the JSON shape of a task.
type TaskResponse struct {
	ID            string          `json:"id"`
	Description   string          `json:"description"`
	Priority      string          `json:"priority"`
	Status        string          `json:"status"`
	Requester     string          `json:"requester"`
	AssignedAgent *string         `json:"assigned_agent,omitempty"`
	Resource      string          `json:"resource,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *string         `json:"error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	TimeoutSecs   int             `json:"timeout_secs,omitempty"`
	CreatedAt     string          `json:"created_at"`
	StartedAt     *string         `json:"started_at,omitempty"`
	CompletedAt   *string         `json:"completed_at,omitempty"`
}

// AgentResponse is the JSON shape of an agent.
type AgentResponse struct {
	Name          string   `json:"name"`
	Status        string   `json:"status"`
	CurrentTaskID *string  `json:"current_task_id,omitempty"`
	LastHeartbeat string   `json:"last_heartbeat"`
	Capabilities  []string `json:"capabilities"`
}

// RequestResponse is the JSON shape of a permission request.
type RequestResponse struct {
	ID           string  `json:"id"`
	Agent        string  `json:"agent"`
	Type         string  `json:"type"`
	Command      string  `json:"command"`
	RiskLevel    string  `json:"risk_level"`
	AutoApproved bool    `json:"auto_approved"`
	Approver     *string `json:"approver,omitempty"`
	Status       string  `json:"status"`
	Reason       *string `json:"reason,omitempty"`
	CreatedAt    string  `json:"created_at"`
	ResolvedAt   *string `json:"resolved_at,omitempty"`
}

// ActivityResponse is the JSON shape of an activity log entry.
type ActivityResponse struct {
	ID          string          `json:"id"`
	Agent       string          `json:"agent"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

// ConflictResponse is the JSON shape of a resource conflict.
type ConflictResponse struct {
	ID         string   `json:"id"`
	Resource   string   `json:"resource"`
	Agents     []string `json:"agents"`
	Resolved   bool     `json:"resolved"`
	Resolution *string  `json:"resolution,omitempty"`
	DetectedAt string   `json:"detected_at"`
	ResolvedAt *string  `json:"resolved_at,omitempty"`
}

func taskResponse(t *store.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		Description:   t.Description,
		Priority:      t.Priority,
		Status:        t.Status,
		Requester:     t.Requester,
		AssignedAgent: t.AssignedAgent,
		Resource:      t.Resource,
		Result:        t.Result,
		Error:         t.Error,
		RetryCount:    t.RetryCount,
		TimeoutSecs:   t.TimeoutSecs,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
		StartedAt:     formatTimeRef(t.StartedAt),
		CompletedAt:   formatTimeRef(t.CompletedAt),
	}
}

func agentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		Name:          a.Name,
		Status:        a.Status,
		CurrentTaskID: a.CurrentTaskID,
		LastHeartbeat: a.LastHeartbeat.Format(time.RFC3339),
		Capabilities:  a.Capabilities,
	}
}

func requestResponse(r *store.Request) RequestResponse {
	return RequestResponse{
		ID:           r.ID,
		Agent:        r.Agent,
		Type:         r.Type,
		Command:      r.Command,
		RiskLevel:    r.RiskLevel,
		AutoApproved: r.AutoApproved,
		Approver:     r.Approver,
		Status:       r.Status,
		Reason:       r.Reason,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
		ResolvedAt:   formatTimeRef(r.ResolvedAt),
	}
}

func formatTimeRef(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// handleTasks handles GET and POST /api/tasks.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := store.TaskFilter{
			Status: r.URL.Query().Get("status"),
			Agent:  r.URL.Query().Get("agent"),
			Limit:  queryInt(r, "limit", 100),
			Offset: queryInt(r, "offset", 0),
		}
		tasks, err := s.store.ListTasks(r.Context(), filter)
		if err != nil {
			s.sendError(w, err)
			return
		}
		out := make([]TaskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, taskResponse(t))
		}
		s.sendJSON(w, http.StatusOK, map[string]any{"tasks": out})

	case http.MethodPost:
		var req CreateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, fmt.Errorf("%w: invalid JSON body", lifecycle.ErrValidation))
			return
		}
		task, err := s.manager.CreateTask(r.Context(), req.Description, req.Priority, req.Requester, lifecycle.TaskOptions{
			Resource:    req.Resource,
			TimeoutSecs: req.TimeoutSecs,
		})
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendJSON(w, http.StatusCreated, taskResponse(task))

	default:
		methodNotAllowed(w)
	}
}

// handleTaskRoutes handles GET /api/tasks/{id} and POST
// /api/tasks/{id}/assign and /api/tasks/{id}/cancel.
func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		task, err := s.store.GetTask(r.Context(), parts[0])
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, taskResponse(task))

	case len(parts) == 2 && parts[1] == "assign":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req AssignTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Agent == "" {
			s.sendError(w, fmt.Errorf("%w: agent is required", lifecycle.ErrValidation))
			return
		}
		if err := s.manager.AssignTask(r.Context(), parts[0], req.Agent); err != nil {
			s.sendError(w, err)
			return
		}
		task, err := s.store.GetTask(r.Context(), parts[0])
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, taskResponse(task))

	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req CancelTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operator == "" {
			s.sendError(w, fmt.Errorf("%w: operator is required", lifecycle.ErrValidation))
			return
		}
		if err := s.manager.CancelTask(r.Context(), parts[0], req.Operator); err != nil {
			s.sendError(w, err)
			return
		}
		task, err := s.store.GetTask(r.Context(), parts[0])
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, taskResponse(task))

	default:
		http.NotFound(w, r)
	}
}

// handleAgents handles GET and POST /api/agents.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := s.store.ListAgents(r.Context(), r.URL.Query().Get("status"))
		if err != nil {
			s.sendError(w, err)
			return
		}
		out := make([]AgentResponse, 0, len(agents))
		for _, a := range agents {
			out = append(out, agentResponse(a))
		}
		s.sendJSON(w, http.StatusOK, map[string]any{"agents": out})

	case http.MethodPost:
		var req RegisterAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, fmt.Errorf("%w: invalid JSON body", lifecycle.ErrValidation))
			return
		}
		agent, err := s.manager.RegisterAgent(r.Context(), req.Name, req.Capabilities)
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendJSON(w, http.StatusCreated, agentResponse(agent))

	default:
		methodNotAllowed(w)
	}
}

// handleAgentRoutes handles GET /api/agents/{name} and POST
// /api/agents/{name}/heartbeat.
func (s *Server) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		agent, err := s.store.GetAgent(r.Context(), parts[0])
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, agentResponse(agent))

	case len(parts) == 2 && parts[1] == "heartbeat":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.manager.Heartbeat(r.Context(), parts[0]); err != nil {
			s.sendError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.NotFound(w, r)
	}
}

// handleRequests handles POST /api/requests.
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req SubmitRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, fmt.Errorf("%w: invalid JSON body", lifecycle.ErrValidation))
		return
	}
	created, err := s.manager.SubmitRequest(r.Context(), req.Agent, req.Type, req.Command, req.Metadata)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, requestResponse(created))
}

// handleRequestRoutes handles GET /api/requests/pending, GET
// /api/requests/{id}, and POST /api/requests/{id}/approve and /reject.
func (s *Server) handleRequestRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/requests/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "pending":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		pending, err := s.store.ListPendingRequests(r.Context())
		if err != nil {
			s.sendError(w, err)
			return
		}
		out := make([]RequestResponse, 0, len(pending))
		for _, p := range pending {
			out = append(out, requestResponse(p))
		}
		s.sendJSON(w, http.StatusOK, map[string]any{"requests": out})

	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		req, err := s.store.GetRequest(r.Context(), parts[0])
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, requestResponse(req))

	case len(parts) == 2 && (parts[1] == "approve" || parts[1] == "reject"):
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body ResolveRequestRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Approver == "" {
			s.sendError(w, fmt.Errorf("%w: approver is required", lifecycle.ErrValidation))
			return
		}
		var err error
		if parts[1] == "approve" {
			err = s.manager.ApproveRequest(r.Context(), parts[0], body.Approver)
		} else {
			err = s.manager.RejectRequest(r.Context(), parts[0], body.Approver, body.Reason)
		}
		if err != nil {
			s.sendError(w, err)
			return
		}
		req, err := s.store.GetRequest(r.Context(), parts[0])
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, requestResponse(req))

	default:
		http.NotFound(w, r)
	}
}

// handleActivities handles GET /api/activities with since, agent, and
// limit filters.
func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	filter := store.ActivityFilter{
		Agent: r.URL.Query().Get("agent"),
		Limit: queryInt(r, "limit", 100),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.sendError(w, fmt.Errorf("%w: since must be RFC3339", lifecycle.ErrValidation))
			return
		}
		filter.Since = &since
	}

	activities, err := s.store.QueryActivities(r.Context(), filter)
	if err != nil {
		s.sendError(w, err)
		return
	}
	out := make([]ActivityResponse, 0, len(activities))
	for _, a := range activities {
		out = append(out, ActivityResponse{
			ID:          a.ID,
			Agent:       a.Agent,
			Category:    a.Category,
			Description: a.Description,
			Detail:      a.Detail,
			CreatedAt:   a.CreatedAt.Format(time.RFC3339),
		})
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"activities": out})
}

// handleConflicts handles GET /api/conflicts (open conflicts only).
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	conflicts, err := s.store.ListOpenConflicts(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	out := make([]ConflictResponse, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, ConflictResponse{
			ID:         c.ID,
			Resource:   c.Resource,
			Agents:     c.Agents,
			Resolved:   c.Resolved,
			Resolution: c.Resolution,
			DetectedAt: c.DetectedAt.Format(time.RFC3339),
			ResolvedAt: formatTimeRef(c.ResolvedAt),
		})
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"conflicts": out})
}

// handleConflictRoutes handles POST /api/conflicts/{id}/resolve.
func (s *Server) handleConflictRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/conflicts/"), "/")
	if len(parts) != 2 || parts[1] != "resolve" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operator == "" {
		s.sendError(w, fmt.Errorf("%w: operator is required", lifecycle.ErrValidation))
		return
	}
	if err := s.manager.ResolveConflict(r.Context(), parts[0], req.Operator, req.Resolution); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
