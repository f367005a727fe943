package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/middleware"
	"github.com/rizome-dev/conductor/pkg/orchestrator"
	"github.com/rizome-dev/conductor/pkg/types"
)

const maxBodyBytes = 4 << 20

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	if httpCfg := s.config.Server.HTTP; httpCfg.CORSEnabled {
		origins := httpCfg.CORSAllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", s.healthz)
	if s.monitor != nil {
		r.Handle("/metrics", s.monitor.MetricsHandler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.HTTPAuthMiddleware)
		r.Use(s.limiter.HTTPRateLimitMiddleware)

		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Post("/tasks/{id}/cancel", s.cancelTask)

		r.Get("/agents", s.listAgents)

		r.Get("/workflows/definitions", s.listDefinitions)
		r.Post("/workflows/definitions", s.registerDefinition)
		r.Get("/workflows/definitions/{id}", s.getDefinition)

		r.Post("/workflows/executions", s.executeWorkflow)
		r.Get("/workflows/executions", s.listExecutions)
		r.Get("/workflows/executions/{id}", s.getExecution)
		r.With(s.auth.RequireRole(middleware.RoleReviewer)).Post("/workflows/executions/{id}/resume", s.resumeWorkflow)
		r.Post("/workflows/executions/{id}/cancel", s.cancelWorkflow)

		r.Get("/metrics", s.getMetrics)
		r.Get("/events", s.listEvents)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.monitor != nil {
		s.monitor.HealthHandler()(w, r)
		return
	}

	status := "healthy"
	code := http.StatusOK
	if !s.orchestrator.IsRunning() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{"status": status})
}

// submitTask queues a task. With ?wait=true the response is the settled task.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AgentType == "" {
		writeError(w, fmt.Errorf("%w: agentType is required", cerrors.ErrInvalidInput))
		return
	}

	createdBy := req.CreatedBy
	if createdBy == "" {
		if claims, ok := middleware.GetUserFromContext(r.Context()); ok {
			createdBy = claims.Username
		}
	}

	taskID, err := s.orchestrator.SubmitTask(r.Context(), req.AgentType, req.Input, orchestrator.SubmitOptions{
		Priority:       req.Priority,
		CreatedBy:      createdBy,
		ParentTaskID:   req.ParentTaskID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		task, err := s.orchestrator.WaitForTask(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	writeJSON(w, http.StatusAccepted, types.SubmitTaskResponse{TaskID: taskID})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}

	tasks, err := s.orchestrator.ListTasks(r.Context(), types.TaskFilter{
		AgentType: q.Get("agentType"),
		Status:    types.TaskStatus(q.Get("status")),
		CreatedBy: q.Get("createdBy"),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*types.AgentTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.orchestrator.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orchestrator.CancelTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	task, err := s.orchestrator.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	metrics := s.orchestrator.GetMetrics()
	registry := s.orchestrator.Registry()

	agentTypes := registry.Types()
	sort.Strings(agentTypes)

	agents := make([]types.AgentInfo, 0, len(agentTypes))
	for _, agentType := range agentTypes {
		cfg, err := registry.GetConfig(agentType)
		if err != nil {
			continue
		}
		agents = append(agents, types.AgentInfo{Config: cfg, State: metrics.Agents[agentType]})
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.ListDefinitions())
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.orchestrator.GetDefinition(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) registerDefinition(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", cerrors.ErrInvalidInput, err))
		return
	}

	// JSON is a subset of YAML, so either body format parses
	def, err := orchestrator.ParseDefinition(data)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.orchestrator.RegisterDefinition(def); err != nil {
		writeError(w, err)
		return
	}

	registered, err := s.orchestrator.GetDefinition(def.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var req types.ExecuteWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var (
		exec *types.WorkflowExecution
		err  error
	)
	switch {
	case req.Definition != nil && req.WorkflowID != "":
		err = fmt.Errorf("%w: set either workflowId or definition, not both", cerrors.ErrInvalidInput)
	case req.Definition != nil:
		exec, err = s.orchestrator.ExecuteWorkflow(r.Context(), req.Definition, req.Context)
	case req.WorkflowID != "":
		exec, err = s.orchestrator.ExecuteWorkflowByID(r.Context(), req.WorkflowID, req.Context)
	default:
		err = fmt.Errorf("%w: workflowId or definition is required", cerrors.ErrInvalidInput)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}

	execs, err := s.orchestrator.ListExecutions(r.Context(), types.ExecutionFilter{
		WorkflowID: q.Get("workflowId"),
		Status:     types.WorkflowStatus(q.Get("status")),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if execs == nil {
		execs = []*types.WorkflowExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.orchestrator.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	exec, err := s.orchestrator.ResumeWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orchestrator.CancelWorkflow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	exec, err := s.orchestrator.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.GetMetrics())
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}

	filter := types.EventFilter{
		Type:   types.EventType(q.Get("type")),
		Source: q.Get("source"),
		TaskID: q.Get("taskId"),
		Limit:  limit,
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, fmt.Errorf("%w: since must be RFC3339: %v", cerrors.ErrInvalidInput, err))
			return
		}
		filter.Since = t
	}

	evts, err := s.orchestrator.GetEvents(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if evts == nil {
		evts = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, evts)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", cerrors.ErrInvalidInput, err)
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", cerrors.ErrInvalidInput)
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := cerrors.NewAPIError(err)
	writeJSON(w, apiErr.Code, apiErr)
}
