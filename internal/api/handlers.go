package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rs/cors"

	"bidforge-engine/internal/manager"
	"bidforge-engine/internal/models"
	"bidforge-engine/internal/queue"
	"bidforge-engine/internal/ratelimit"
	"bidforge-engine/internal/usage"
	"bidforge-engine/internal/websocket"
)

// WorkflowCanceller stops a running workflow by key
type WorkflowCanceller interface {
	Cancel(key string) bool
}

// Deps are the collaborators behind the HTTP surface
type Deps struct {
	Manager        *manager.Manager
	Workflows      WorkflowCanceller
	Progress       websocket.Subscriber
	Ledger         *usage.Ledger
	Limits         *usage.LimitChecker
	RateLimiter    *ratelimit.RateLimiter
	Hub            *websocket.Manager
	AllowedOrigins []string

	// MaxRunningPerUser caps a user's processing jobs; 0 disables
	MaxRunningPerUser int
	Logger            *slog.Logger
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	Deps
	upgrader ws.Upgrader
}

// NewServer creates a new API server
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{Deps: d}
	s.upgrader = ws.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.AllowedOrigins, "*") || slices.Contains(s.AllowedOrigins, origin)
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/jobs", s.SubmitJob)
	mux.HandleFunc("GET /api/jobs", s.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.GetJobStatus)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.CancelJob)
	mux.HandleFunc("GET /api/health", s.Health)
	mux.HandleFunc("GET /api/usage/{company}/summary", s.UsageSummary)
	mux.HandleFunc("GET /api/limits/{company}/{kind}", s.CheckLimit)
	mux.HandleFunc("POST /api/workflows/{key}/cancel", s.CancelWorkflow)
	mux.HandleFunc("GET /ws/workflows/{key}", s.WorkflowStream)
	mux.HandleFunc("GET /ws/jobs", s.HandleWebSocket)
}

// Handler returns the routed mux behind CORS
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return cors.New(cors.Options{
		AllowedOrigins: s.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
	}).Handler(mux)
}

// SubmitJob handles job submission
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "user_id and type are required")
		return
	}

	if !s.RateLimiter.Allow(r.Context(), req.UserID) {
		retry := s.RateLimiter.RetryAfter(r.Context(), req.UserID)
		s.Logger.Warn("submit rate limit exceeded", "user_id", req.UserID)
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if req.MaxAttempts < 0 {
		writeError(w, http.StatusBadRequest, "max_attempts must not be negative")
		return
	}

	if existing := s.Manager.FindByIdempotencyKey(r.Context(), req.IdempotencyKey); existing != nil {
		s.Logger.Info("duplicate submission", "idempotency_key", req.IdempotencyKey, "job_id", existing.ID)
		writeJSON(w, http.StatusOK, existing)
		return
	}

	if s.MaxRunningPerUser > 0 {
		running := s.Manager.GetJobs(models.JobFilter{UserID: req.UserID, Status: models.StatusProcessing})
		if len(running) >= s.MaxRunningPerUser {
			s.Logger.Warn("concurrent job limit exceeded", "user_id", req.UserID, "running", len(running))
			writeError(w, http.StatusTooManyRequests, "concurrent job limit exceeded (max "+strconv.Itoa(s.MaxRunningPerUser)+")")
			return
		}
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	opts := queue.Options{
		Priority:       req.Priority,
		UserID:         req.UserID,
		ProjectID:      req.ProjectID,
		Metadata:       req.Metadata,
		MaxAttempts:    req.MaxAttempts,
		TraceID:        r.Header.Get("X-Request-ID"),
		IdempotencyKey: req.IdempotencyKey,
	}
	id, err := s.submit(r, req.Type, payload, opts)
	if err != nil {
		s.fail(w, "submit job", err)
		return
	}
	job, err := s.Manager.GetJobStatus(id)
	if err != nil {
		s.fail(w, "load submitted job", err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// submit picks the category submitter so each type gets its default priority
func (s *Server) submit(r *http.Request, jobType models.JobType, payload any, opts queue.Options) (string, error) {
	ctx := r.Context()
	switch jobType {
	case models.JobTypeBidGeneration, models.JobTypeAgentWorkflow:
		return s.Manager.SubmitGeneration(ctx, jobType, payload, opts)
	case models.JobTypeRFPAnalysis, models.JobTypeSketchAnalysis:
		return s.Manager.SubmitAnalysis(ctx, jobType, payload, opts)
	case models.JobTypeDocumentProcessing, models.JobTypeDocumentEmbedding:
		return s.Manager.SubmitDocumentProcessing(ctx, jobType, payload, opts)
	case models.JobTypeEmailNotification, models.JobTypeWebhookNotification:
		return s.Manager.SubmitNotification(ctx, jobType, payload, opts)
	case models.JobTypeCacheWarmup:
		return s.Manager.SubmitCacheWarmup(ctx, payload, opts)
	}
	return s.Manager.Submit(ctx, jobType, payload, opts)
}

// GetJobStatus returns job status
func (s *Server) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.Manager.GetJobStatus(r.PathValue("id"))
	if err != nil {
		s.fail(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListJobs returns jobs for a user or project, newest first
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.JobFilter{
		UserID:    q.Get("user_id"),
		ProjectID: q.Get("project_id"),
		Status:    models.JobStatus(q.Get("status")),
		Type:      models.JobType(q.Get("type")),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if filter.UserID == "" && filter.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "user_id or project_id is required")
		return
	}
	writeJSON(w, http.StatusOK, s.Manager.GetJobs(filter))
}

// CancelJob cancels a queued or running job
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.Manager.CancelJob(id) {
		job, _ := s.Manager.GetJobStatus(id)
		writeJSON(w, http.StatusOK, job)
		return
	}
	if _, err := s.Manager.GetJobStatus(id); err != nil {
		s.fail(w, "cancel job", err)
		return
	}
	writeError(w, http.StatusConflict, "job already finished")
}

// Health reports queue health; unhealthy answers 503
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	report := s.Manager.GetHealthStatus()
	status := http.StatusOK
	if report.Status == models.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) UsageSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Ledger.GetUsageSummary(r.Context(), r.PathValue("company"))
	if err != nil {
		s.fail(w, "usage summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) CheckLimit(w http.ResponseWriter, r *http.Request) {
	kind := models.LimitType(r.PathValue("kind"))
	switch kind {
	case models.LimitProjects, models.LimitDocuments, models.LimitBids:
	default:
		writeError(w, http.StatusBadRequest, "unknown limit type "+string(kind))
		return
	}
	res, err := s.Limits.Check(r.Context(), r.PathValue("company"), kind)
	if err != nil {
		s.fail(w, "check limit", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !s.Workflows.Cancel(key) {
		writeError(w, http.StatusNotFound, models.ErrWorkflowNotFound.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"workflowKey": key, "status": "cancelling"})
}

// WorkflowStream upgrades to a progress stream for one workflow
func (s *Server) WorkflowStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	websocket.StreamWorkflow(conn, r.PathValue("key"), s.Progress, s.Logger)
}

// HandleWebSocket handles job-update WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.Hub.AddClient(conn)
}

// fail maps domain errors onto status codes
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrUnknownJobType), models.KindOf(err) == models.KindValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.Logger.Error("request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
