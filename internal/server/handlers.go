package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/schedule"
	"github.com/haasonsaas/valet/internal/sessions"
	"github.com/haasonsaas/valet/pkg/models"
)

// maxBodyBytes caps request bodies. Prompts are text; a megabyte is
// generous.
const maxBodyBytes = 1 << 20

type messageRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content"`
}

type messageResponse struct {
	SessionID   string           `json:"session_id"`
	Status      string           `json:"status"`
	Content     string           `json:"content,omitempty"`
	PendingTool *models.ToolCall `json:"pending_tool,omitempty"`
}

type jobRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Schedule string `json:"schedule"`
	Prompt   string `json:"prompt"`
	Notify   bool   `json:"notify,omitempty"`
}

type jobView struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Schedule  string    `json:"schedule"`
	Prompt    string    `json:"prompt"`
	Notify    bool      `json:"notify"`
	Paused    bool      `json:"paused"`
	CreatedAt time.Time `json:"created_at"`
	NextRun   time.Time `json:"next_run"`
}

type executionView struct {
	ExecutedAt    time.Time `json:"executed_at"`
	Status        string    `json:"status"`
	DurationMS    int64     `json:"duration_ms"`
	ResultSummary string    `json:"result_summary,omitempty"`
}

type jobListResponse struct {
	Jobs []jobView `json:"jobs"`
}

type jobStatusResponse struct {
	Job           jobView        `json:"job"`
	LastExecution *executionView `json:"last_execution,omitempty"`
}

type executionsResponse struct {
	Executions []executionView `json:"executions"`
}

func viewJob(job *schedule.Job) jobView {
	return jobView{
		Name:      job.Name,
		Kind:      string(job.Kind),
		Schedule:  job.Schedule,
		Prompt:    job.AgentPrompt,
		Notify:    job.Notify,
		Paused:    job.Paused,
		CreatedAt: job.CreatedAt,
		NextRun:   job.NextRun,
	}
}

func viewExecution(exec *schedule.Execution) executionView {
	return executionView{
		ExecutedAt:    exec.ExecutedAt,
		Status:        string(exec.Status),
		DurationMS:    exec.DurationMS,
		ResultSummary: exec.ResultSummary,
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.jsonError(w, "content is required", http.StatusBadRequest)
		return
	}
	// Assign the ID here so the response can name a session the runtime
	// just created.
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	out, err := s.cfg.Runtime.Submit(r.Context(), req.SessionID, req.Content)
	s.writeOutcome(w, req.SessionID, out, err)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := s.cfg.Runtime.Confirm(r.Context(), id)
	s.writeOutcome(w, id, out, err)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := s.cfg.Runtime.Deny(r.Context(), id)
	s.writeOutcome(w, id, out, err)
}

// writeOutcome maps an agent outcome onto the wire. A parked tool call
// is a success; submitting over an unresolved one is a conflict.
func (s *Server) writeOutcome(w http.ResponseWriter, sessionID string, out agent.Outcome, err error) {
	resp := messageResponse{SessionID: sessionID, Status: string(out.Status)}
	switch out.Status {
	case agent.OutcomeCompleted:
		resp.Content = out.Content
		s.jsonResponse(w, resp)
	case agent.OutcomePendingConfirmation:
		resp.PendingTool = out.PendingCall
		if errors.Is(err, agent.ErrConfirmationPending) {
			s.jsonResponseStatus(w, resp, http.StatusConflict)
			return
		}
		s.jsonResponse(w, resp)
	default:
		message := "request failed"
		if err != nil {
			message = err.Error()
		} else if out.Err != nil {
			message = out.Err.Error()
		}
		s.jsonError(w, message, outcomeErrorStatus(err))
	}
}

func outcomeErrorStatus(err error) int {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessions.ErrEnded), errors.Is(err, agent.ErrNoPendingCall):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}
	jobs := sched.List()
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewJob(job))
	}
	s.jsonResponse(w, jobListResponse{Jobs: views})
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}
	var req jobRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.jsonError(w, "prompt is required", http.StatusBadRequest)
		return
	}

	var (
		job *schedule.Job
		err error
	)
	ctx := r.Context()
	switch schedule.Kind(req.Kind) {
	case schedule.KindOneShot:
		job, err = sched.AddOneShot(ctx, req.Name, req.Schedule, req.Prompt, req.Notify)
	case schedule.KindCron:
		job, err = sched.AddCron(ctx, req.Name, req.Schedule, req.Prompt, req.Notify)
	case schedule.KindInterval:
		minutes, convErr := strconv.Atoi(strings.TrimSpace(req.Schedule))
		if convErr != nil {
			s.jsonError(w, "interval schedule must be a number of minutes", http.StatusBadRequest)
			return
		}
		job, err = sched.AddInterval(ctx, req.Name, minutes, req.Prompt, req.Notify)
	default:
		s.jsonError(w, "kind must be one_shot, cron, or interval", http.StatusBadRequest)
		return
	}
	if err != nil {
		if errors.Is(err, schedule.ErrJobExists) {
			s.jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.jsonResponseStatus(w, viewJob(job), http.StatusCreated)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}
	status, err := sched.Status(r.Context(), r.PathValue("name"))
	if err != nil {
		s.jobError(w, err)
		return
	}
	resp := jobStatusResponse{Job: viewJob(status.Job)}
	if status.LastExecution != nil {
		view := viewExecution(status.LastExecution)
		resp.LastExecution = &view
	}
	s.jsonResponse(w, resp)
}

func (s *Server) handleJobRemove(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}
	if err := sched.Remove(r.Context(), r.PathValue("name")); err != nil {
		s.jobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobPause(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}
	name := r.PathValue("name")
	if err := sched.Pause(r.Context(), name); err != nil {
		s.jobError(w, err)
		return
	}
	s.jsonResponse(w, map[string]string{"name": name, "status": "paused"})
}

func (s *Server) handleJobResume(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}
	name := r.PathValue("name")
	if err := sched.Resume(r.Context(), name); err != nil {
		s.jobError(w, err)
		return
	}
	s.jsonResponse(w, map[string]string{"name": name, "status": "active"})
}

func (s *Server) handleJobExecutions(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.jsonError(w, "limit must be a number", http.StatusBadRequest)
			return
		}
		limit = n
	}
	execs, err := sched.RecentExecutions(r.Context(), r.PathValue("name"), limit)
	if err != nil {
		s.jobError(w, err)
		return
	}
	views := make([]executionView, 0, len(execs))
	for _, exec := range execs {
		views = append(views, viewExecution(exec))
	}
	s.jsonResponse(w, executionsResponse{Executions: views})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Usage == nil {
		s.jsonError(w, "usage tracking not configured", http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, s.cfg.Usage.Summary())
}

// scheduler guards the job endpoints when serve runs without one.
func (s *Server) scheduler(w http.ResponseWriter) (*schedule.Scheduler, bool) {
	if s.cfg.Scheduler == nil {
		s.jsonError(w, "scheduler not running", http.StatusServiceUnavailable)
		return nil, false
	}
	return s.cfg.Scheduler, true
}

func (s *Server) jobError(w http.ResponseWriter, err error) {
	if errors.Is(err, schedule.ErrJobNotFound) {
		s.jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.jsonError(w, err.Error(), http.StatusInternalServerError)
}

// decodeBody parses a JSON request body, reporting false after writing
// the error response.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

func (s *Server) jsonResponseStatus(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}
