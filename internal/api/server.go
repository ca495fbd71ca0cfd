package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crm_autotask/internal/capacity"
	"crm_autotask/internal/config"
	"crm_autotask/internal/domain"
	"crm_autotask/internal/events"
	"crm_autotask/internal/gap"
	"crm_autotask/internal/scheduler"
)

type Store interface {
	Ping(ctx context.Context) error
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	ListOpenTasks(ctx context.Context) ([]domain.Task, error)
	TransitionTask(ctx context.Context, taskID string, to domain.TaskStatus) (domain.Task, error)
	CompleteTask(ctx context.Context, report domain.TaskReport) (domain.Task, error)
	GetTaskReport(ctx context.Context, taskID string) (domain.TaskReport, error)
	ListAgents(ctx context.Context, filter domain.AgentFilter) ([]domain.Agent, error)
	GetSchedulerRun(ctx context.Context, runID string) (domain.SchedulerRun, error)
	ListDecisions(ctx context.Context, runID string, limit int) ([]domain.DecisionLog, error)
}

type Daemon interface {
	Start(interval time.Duration) scheduler.Status
	Stop() scheduler.Status
	ForceRun(ctx context.Context) (domain.SchedulerRun, error)
	Status() scheduler.Status
	Runs(ctx context.Context, limit int) ([]domain.SchedulerRun, error)
	Analyze(ctx context.Context) (gap.Result, error)
}

type Progression interface {
	OnTaskCompleted(ctx context.Context, agentID string, report domain.TaskReport) (domain.AgentProgress, error)
	Progress(ctx context.Context, agentID string, now time.Time) (domain.AgentProgress, error)
}

// Subscriber hands out per-agent event inboxes for streaming. Each call opens
// a separate inbox closed by the returned func.
type Subscriber interface {
	Subscribe(agentID string) (<-chan events.Event, func())
}

type Server struct {
	store       Store
	daemon      Daemon
	progression Progression
	publisher   events.Publisher
	subscriber  Subscriber
	logger      *slog.Logger

	mu  sync.RWMutex
	cfg config.Config
}

type Options struct {
	Store       Store
	Daemon      Daemon
	Progression Progression
	Publisher   events.Publisher
	Subscriber  Subscriber
	Config      config.Config
	Logger      *slog.Logger
}

func New(opts Options) *Server {
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		store:       opts.Store,
		daemon:      opts.Daemon,
		progression: opts.Progression,
		publisher:   opts.Publisher,
		subscriber:  opts.Subscriber,
		logger:      opts.Logger,
		cfg:         opts.Config,
	}
}

// SetConfig replaces the configuration served by /config.
func (s *Server) SetConfig(cfg config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/daemon/", s.handleDaemon)
	mux.HandleFunc("/analysis/gaps", s.handleGaps)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/agents/capacity", s.handleCapacity)
	mux.HandleFunc("/agents/", s.handleAgentByID)
	return s.loggingMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"path": cfg.Path,
		"raw":  cfg.Raw,
	})
}

func (s *Server) handleDaemon(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/daemon/"), "/"), "/")
	switch parts[0] {
	case "start":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			IntervalMinutes float64 `json:"interval_minutes"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
				return
			}
		}
		if req.IntervalMinutes < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("interval_minutes must not be negative"))
			return
		}
		interval := time.Duration(req.IntervalMinutes * float64(time.Minute))
		writeJSON(w, http.StatusOK, s.daemon.Start(interval))
	case "stop":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.daemon.Stop())
	case "force":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		run, err := s.daemon.ForceRun(r.Context())
		if err != nil {
			writeDomainError(w, err, map[string]any{"run": run})
			return
		}
		writeJSON(w, http.StatusOK, run)
	case "status":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.daemon.Status())
	case "runs":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if len(parts) == 1 {
			runs, err := s.daemon.Runs(r.Context(), queryInt(r, "limit", 50))
			if err != nil {
				writeDomainError(w, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, runs)
			return
		}
		s.handleRun(w, r, parts[1], parts[2:])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown daemon action: %s", parts[0]))
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, runID string, rest []string) {
	if len(rest) == 0 {
		run, err := s.store.GetSchedulerRun(r.Context(), runID)
		if err != nil {
			writeDomainError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}
	if rest[0] != "decisions" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown run action: %s", rest[0]))
		return
	}
	items, err := s.store.ListDecisions(r.Context(), runID, queryInt(r, "limit", 300))
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	res, err := s.daemon.Analyze(r.Context())
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	issues := make([]string, 0, len(res.Issues))
	for _, issue := range res.Issues {
		issues = append(issues, issue.Error())
	}
	details := res.Signals
	if details == nil {
		details = []domain.GapSignal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gaps_identified": len(details),
		"details":         details,
		"issues":          issues,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter, err := taskFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.listTasks(w, r, filter)
}

// listTasks filters and reports tasks by effective status judged at one
// instant, so a task past its due date shows and matches as overdue.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request, filter domain.TaskFilter) {
	filter.AsOf = time.Now().UTC()
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	for i := range tasks {
		tasks[i].Status = tasks[i].EffectiveStatus(filter.AsOf)
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := s.store.GetTask(r.Context(), taskID)
		if err != nil {
			writeDomainError(w, err, nil)
			return
		}
		task.Status = task.EffectiveStatus(time.Now().UTC())
		writeJSON(w, http.StatusOK, task)
		return
	}

	action := parts[1]
	switch action {
	case "start":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := s.store.TransitionTask(r.Context(), taskID, domain.TaskStatusInProgress)
		if err != nil {
			writeDomainError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case "report":
		switch r.Method {
		case http.MethodGet:
			report, err := s.store.GetTaskReport(r.Context(), taskID)
			if err != nil {
				writeDomainError(w, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, report)
		case http.MethodPost:
			s.handleReport(w, r, taskID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

// handleReport stores the completion report and credits the agent. A repeated
// report for a completed task re-credits the stored report, which the
// progress ledger turns into a no-op.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, taskID string) {
	var report domain.TaskReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	report.TaskID = taskID
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.CompletionTimestamp.IsZero() {
		report.CompletionTimestamp = time.Now().UTC()
	}

	duplicate := false
	task, err := s.store.CompleteTask(r.Context(), report)
	switch {
	case err == nil:
		s.publishCompleted(r.Context(), task, report)
	case errors.Is(err, domain.ErrAlreadyExists):
		stored, getErr := s.store.GetTaskReport(r.Context(), taskID)
		if getErr != nil {
			writeDomainError(w, getErr, nil)
			return
		}
		if report.AgentID != "" && report.AgentID != stored.AgentID {
			writeDomainError(w, err, nil)
			return
		}
		duplicate = true
		report = stored
		if task, err = s.store.GetTask(r.Context(), taskID); err != nil {
			writeDomainError(w, err, nil)
			return
		}
	default:
		writeDomainError(w, err, nil)
		return
	}

	progress, err := s.progression.OnTaskCompleted(r.Context(), task.AssignedToAgentID, report)
	if err != nil {
		s.logger.Error("credit report", "task_id", taskID, "report_id", report.ID, "error", err)
		writeDomainError(w, err, map[string]any{"task": task})
		return
	}
	code := http.StatusCreated
	if duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{
		"task":      task,
		"report":    report,
		"progress":  progress,
		"duplicate": duplicate,
	})
}

func (s *Server) publishCompleted(ctx context.Context, task domain.Task, report domain.TaskReport) {
	ev, err := events.New(events.KindTaskCompleted, report)
	if err != nil {
		s.logger.Warn("build completion event", "task_id", task.ID, "error", err)
		return
	}
	ev.AgentID = task.AssignedToAgentID
	ev.TaskID = task.ID
	ev.RunID = task.RunID
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish completion event", "task_id", task.ID, "error", err)
	}
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agents, err := s.store.ListAgents(r.Context(), domain.AgentFilter{ActiveOnly: true})
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	open, err := s.store.ListOpenTasks(r.Context())
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	caps, issues := capacity.Compute(agents, open)
	if caps == nil {
		caps = []domain.AgentCapacity{}
	}
	msgs := make([]string, 0, len(issues))
	for _, issue := range issues {
		msgs = append(msgs, issue.Error())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": caps,
		"issues": msgs,
	})
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/agents/"), "/")
	agentID := parts[0]
	if agentID == "" || len(parts) < 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("agent action is required"))
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch parts[1] {
	case "progress":
		progress, err := s.progression.Progress(r.Context(), agentID, time.Now().UTC())
		if err != nil {
			writeDomainError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, progress)
	case "tasks":
		filter, err := taskFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.AgentID = agentID
		s.listTasks(w, r, filter)
	case "events":
		s.streamEvents(w, r, agentID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown agent action: %s", parts[1]))
	}
}

// streamEvents forwards the agent's inbox as server-sent events until the
// client goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, agentID string) {
	if s.subscriber == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("event streaming is not enabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	inbox, unsubscribe := s.subscriber.Subscribe(agentID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-inbox:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode event", "agent_id", agentID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func taskFilterFromQuery(r *http.Request) (domain.TaskFilter, error) {
	q := r.URL.Query()
	filter := domain.TaskFilter{
		AgentID:    strings.TrimSpace(q.Get("agent_id")),
		ResellerID: strings.TrimSpace(q.Get("reseller_id")),
		TaskType:   domain.TaskType(strings.TrimSpace(q.Get("type"))),
		Limit:      queryInt(r, "limit", 0),
	}
	for _, raw := range q["status"] {
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				filter.Statuses = append(filter.Statuses, domain.TaskStatus(item))
			}
		}
	}
	if filter.TaskType != "" && !filter.TaskType.Valid() {
		return filter, fmt.Errorf("unknown task type %q", filter.TaskType)
	}
	var err error
	if filter.DueFrom, err = queryTime(r, "due_from"); err != nil {
		return filter, err
	}
	if filter.DueTo, err = queryTime(r, "due_to"); err != nil {
		return filter, err
	}
	return filter, nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

// writeDomainError maps the engine's error taxonomy onto status codes. extra
// is merged into the body when set.
func writeDomainError(w http.ResponseWriter, err error, extra map[string]any) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrConcurrentRun),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrVersionConflict):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrPersistence):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	body := map[string]any{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, code, body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// queryTime accepts RFC 3339 timestamps or plain dates.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if v, err := time.Parse(layout, raw); err == nil {
			v = v.UTC()
			return &v, nil
		}
	}
	return nil, fmt.Errorf("%s: expected RFC 3339 time or YYYY-MM-DD, got %q", key, raw)
}
