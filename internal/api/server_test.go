package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_autotask/internal/config"
	"crm_autotask/internal/domain"
	"crm_autotask/internal/events"
	"crm_autotask/internal/gap"
	"crm_autotask/internal/progression"
	"crm_autotask/internal/scheduler"
	"crm_autotask/internal/store/sqlite"
)

type harness struct {
	store  *sqlite.Store
	daemon *scheduler.Daemon
	server *httptest.Server
	bus    *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	require.NoError(t, store.UpsertReseller(ctx, domain.Reseller{
		ID:     "r-1",
		Name:   "Quiet Corner",
		Status: domain.ResellerStatusLapsed,
		Profile: domain.PsychProfile{
			Receptiveness:    5,
			PreferredChannel: domain.ChannelTelegram,
			BusinessAcumen:   domain.TierHigh,
			RiskAversion:     domain.TierLow,
		},
	}))
	require.NoError(t, store.UpsertAgent(ctx, domain.Agent{
		ID:                 "a-1",
		MaxConcurrentTasks: 4,
		IsActive:           true,
		Skills:             map[domain.Channel]domain.SkillLevel{domain.ChannelTelegram: domain.SkillExpert},
		Schedule:           domain.WorkSchedule{DaysPerWeek: 7, StartTime: "00:00", EndTime: "23:59", Timezone: "UTC"},
	}))

	bus := events.NewBus(16)
	rules, err := progression.RulesFromConfig(cfg.Progression)
	require.NoError(t, err)
	prog := progression.New(store, rules, bus, logger)
	d := scheduler.New(store, nil, bus, scheduler.Tuning{Gap: cfg.Gap, Assignment: cfg.Assignment}, scheduler.Config{}, logger)

	srv := New(Options{
		Store:       store,
		Daemon:      d,
		Progression: prog,
		Publisher:   bus,
		Subscriber:  bus,
		Config:      cfg,
		Logger:      logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{store: store, daemon: d, server: ts, bus: bus}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestForceRunThenReportCreditsAgentOnce(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/daemon/force", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var run domain.SchedulerRun
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, 1, run.TasksCreated)

	resp, body = h.do(t, http.MethodGet, "/tasks?status=pending&agent_id=a-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tasks []domain.Task
	require.NoError(t, json.Unmarshal(body, &tasks))
	require.Len(t, tasks, 1)
	taskID := tasks[0].ID

	resp, _ = h.do(t, http.MethodPost, "/tasks/"+taskID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	report := map[string]any{
		"id":                         "rep-1",
		"agent_id":                   "a-1",
		"task_effectiveness_rating":  5,
		"communication_channel_used": "telegram",
		"challenges_faced":           []string{"price objection"},
	}
	resp, body = h.do(t, http.MethodPost, "/tasks/"+taskID+"/report", report)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out struct {
		Task      domain.Task          `json:"task"`
		Progress  domain.AgentProgress `json:"progress"`
		Duplicate bool                 `json:"duplicate"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, domain.TaskStatusCompleted, out.Task.Status)
	assert.Equal(t, 35, out.Progress.TotalXP)
	assert.False(t, out.Duplicate)

	resp, body = h.do(t, http.MethodPost, "/tasks/"+taskID+"/report", report)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Duplicate)
	assert.Equal(t, 35, out.Progress.TotalXP)

	resp, body = h.do(t, http.MethodGet, "/agents/a-1/progress", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var progress domain.AgentProgress
	require.NoError(t, json.Unmarshal(body, &progress))
	assert.Equal(t, 35, progress.TotalXP)
	assert.Equal(t, 1, progress.CurrentStreak)

	resp, _ = h.do(t, http.MethodPost, "/tasks/"+taskID+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "completed tasks stay completed")
}

func TestReportValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.daemon.ForceRun(context.Background())
	require.NoError(t, err)
	tasks, err := h.store.ListOpenTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	resp, _ := h.do(t, http.MethodPost, "/tasks/"+tasks[0].ID+"/report", map[string]any{"task_effectiveness_rating": 7})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/tasks/missing/report", map[string]any{"task_effectiveness_rating": 3})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/tasks/"+tasks[0].ID+"/report", map[string]any{"agent_id": "a-2", "task_effectiveness_rating": 3})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDaemonControlEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.daemon.Wait()
	}()
	h.daemon.Launch(ctx)

	resp, body := h.do(t, http.MethodPost, "/daemon/start", map[string]any{"interval_minutes": 60})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status scheduler.Status
	require.NoError(t, json.Unmarshal(body, &status))
	assert.True(t, status.IsRunning)
	assert.Equal(t, float64(60), status.Config.ExecutionIntervalMinutes)
	assert.NotNil(t, status.NextExecution)

	resp, body = h.do(t, http.MethodGet, "/daemon/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	for _, key := range []string{"is_running", "is_executing", "last_execution", "next_execution", "execution_count", "config"} {
		assert.Contains(t, raw, key)
	}
	assert.Contains(t, raw["config"], "EXECUTION_INTERVAL_MINUTES")

	resp, _ = h.do(t, http.MethodGet, "/daemon/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/daemon/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &status))
	assert.False(t, status.IsRunning)

	resp, _ = h.do(t, http.MethodPost, "/daemon/force", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = h.do(t, http.MethodGet, "/daemon/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []domain.SchedulerRun
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)

	resp, body = h.do(t, http.MethodGet, "/daemon/runs/"+runs[0].ID+"/decisions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var decisions []domain.DecisionLog
	require.NoError(t, json.Unmarshal(body, &decisions))
	assert.NotEmpty(t, decisions)
}

func TestGapsAndCapacityAreReadOnly(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/analysis/gaps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var gaps struct {
		GapsIdentified int                `json:"gaps_identified"`
		Details        []domain.GapSignal `json:"details"`
	}
	require.NoError(t, json.Unmarshal(body, &gaps))
	assert.Equal(t, 1, gaps.GapsIdentified)
	require.Len(t, gaps.Details, 1)
	assert.Equal(t, domain.TaskTypeChurnPrevention, gaps.Details[0].RecommendedTaskType)

	resp, body = h.do(t, http.MethodGet, "/agents/capacity", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var caps struct {
		Agents []domain.AgentCapacity `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(body, &caps))
	require.Len(t, caps.Agents, 1)
	assert.Zero(t, caps.Agents[0].CurrentLoad)

	runs, err := h.store.ListSchedulerRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

// busyDaemon reports a pass in flight for every force request.
type busyDaemon struct{}

func (busyDaemon) Start(time.Duration) scheduler.Status { return scheduler.Status{IsRunning: true} }
func (busyDaemon) Stop() scheduler.Status               { return scheduler.Status{} }
func (busyDaemon) ForceRun(context.Context) (domain.SchedulerRun, error) {
	return domain.SchedulerRun{}, domain.ErrConcurrentRun
}
func (busyDaemon) Status() scheduler.Status { return scheduler.Status{IsRunning: true, IsExecuting: true} }
func (busyDaemon) Runs(context.Context, int) ([]domain.SchedulerRun, error) {
	return nil, nil
}
func (busyDaemon) Analyze(context.Context) (gap.Result, error) { return gap.Result{}, nil }

func TestForceRunWhileExecutingIsConflict(t *testing.T) {
	srv := New(Options{Daemon: busyDaemon{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/daemon/force", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already executing")
}

func TestTaskFilterParsing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tasks?status=pending,overdue&agent_id=a-1&type=follow_up&due_from=2026-03-01&due_to=2026-03-31T23:59:59Z&limit=10", nil)
	filter, err := taskFilterFromQuery(req)
	require.NoError(t, err)
	assert.Equal(t, []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusOverdue}, filter.Statuses)
	assert.Equal(t, "a-1", filter.AgentID)
	assert.Equal(t, domain.TaskTypeFollowUp, filter.TaskType)
	require.NotNil(t, filter.DueFrom)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *filter.DueFrom)
	assert.Equal(t, 10, filter.Limit)

	_, err = taskFilterFromQuery(httptest.NewRequest(http.MethodGet, "/tasks?due_from=yesterday", nil))
	assert.Error(t, err)
	_, err = taskFilterFromQuery(httptest.NewRequest(http.MethodGet, "/tasks?type=cold_call", nil))
	assert.Error(t, err)
}

func TestStartedTaskPastDueListsAsOverdue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	late := domain.Task{
		ID:                "t-late",
		ResellerID:        "r-1",
		AssignedToAgentID: "a-1",
		TaskType:          domain.TaskTypeFollowUp,
		Priority:          domain.PriorityMedium,
		DueDate:           time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, h.store.CreateTask(ctx, late))
	_, err := h.store.TransitionTask(ctx, late.ID, domain.TaskStatusInProgress)
	require.NoError(t, err)

	listed := func(path string) []domain.Task {
		resp, body := h.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var tasks []domain.Task
		require.NoError(t, json.Unmarshal(body, &tasks))
		return tasks
	}

	agentTasks := listed("/agents/a-1/tasks")
	require.Len(t, agentTasks, 1)
	assert.Equal(t, domain.TaskStatusOverdue, agentTasks[0].Status)

	overdue := listed("/tasks?status=overdue")
	require.Len(t, overdue, 1)
	assert.Equal(t, "t-late", overdue[0].ID)
	assert.Empty(t, listed("/tasks?status=in_progress"))

	// the lifecycle column keeps the agent's progress
	stored, err := h.store.GetTask(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusInProgress, stored.Status)
}
