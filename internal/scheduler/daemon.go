package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crm_autotask/internal/assign"
	"crm_autotask/internal/capacity"
	"crm_autotask/internal/config"
	"crm_autotask/internal/content"
	"crm_autotask/internal/domain"
	"crm_autotask/internal/events"
	"crm_autotask/internal/gap"
)

const daemonActor = "scheduler"

type Store interface {
	CountOverdue(ctx context.Context, now time.Time) (int, error)
	ListResellers(ctx context.Context, filter domain.ResellerFilter) ([]domain.Reseller, error)
	ListAgents(ctx context.Context, filter domain.AgentFilter) ([]domain.Agent, error)
	ListOpenTasks(ctx context.Context) ([]domain.Task, error)
	LastInteractions(ctx context.Context) (map[string]time.Time, error)

	CreateSchedulerRun(ctx context.Context, run domain.SchedulerRun) error
	FinishSchedulerRun(ctx context.Context, run domain.SchedulerRun) error
	CommitRun(ctx context.Context, c domain.RunCommit) error
	ListSchedulerRuns(ctx context.Context, limit int) ([]domain.SchedulerRun, error)

	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Config struct {
	Interval         time.Duration
	WatchdogInterval time.Duration
	MaxRunDuration   time.Duration
	ForceRunTimeout  time.Duration
	// WriteTimeout bounds the writes made after a pass has left the
	// executing state: failure close-out, decisions and event publishing.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 5 * time.Second
	}
	if c.MaxRunDuration <= 0 {
		c.MaxRunDuration = 5 * time.Minute
	}
	if c.ForceRunTimeout <= 0 {
		c.ForceRunTimeout = 2 * time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// ConfigFromEngine maps the [engine] section onto daemon timings.
func ConfigFromEngine(cfg config.EngineConfig) Config {
	return Config{
		Interval:         time.Duration(cfg.ExecutionIntervalMinutes) * time.Minute,
		WatchdogInterval: time.Duration(cfg.WatchdogIntervalMS) * time.Millisecond,
		MaxRunDuration:   time.Duration(cfg.MaxRunDurationSec) * time.Second,
		ForceRunTimeout:  time.Duration(cfg.ForceRunTimeoutSec) * time.Second,
	}
}

// Tuning is the part of the configuration a pass reads fresh each time.
type Tuning struct {
	Gap        config.GapConfig
	Assignment config.AssignmentConfig
}

type StatusConfig struct {
	ExecutionIntervalMinutes float64 `json:"EXECUTION_INTERVAL_MINUTES"`
}

type Status struct {
	IsRunning      bool         `json:"is_running"`
	IsExecuting    bool         `json:"is_executing"`
	LastExecution  *time.Time   `json:"last_execution"`
	NextExecution  *time.Time   `json:"next_execution"`
	ExecutionCount int          `json:"execution_count"`
	CurrentRunID   string       `json:"current_run_id,omitempty"`
	LastRunID      string       `json:"last_run_id,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	WatchdogClears int          `json:"watchdog_clears"`
	Config         StatusConfig `json:"config"`
}

// state is owned by the daemon and only touched under Daemon.mu.
type state struct {
	running        bool
	interval       time.Duration
	loopCancel     context.CancelFunc
	nextExecution  *time.Time
	executing      bool
	runToken       uint64
	runID          string
	runTrigger     domain.RunTrigger
	runStarted     time.Time
	runCancel      context.CancelFunc
	lastExecution  *time.Time
	executionCount int
	lastRunID      string
	lastError      string
	watchdogClears int
}

// Daemon runs scheduler passes on an interval or on demand. At most one pass
// executes at a time.
type Daemon struct {
	store     Store
	content   content.Generator
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	st     state
	tuning Tuning
	base   context.Context
	wg     sync.WaitGroup
}

func New(store Store, gen content.Generator, publisher events.Publisher, tuning Tuning, cfg Config, logger *slog.Logger) *Daemon {
	if gen == nil {
		gen = content.TemplateGenerator{}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Daemon{
		store:     store,
		content:   gen,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		tuning:    tuning,
		base:      context.Background(),
		st:        state{interval: cfg.Interval},
	}
}

// Launch starts the watchdog and binds runs to ctx. Cancelling ctx stops the
// schedule and aborts an executing pass.
func (d *Daemon) Launch(ctx context.Context) {
	d.mu.Lock()
	d.base = ctx
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.watchdogLoop(ctx)
	}()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-ctx.Done()
		d.Stop()
	}()
}

func (d *Daemon) Wait() {
	d.wg.Wait()
}

// Start schedules passes every interval. Calling it while running is a no-op;
// a non-positive interval keeps the current one.
func (d *Daemon) Start(interval time.Duration) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st.running {
		return d.statusLocked()
	}
	if interval > 0 {
		d.st.interval = interval
	}
	d.startLoopLocked()
	d.logger.Info("scheduler started", "interval", d.st.interval)
	return d.statusLocked()
}

// Stop cancels the schedule. A pass that is already executing finishes.
func (d *Daemon) Stop() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.st.running {
		return d.statusLocked()
	}
	d.st.running = false
	d.st.loopCancel()
	d.st.loopCancel = nil
	d.st.nextExecution = nil
	d.logger.Info("scheduler stopped")
	return d.statusLocked()
}

// SetInterval changes the interval; a running schedule restarts its timer.
func (d *Daemon) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st.interval == interval {
		return
	}
	d.st.interval = interval
	if d.st.running {
		d.st.loopCancel()
		d.startLoopLocked()
	}
	d.logger.Info("scheduler interval changed", "interval", interval)
}

// SetTuning takes effect from the next pass.
func (d *Daemon) SetTuning(t Tuning) {
	d.mu.Lock()
	d.tuning = t
	d.mu.Unlock()
}

func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusLocked()
}

func (d *Daemon) statusLocked() Status {
	return Status{
		IsRunning:      d.st.running,
		IsExecuting:    d.st.executing,
		LastExecution:  copyTime(d.st.lastExecution),
		NextExecution:  copyTime(d.st.nextExecution),
		ExecutionCount: d.st.executionCount,
		CurrentRunID:   d.st.runID,
		LastRunID:      d.st.lastRunID,
		LastError:      d.st.lastError,
		WatchdogClears: d.st.watchdogClears,
		Config:         StatusConfig{ExecutionIntervalMinutes: d.st.interval.Minutes()},
	}
}

func (d *Daemon) startLoopLocked() {
	loopCtx, cancel := context.WithCancel(d.base)
	d.st.running = true
	d.st.loopCancel = cancel
	next := d.now().Add(d.st.interval)
	d.st.nextExecution = &next
	interval := d.st.interval

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop(loopCtx, interval)
	}()
}

func (d *Daemon) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			if ctx.Err() == nil {
				next := d.now().Add(interval)
				d.st.nextExecution = &next
			}
			d.mu.Unlock()

			_, err := d.run(domain.RunTriggerInterval)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrConcurrentRun):
				d.logger.Info("scheduled pass skipped, previous pass still executing")
			default:
				d.logger.Error("scheduled pass failed", "error", err)
			}
		}
	}
}

// ForceRun executes one pass now and returns its run record. It fails with
// ErrConcurrentRun while another pass executes and leaves the interval
// schedule untouched. The pass is cancelled when ctx ends.
func (d *Daemon) ForceRun(ctx context.Context) (domain.SchedulerRun, error) {
	d.mu.Lock()
	base := d.base
	d.mu.Unlock()

	runCtx, cancel := context.WithTimeout(base, d.cfg.ForceRunTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return d.runWith(runCtx, domain.RunTriggerManual)
}

func (d *Daemon) run(trigger domain.RunTrigger) (domain.SchedulerRun, error) {
	d.mu.Lock()
	base := d.base
	d.mu.Unlock()
	return d.runWith(base, trigger)
}

func (d *Daemon) runWith(parent context.Context, trigger domain.RunTrigger) (domain.SchedulerRun, error) {
	runID := uuid.NewString()
	ctx, token, err := d.begin(parent, runID, trigger)
	if err != nil {
		return domain.SchedulerRun{}, err
	}
	run, out, passErr := d.executePass(ctx, runID, trigger)
	d.finish(token, run, passErr)
	if passErr == nil {
		// the pass is committed; reporting no longer holds the run slot
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.cfg.WriteTimeout)
		d.report(reportCtx, run, out)
		cancel()
	}
	return run, passErr
}

func (d *Daemon) begin(parent context.Context, runID string, trigger domain.RunTrigger) (context.Context, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st.executing {
		return nil, 0, domain.ErrConcurrentRun
	}
	ctx, cancel := context.WithCancel(parent)
	d.st.executing = true
	d.st.runToken++
	d.st.runID = runID
	d.st.runTrigger = trigger
	d.st.runStarted = d.now()
	d.st.runCancel = cancel
	return ctx, d.st.runToken, nil
}

func (d *Daemon) finish(token uint64, run domain.SchedulerRun, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st.runToken != token {
		// the watchdog already gave up on this run
		d.logger.Warn("cleared run finished late", "run_id", run.ID, "status", run.Status)
		return
	}
	d.st.runCancel()
	d.st.executing = false
	d.st.runCancel = nil
	d.st.runID = ""
	finished := d.now()
	d.st.lastExecution = &finished
	d.st.executionCount++
	d.st.lastRunID = run.ID
	d.st.lastError = ""
	if err != nil {
		d.st.lastError = err.Error()
	}
}

func (d *Daemon) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.watchdogOnce(ctx)
		}
	}
}

// watchdogOnce clears an Executing flag held longer than MaxRunDuration,
// cancels the stuck pass and closes its run row as failed.
func (d *Daemon) watchdogOnce(ctx context.Context) {
	d.mu.Lock()
	if !d.st.executing {
		d.mu.Unlock()
		return
	}
	elapsed := d.now().Sub(d.st.runStarted)
	if elapsed <= d.cfg.MaxRunDuration {
		d.mu.Unlock()
		return
	}
	runID := d.st.runID
	stuck := domain.SchedulerRun{
		ID:        runID,
		StartedAt: d.st.runStarted,
		Trigger:   d.st.runTrigger,
		Status:    domain.RunStatusFailed,
	}
	cancelRun := d.st.runCancel
	d.st.runCancel = nil
	d.st.executing = false
	d.st.runToken++
	d.st.runID = ""
	d.st.watchdogClears++
	d.st.lastRunID = runID
	d.st.lastError = fmt.Sprintf("run exceeded %s and was cancelled", d.cfg.MaxRunDuration)
	reason := d.st.lastError
	d.mu.Unlock()

	d.logger.Error("watchdog cleared stuck run", "run_id", runID, "elapsed", elapsed, "max", d.cfg.MaxRunDuration)
	finished := d.now()
	stuck.FinishedAt = &finished
	stuck.Errors = []string{reason}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.WriteTimeout)
	defer cancel()
	// close the row before cancelling so the pass's own close-out finds it
	// already failed and cannot commit
	if err := d.store.FinishSchedulerRun(writeCtx, stuck); err != nil && !errors.Is(err, domain.ErrRunClosed) {
		d.logger.Error("close stuck scheduler run", "run_id", runID, "error", err)
	}
	cancelRun()
	d.logDecision(writeCtx, runID, "watchdog_cleared", "run exceeded max duration", map[string]any{
		"elapsed_ms": elapsed.Milliseconds(),
		"max_ms":     d.cfg.MaxRunDuration.Milliseconds(),
	})
}

// Runs lists recent run records, newest first.
func (d *Daemon) Runs(ctx context.Context, limit int) ([]domain.SchedulerRun, error) {
	return d.store.ListSchedulerRuns(ctx, limit)
}

// Analyze runs the gap analysis on current data without writing anything.
func (d *Daemon) Analyze(ctx context.Context) (gap.Result, error) {
	snap, err := d.load(ctx)
	if err != nil {
		return gap.Result{}, err
	}
	d.mu.Lock()
	tuning := d.tuning
	d.mu.Unlock()
	return gap.New(tuning.Gap).Analyze(gap.Input{
		Resellers:       snap.resellers,
		OpenTasks:       snap.openTasks,
		LastInteraction: snap.lastInteraction,
		Now:             d.now(),
	}), nil
}

type snapshot struct {
	resellers       []domain.Reseller
	agents          []domain.Agent
	openTasks       []domain.Task
	lastInteraction map[string]time.Time
}

func (d *Daemon) load(ctx context.Context) (snapshot, error) {
	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resellers, err := d.store.ListResellers(gctx, domain.ResellerFilter{})
		if err != nil {
			return domain.NewPersistenceError("list resellers", err)
		}
		snap.resellers = resellers
		return nil
	})
	g.Go(func() error {
		agents, err := d.store.ListAgents(gctx, domain.AgentFilter{})
		if err != nil {
			return domain.NewPersistenceError("list agents", err)
		}
		snap.agents = agents
		return nil
	})
	g.Go(func() error {
		open, err := d.store.ListOpenTasks(gctx)
		if err != nil {
			return domain.NewPersistenceError("list open tasks", err)
		}
		snap.openTasks = open
		return nil
	})
	g.Go(func() error {
		last, err := d.store.LastInteractions(gctx)
		if err != nil {
			return domain.NewPersistenceError("load last interactions", err)
		}
		snap.lastInteraction = last
		return nil
	})
	if err := g.Wait(); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

func (d *Daemon) executePass(ctx context.Context, runID string, trigger domain.RunTrigger) (domain.SchedulerRun, passOutput, error) {
	now := d.now()
	run := domain.SchedulerRun{
		ID:        runID,
		StartedAt: now,
		Trigger:   trigger,
		Status:    domain.RunStatusRunning,
		Errors:    []string{},
	}
	if err := d.store.CreateSchedulerRun(ctx, run); err != nil {
		d.logger.Error("create scheduler run", "run_id", runID, "error", err)
		return run, passOutput{}, domain.NewPersistenceError("create scheduler run", err)
	}
	d.logDecision(ctx, runID, "run_started", string(trigger), map[string]any{"trigger": trigger})
	d.logger.Info("scheduler pass started", "run_id", runID, "trigger", trigger)

	d.mu.Lock()
	tuning := d.tuning
	d.mu.Unlock()

	out, err := d.pass(ctx, run, tuning)
	run = out.run
	if err != nil {
		run, err = d.fail(ctx, run, err)
		return run, passOutput{}, err
	}

	finished := d.now()
	run.FinishedAt = &finished
	run.Status = domain.RunStatusSucceeded
	run.TasksCreated = len(out.tasks)
	if err := ctx.Err(); err != nil {
		run, err = d.fail(ctx, run, err)
		return run, passOutput{}, err
	}
	if err := d.store.CommitRun(ctx, domain.RunCommit{
		Run:                run,
		Tasks:              out.tasks,
		IncompleteProfiles: out.incompleteProfiles,
	}); err != nil {
		run, err = d.fail(ctx, run, domain.NewPersistenceError("commit run", err))
		return run, passOutput{}, err
	}

	d.logger.Info("scheduler pass finished",
		"run_id", run.ID, "gaps", run.GapsIdentified, "tasks", run.TasksCreated,
		"unassigned", run.Unassigned, "issues", len(run.Errors), "elapsed", finished.Sub(run.StartedAt))
	return run, out, nil
}

type passOutput struct {
	run                domain.SchedulerRun
	tasks              []domain.Task
	unassigned         []assign.Unassigned
	incompleteProfiles []string
}

func (d *Daemon) pass(ctx context.Context, run domain.SchedulerRun, tuning Tuning) (passOutput, error) {
	out := passOutput{run: run}

	overdue, err := d.store.CountOverdue(ctx, run.StartedAt)
	if err != nil {
		return out, domain.NewPersistenceError("count overdue", err)
	}
	if overdue > 0 {
		d.logger.Info("open tasks past due", "run_id", run.ID, "count", overdue)
	}

	snap, err := d.load(ctx)
	if err != nil {
		return out, err
	}

	var (
		analysis   gap.Result
		capacities []domain.AgentCapacity
		capIssues  []error
	)
	var g errgroup.Group
	g.Go(func() error {
		analysis = gap.New(tuning.Gap).Analyze(gap.Input{
			Resellers:       snap.resellers,
			OpenTasks:       snap.openTasks,
			LastInteraction: snap.lastInteraction,
			Now:             run.StartedAt,
		})
		return nil
	})
	g.Go(func() error {
		capacities, capIssues = capacity.Compute(snap.agents, snap.openTasks)
		return nil
	})
	if err := g.Wait(); err != nil {
		return out, err
	}

	resellers := make(map[string]domain.Reseller, len(snap.resellers))
	for _, r := range snap.resellers {
		resellers[r.ID] = r
	}
	agents := make(map[string]domain.Agent, len(snap.agents))
	for _, a := range snap.agents {
		agents[a.ID] = a
	}

	assigned, err := assign.New(tuning.Assignment, d.content, d.logger).Assign(ctx, assign.Input{
		Signals:    analysis.Signals,
		Capacities: capacities,
		Resellers:  resellers,
		Agents:     agents,
		RunID:      run.ID,
		Now:        run.StartedAt,
	})
	if err != nil {
		return out, fmt.Errorf("assign tasks: %w", err)
	}

	out.run.GapsIdentified = len(analysis.Signals)
	out.run.Unassigned = len(assigned.Unassigned)
	out.run.Errors = appendErrors(out.run.Errors, analysis.Issues, capIssues, assigned.Issues)
	out.tasks = assigned.Tasks
	out.unassigned = assigned.Unassigned
	out.incompleteProfiles = analysis.IncompleteProfiles
	return out, nil
}

// fail closes the run row as failed with zero tasks. The close-out uses its
// own deadline so a cancelled pass still leaves an audit record.
func (d *Daemon) fail(ctx context.Context, run domain.SchedulerRun, cause error) (domain.SchedulerRun, error) {
	finished := d.now()
	run.FinishedAt = &finished
	run.Status = domain.RunStatusFailed
	run.TasksCreated = 0
	run.Errors = append(run.Errors, cause.Error())

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.WriteTimeout)
	defer cancel()
	switch err := d.store.FinishSchedulerRun(writeCtx, run); {
	case err == nil:
	case errors.Is(err, domain.ErrRunClosed):
		d.logger.Info("run already closed by watchdog", "run_id", run.ID)
	default:
		d.logger.Error("close failed scheduler run", "run_id", run.ID, "error", err)
	}
	d.logDecision(writeCtx, run.ID, "run_failed", cause.Error(), map[string]any{
		"gaps_identified": run.GapsIdentified,
	})
	d.logger.Error("scheduler pass failed", "run_id", run.ID, "error", cause)
	return run, cause
}

// report writes the decision trail and publishes events for a committed pass.
func (d *Daemon) report(ctx context.Context, run domain.SchedulerRun, out passOutput) {
	for _, task := range out.tasks {
		d.logDecision(ctx, run.ID, "task_assigned", string(task.TaskType), map[string]any{
			"task_id":      task.ID,
			"reseller_id":  task.ResellerID,
			"agent_id":     task.AssignedToAgentID,
			"priority":     task.Priority,
			"due_date":     task.DueDate,
			"needs_review": task.NeedsReview,
		})
		ev, err := events.New(events.KindTaskAssigned, task)
		if err != nil {
			d.logger.Warn("build task event", "task_id", task.ID, "error", err)
			continue
		}
		ev.AgentID = task.AssignedToAgentID
		ev.TaskID = task.ID
		ev.RunID = run.ID
		if err := d.publisher.Publish(ctx, ev); err != nil {
			d.logger.Warn("publish task event", "task_id", task.ID, "error", err)
		}
	}
	for _, u := range out.unassigned {
		d.logDecision(ctx, run.ID, "gap_unassigned", u.Reason, map[string]any{
			"reseller_id": u.Signal.ResellerID,
			"task_type":   u.Signal.RecommendedTaskType,
			"priority":    u.Signal.RiskLevel,
		})
	}
	d.logDecision(ctx, run.ID, "run_finished", string(run.Status), run)

	ev, err := events.New(events.KindRunFinished, run)
	if err != nil {
		d.logger.Warn("build run event", "run_id", run.ID, "error", err)
		return
	}
	ev.RunID = run.ID
	if err := d.publisher.Publish(ctx, ev); err != nil {
		d.logger.Warn("publish run event", "run_id", run.ID, "error", err)
	}
}

func (d *Daemon) logDecision(ctx context.Context, runID, action, reason string, payload any) {
	if err := d.store.LogDecision(ctx, domain.DecisionLog{
		RunID:   runID,
		Actor:   daemonActor,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	}); err != nil {
		d.logger.Warn("log decision", "run_id", runID, "action", action, "error", err)
	}
}

func appendErrors(dst []string, groups ...[]error) []string {
	for _, group := range groups {
		for _, err := range group {
			dst = append(dst, err.Error())
		}
	}
	return dst
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
