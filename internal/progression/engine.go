package progression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"crm_autotask/internal/domain"
	"crm_autotask/internal/events"
	"crm_autotask/internal/lock"
)

const maxSaveAttempts = 5

type Store interface {
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	GetAgentProgress(ctx context.Context, agentID string) (domain.AgentProgress, error)
	SaveAgentProgress(ctx context.Context, p domain.AgentProgress, reportID string, xpAwarded int) (domain.AgentProgress, error)
}

// Engine turns completion reports into XP, levels, streaks, badges and weekly
// goals. Updates for one agent are serialized; the store's version check
// covers writers in other processes.
type Engine struct {
	store     Store
	locks     *lock.KeyedMutex
	publisher events.Publisher
	logger    *slog.Logger

	mu    sync.RWMutex
	rules Rules
}

func New(store Store, rules Rules, publisher events.Publisher, logger *slog.Logger) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		locks:     lock.NewKeyedMutex(),
		publisher: publisher,
		logger:    logger,
		rules:     rules,
	}
}

// SetRules swaps the tuning table; in-flight updates finish with the old one.
func (e *Engine) SetRules(rules Rules) {
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
}

func (e *Engine) Rules() Rules {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// OnTaskCompleted credits report to agentID. A report that was already
// credited returns the stored progress unchanged.
func (e *Engine) OnTaskCompleted(ctx context.Context, agentID string, report domain.TaskReport) (domain.AgentProgress, error) {
	if agentID == "" {
		return domain.AgentProgress{}, domain.NewValidationError("report", "agent id is required")
	}
	if report.ID == "" {
		return domain.AgentProgress{}, domain.NewValidationError(report.TaskID, "report id is required")
	}
	if report.AgentID != "" && report.AgentID != agentID {
		return domain.AgentProgress{}, domain.NewValidationError(report.ID, "report belongs to another agent")
	}
	if report.TaskEffectivenessRating < 1 || report.TaskEffectivenessRating > 5 {
		return domain.AgentProgress{}, domain.NewValidationError(report.ID, "effectiveness rating must be between 1 and 5")
	}
	if report.CompletionTimestamp.IsZero() {
		report.CompletionTimestamp = time.Now().UTC()
	}

	task, err := e.store.GetTask(ctx, report.TaskID)
	if err != nil {
		return domain.AgentProgress{}, fmt.Errorf("load task for report %s: %w", report.ID, err)
	}
	if task.AssignedToAgentID != agentID {
		return domain.AgentProgress{}, domain.NewValidationError(report.ID, fmt.Sprintf("task %s is not assigned to agent %s", task.ID, agentID))
	}
	rules := e.Rules()

	unlock := e.locks.Lock(agentID)
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		current, err := e.store.GetAgentProgress(ctx, agentID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return domain.AgentProgress{}, err
			}
			current = domain.AgentProgress{ID: uuid.NewString(), AgentID: agentID, CurrentLevel: 1}
		}

		next, xp := rules.Apply(current, report, task.DueDate)
		saved, err := e.store.SaveAgentProgress(ctx, next, report.ID, xp)
		switch {
		case err == nil:
			e.logger.Info("progress updated",
				"agent_id", agentID, "report_id", report.ID, "xp", xp, "total_xp", saved.TotalXP,
				"level", saved.CurrentLevel, "streak", saved.CurrentStreak)
			e.publish(ctx, saved, report, xp)
			return saved, nil
		case errors.Is(err, domain.ErrAlreadyExists):
			e.logger.Info("report already credited", "agent_id", agentID, "report_id", report.ID)
			return e.store.GetAgentProgress(ctx, agentID)
		case errors.Is(err, domain.ErrVersionConflict):
			lastErr = err
			e.logger.Debug("progress version conflict, retrying", "agent_id", agentID, "attempt", attempt)
			continue
		default:
			return domain.AgentProgress{}, err
		}
	}
	return domain.AgentProgress{}, fmt.Errorf("update progress for %s after %d attempts: %w", agentID, maxSaveAttempts, lastErr)
}

// Progress returns the agent's progress as of now. Agents without any
// completion get an unsaved level-1 record.
func (e *Engine) Progress(ctx context.Context, agentID string, now time.Time) (domain.AgentProgress, error) {
	p, err := e.store.GetAgentProgress(ctx, agentID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.AgentProgress{}, err
		}
		p = domain.AgentProgress{AgentID: agentID, CurrentLevel: 1, Badges: []string{}}
	}
	return e.Rules().View(p, now), nil
}

func (e *Engine) publish(ctx context.Context, p domain.AgentProgress, report domain.TaskReport, xp int) {
	ev, err := events.New(events.KindProgressUpdated, struct {
		XPAwarded int                  `json:"xp_awarded"`
		Progress  domain.AgentProgress `json:"progress"`
	}{xp, p})
	if err != nil {
		e.logger.Warn("build progress event", "agent_id", p.AgentID, "error", err)
		return
	}
	ev.AgentID = p.AgentID
	ev.TaskID = report.TaskID
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish progress event", "agent_id", p.AgentID, "error", err)
	}
}
