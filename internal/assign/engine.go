package assign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crm_autotask/internal/capacity"
	"crm_autotask/internal/config"
	"crm_autotask/internal/content"
	"crm_autotask/internal/domain"
	"crm_autotask/internal/gap"
)

type Input struct {
	Signals    []domain.GapSignal
	Capacities []domain.AgentCapacity
	Resellers  map[string]domain.Reseller
	Agents     map[string]domain.Agent
	RunID      string
	Now        time.Time
}

// Unassigned is a gap no active agent had room for.
type Unassigned struct {
	Signal domain.GapSignal `json:"signal"`
	Reason string           `json:"reason"`
}

type Result struct {
	Tasks      []domain.Task
	Unassigned []Unassigned
	// Capacities is the pool after this pass's reservations.
	Capacities []domain.AgentCapacity
	Issues     []error
}

const defaultContentBudget = time.Minute

type Engine struct {
	cfg     config.AssignmentConfig
	content content.Generator
	logger  *slog.Logger
	newID   func() string
}

func New(cfg config.AssignmentConfig, gen content.Generator, logger *slog.Logger) *Engine {
	if gen == nil {
		gen = content.TemplateGenerator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, content: gen, logger: logger, newID: uuid.NewString}
}

// Assign walks signals in priority order and hands each to an agent. Load is
// reserved as soon as an agent is picked, so one pass never pushes an agent
// past capacity.
func (e *Engine) Assign(ctx context.Context, in Input) (Result, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	minSkill := domain.SkillLevel(e.cfg.MinChannelSkill)
	if minSkill == "" {
		minSkill = domain.SkillMedium
	}

	signals := append([]domain.GapSignal(nil), in.Signals...)
	gap.SortSignals(signals)
	pool := capacity.NewPool(in.Capacities)
	gen := content.NewPass(ctx, e.content, e.contentBudget(), e.logger)
	defer gen.Close()

	var res Result
	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !sig.RecommendedTaskType.Valid() || !sig.RiskLevel.Valid() {
			res.Issues = append(res.Issues, domain.NewValidationError(sig.ResellerID,
				fmt.Sprintf("signal type=%q priority=%q", sig.RecommendedTaskType, sig.RiskLevel)))
			continue
		}
		reseller, ok := in.Resellers[sig.ResellerID]
		if !ok {
			res.Issues = append(res.Issues, domain.NewStaleDataError(sig.ResellerID, "reseller no longer exists"))
			continue
		}

		agent, needsReview, due, ok := e.place(pool, in.Agents, reseller.Profile.PreferredChannel, minSkill, e.dueOffset(sig.RiskLevel), now, &res)
		if !ok {
			res.Unassigned = append(res.Unassigned, Unassigned{
				Signal: sig,
				Reason: domain.NewCapacityExhaustedError(sig.ResellerID).Error(),
			})
			continue
		}
		if err := pool.Reserve(agent.ID); err != nil {
			res.Issues = append(res.Issues, err)
			continue
		}

		text, err := gen.Generate(ctx, content.Request{
			Reseller: reseller,
			Signal:   sig,
			AgentID:  agent.ID,
			Channel:  reseller.Profile.PreferredChannel,
		})
		if err != nil {
			return res, err
		}

		task := domain.Task{
			ID:                   e.newID(),
			ResellerID:           reseller.ID,
			AssignedToAgentID:    agent.ID,
			TaskType:             sig.RecommendedTaskType,
			Priority:             sig.RiskLevel,
			Status:               domain.TaskStatusPending,
			DueDate:              due,
			Prompt:               text.Prompt,
			ContextSummary:       text.ContextSummary,
			SuggestedSolutions:   text.SuggestedSolutions,
			EstimatedEffortHours: e.cfg.EffortHours[string(sig.RecommendedTaskType)],
			NeedsReview:          needsReview,
			RiskScore:            sig.RiskScore,
			Source:               domain.TaskSourceEngine,
			RunID:                in.RunID,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		res.Tasks = append(res.Tasks, task)
		e.logger.Debug("task assigned",
			"run_id", in.RunID, "task_id", task.ID, "reseller_id", reseller.ID, "agent_id", agent.ID,
			"type", task.TaskType, "priority", task.Priority, "needs_review", needsReview)
	}
	res.Capacities = pool.Snapshot()
	return res, nil
}

// pick prefers the least utilized agent skilled on the channel and otherwise
// falls back to the least utilized agent, flagging the task for review.
func (e *Engine) pick(pool *capacity.Pool, agents map[string]domain.Agent, channel domain.Channel, minSkill domain.SkillLevel, res *Result) (domain.Agent, bool, bool) {
	var fallback *domain.Agent
	for _, c := range pool.Assignable() {
		agent, ok := agents[c.AgentID]
		if !ok || !agent.IsActive {
			pool.Remove(c.AgentID)
			res.Issues = append(res.Issues, domain.NewStaleDataError(c.AgentID, "agent missing or deactivated"))
			continue
		}
		if channel != "" && agent.Skill(channel).AtLeast(minSkill) {
			return agent, false, true
		}
		if fallback == nil {
			a := agent
			fallback = &a
		}
	}
	if fallback == nil {
		return domain.Agent{}, false, false
	}
	return *fallback, true, true
}

func (e *Engine) contentBudget() time.Duration {
	if e.cfg.ContentBudgetSec > 0 {
		return time.Duration(e.cfg.ContentBudgetSec) * time.Second
	}
	return defaultContentBudget
}

func (e *Engine) dueOffset(p domain.Priority) int {
	if days, ok := e.cfg.DueOffsetDays[string(p)]; ok {
		return days
	}
	return defaultDueOffsetDays[p]
}

// place picks an agent and computes the due date on its schedule. An agent
// whose schedule cannot produce a due date is dropped from the pool and the
// next candidate is tried.
func (e *Engine) place(pool *capacity.Pool, agents map[string]domain.Agent, channel domain.Channel, minSkill domain.SkillLevel, offsetDays int, now time.Time, res *Result) (domain.Agent, bool, time.Time, bool) {
	for {
		agent, needsReview, ok := e.pick(pool, agents, channel, minSkill, res)
		if !ok {
			return domain.Agent{}, false, time.Time{}, false
		}
		due, err := DueDate(agent.Schedule, offsetDays, now)
		if err == nil {
			return agent, needsReview, due, true
		}
		pool.Remove(agent.ID)
		res.Issues = append(res.Issues, domain.NewValidationError(agent.ID, fmt.Sprintf("due date: %v", err)))
		e.logger.Warn("agent removed from pass", "agent_id", agent.ID, "error", err)
	}
}
