package assign

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_autotask/internal/capacity"
	"crm_autotask/internal/config"
	"crm_autotask/internal/content"
	"crm_autotask/internal/domain"
)

// Wednesday, inside a 09:00-18:00 shift.
var testNow = time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)

func weekdayAgent(id string, capacity int, skills map[domain.Channel]domain.SkillLevel) domain.Agent {
	return domain.Agent{
		ID:                 id,
		MaxConcurrentTasks: capacity,
		IsActive:           true,
		Skills:             skills,
		Schedule: domain.WorkSchedule{
			DaysPerWeek: 5,
			StartTime:   "09:00",
			EndTime:     "18:00",
			Timezone:    "UTC",
		},
	}
}

func lapsedSignal(resellerID string) domain.GapSignal {
	return domain.GapSignal{
		ResellerID:          resellerID,
		RiskLevel:           domain.PriorityUrgent,
		RiskScore:           0.9,
		RecommendedTaskType: domain.TaskTypeChurnPrevention,
		Rationale:           "reseller lapsed",
	}
}

func telegramReseller(id string) domain.Reseller {
	return domain.Reseller{
		ID:     id,
		Status: domain.ResellerStatusLapsed,
		Profile: domain.PsychProfile{
			Receptiveness:    5,
			PreferredChannel: domain.ChannelTelegram,
			BusinessAcumen:   domain.TierMedium,
			RiskAversion:     domain.TierLow,
		},
	}
}

func newTestEngine() *Engine {
	e := New(config.DefaultConfig().Assignment, content.TemplateGenerator{}, nil)
	n := 0
	e.newID = func() string {
		n++
		return fmt.Sprintf("task-%d", n)
	}
	return e
}

func agentIndex(agents ...domain.Agent) map[string]domain.Agent {
	out := make(map[string]domain.Agent, len(agents))
	for _, a := range agents {
		out[a.ID] = a
	}
	return out
}

func TestLapsedTelegramResellerGoesToLeastLoadedSkilledAgent(t *testing.T) {
	agents := agentIndex(
		weekdayAgent("a-idle", 3, map[domain.Channel]domain.SkillLevel{domain.ChannelEmail: domain.SkillExpert}),
		weekdayAgent("a-tele", 3, map[domain.Channel]domain.SkillLevel{domain.ChannelTelegram: domain.SkillHigh}),
		weekdayAgent("a-tele-busy", 3, map[domain.Channel]domain.SkillLevel{domain.ChannelTelegram: domain.SkillMedium}),
	)
	caps, _ := capacity.Compute([]domain.Agent{agents["a-idle"], agents["a-tele"], agents["a-tele-busy"]}, []domain.Task{
		{AssignedToAgentID: "a-tele", Status: domain.TaskStatusPending},
		{AssignedToAgentID: "a-tele-busy", Status: domain.TaskStatusPending},
		{AssignedToAgentID: "a-tele-busy", Status: domain.TaskStatusInProgress},
	})

	res, err := newTestEngine().Assign(context.Background(), Input{
		Signals:    []domain.GapSignal{lapsedSignal("r-1")},
		Capacities: caps,
		Resellers:  map[string]domain.Reseller{"r-1": telegramReseller("r-1")},
		Agents:     agents,
		RunID:      "run-1",
		Now:        testNow,
	})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Empty(t, res.Unassigned)

	task := res.Tasks[0]
	assert.Equal(t, "a-tele", task.AssignedToAgentID)
	assert.Equal(t, domain.PriorityUrgent, task.Priority)
	assert.Equal(t, domain.TaskTypeChurnPrevention, task.TaskType)
	assert.Equal(t, time.Date(2026, 3, 11, 18, 0, 0, 0, time.UTC), task.DueDate)
	assert.False(t, task.NeedsReview)
	assert.Equal(t, domain.TaskSourceEngine, task.Source)
	assert.Equal(t, "run-1", task.RunID)
	assert.NotEmpty(t, task.Prompt)
	assert.Equal(t, 1.5, task.EstimatedEffortHours)
}

func TestFullAgentReceivesNothingAndOverflowIsUnassigned(t *testing.T) {
	telegram := map[domain.Channel]domain.SkillLevel{domain.ChannelTelegram: domain.SkillExpert}
	full := weekdayAgent("a-full", 2, telegram)
	next := weekdayAgent("a-next", 2, telegram)
	caps, _ := capacity.Compute([]domain.Agent{full, next}, []domain.Task{
		{AssignedToAgentID: "a-full", Status: domain.TaskStatusPending},
		{AssignedToAgentID: "a-full", Status: domain.TaskStatusOverdue},
	})

	res, err := newTestEngine().Assign(context.Background(), Input{
		Signals: []domain.GapSignal{lapsedSignal("r-1"), lapsedSignal("r-2"), lapsedSignal("r-3")},
		Resellers: map[string]domain.Reseller{
			"r-1": telegramReseller("r-1"),
			"r-2": telegramReseller("r-2"),
			"r-3": telegramReseller("r-3"),
		},
		Capacities: caps,
		Agents:     agentIndex(full, next),
		Now:        testNow,
	})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 2)
	for _, task := range res.Tasks {
		assert.Equal(t, "a-next", task.AssignedToAgentID)
	}
	require.Len(t, res.Unassigned, 1)
	assert.Equal(t, "r-3", res.Unassigned[0].Signal.ResellerID)

	for _, c := range res.Capacities {
		assert.LessOrEqual(t, c.CurrentLoad, c.Capacity, c.AgentID)
	}
}

func TestLoadIsReservedWithinThePass(t *testing.T) {
	telegram := map[domain.Channel]domain.SkillLevel{domain.ChannelTelegram: domain.SkillMedium}
	a1 := weekdayAgent("a-1", 2, telegram)
	a2 := weekdayAgent("a-2", 2, telegram)
	caps, _ := capacity.Compute([]domain.Agent{a1, a2}, nil)

	res, err := newTestEngine().Assign(context.Background(), Input{
		Signals: []domain.GapSignal{lapsedSignal("r-1"), lapsedSignal("r-2")},
		Resellers: map[string]domain.Reseller{
			"r-1": telegramReseller("r-1"),
			"r-2": telegramReseller("r-2"),
		},
		Capacities: caps,
		Agents:     agentIndex(a1, a2),
		Now:        testNow,
	})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 2)
	assert.NotEqual(t, res.Tasks[0].AssignedToAgentID, res.Tasks[1].AssignedToAgentID)
}

func TestFallbackAgentMarksTaskForReview(t *testing.T) {
	emailOnly := weekdayAgent("a-email", 2, map[domain.Channel]domain.SkillLevel{
		domain.ChannelEmail:    domain.SkillExpert,
		domain.ChannelTelegram: domain.SkillBasic,
	})
	caps, _ := capacity.Compute([]domain.Agent{emailOnly}, nil)

	res, err := newTestEngine().Assign(context.Background(), Input{
		Signals:    []domain.GapSignal{lapsedSignal("r-1")},
		Resellers:  map[string]domain.Reseller{"r-1": telegramReseller("r-1")},
		Capacities: caps,
		Agents:     agentIndex(emailOnly),
		Now:        testNow,
	})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.True(t, res.Tasks[0].NeedsReview)
}

func TestStaleReferencesAreDropped(t *testing.T) {
	agent := weekdayAgent("a-1", 2, map[domain.Channel]domain.SkillLevel{domain.ChannelTelegram: domain.SkillHigh})
	caps, _ := capacity.Compute([]domain.Agent{agent}, nil)
	caps = append(caps, domain.AgentCapacity{AgentID: "a-0-gone", Capacity: 5})

	res, err := newTestEngine().Assign(context.Background(), Input{
		Signals:    []domain.GapSignal{lapsedSignal("r-missing"), lapsedSignal("r-1")},
		Resellers:  map[string]domain.Reseller{"r-1": telegramReseller("r-1")},
		Capacities: caps,
		Agents:     agentIndex(agent),
		Now:        testNow,
	})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, "a-1", res.Tasks[0].AssignedToAgentID)

	var stale int
	for _, issue := range res.Issues {
		if domain.IsStaleData(issue) {
			stale++
		}
	}
	assert.Equal(t, 2, stale)
}

func TestNoActiveAgentsLeavesEverythingUnassigned(t *testing.T) {
	res, err := newTestEngine().Assign(context.Background(), Input{
		Signals:   []domain.GapSignal{lapsedSignal("r-1")},
		Resellers: map[string]domain.Reseller{"r-1": telegramReseller("r-1")},
		Now:       testNow,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Tasks)
	require.Len(t, res.Unassigned, 1)
	assert.Contains(t, res.Unassigned[0].Reason, "capacity exhausted")
}

func TestAgentWithUnusableScheduleIsDroppedFromThePass(t *testing.T) {
	telegram := map[domain.Channel]domain.SkillLevel{domain.ChannelTelegram: domain.SkillExpert}
	bad := weekdayAgent("a-bad", 5, telegram)
	bad.Schedule.Timezone = "Mars/Olympus"
	good := weekdayAgent("b-good", 5, telegram)
	caps, _ := capacity.Compute([]domain.Agent{bad, good}, nil)

	res, err := newTestEngine().Assign(context.Background(), Input{
		Signals: []domain.GapSignal{lapsedSignal("r-1"), lapsedSignal("r-2"), lapsedSignal("r-3")},
		Resellers: map[string]domain.Reseller{
			"r-1": telegramReseller("r-1"),
			"r-2": telegramReseller("r-2"),
			"r-3": telegramReseller("r-3"),
		},
		Capacities: caps,
		Agents:     agentIndex(bad, good),
		Now:        testNow,
	})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 3)
	for _, task := range res.Tasks {
		assert.Equal(t, "b-good", task.AssignedToAgentID)
	}
	assert.Empty(t, res.Unassigned)
	require.Len(t, res.Issues, 1)
	assert.True(t, domain.IsValidation(res.Issues[0]))
	assert.Contains(t, res.Issues[0].Error(), "a-bad")
}

type countingGenerator struct {
	calls int
}

func (g *countingGenerator) Generate(context.Context, content.Request) (content.Content, error) {
	g.calls++
	return content.Content{}, fmt.Errorf("content service unavailable")
}

func TestContentOutageFallsBackToTemplatesForTheWholePass(t *testing.T) {
	agent := weekdayAgent("a-1", 5, map[domain.Channel]domain.SkillLevel{domain.ChannelTelegram: domain.SkillHigh})
	caps, _ := capacity.Compute([]domain.Agent{agent}, nil)
	gen := &countingGenerator{}
	e := New(config.DefaultConfig().Assignment, gen, nil)

	res, err := e.Assign(context.Background(), Input{
		Signals: []domain.GapSignal{lapsedSignal("r-1"), lapsedSignal("r-2"), lapsedSignal("r-3")},
		Resellers: map[string]domain.Reseller{
			"r-1": telegramReseller("r-1"),
			"r-2": telegramReseller("r-2"),
			"r-3": telegramReseller("r-3"),
		},
		Capacities: caps,
		Agents:     agentIndex(agent),
		Now:        testNow,
	})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 3)
	for _, task := range res.Tasks {
		assert.NotEmpty(t, task.Prompt)
	}
	assert.Equal(t, 1, gen.calls)
}
