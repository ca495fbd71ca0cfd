package capacity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_autotask/internal/domain"
)

func agent(id string, capacity int, active bool) domain.Agent {
	return domain.Agent{ID: id, MaxConcurrentTasks: capacity, IsActive: active}
}

func openTask(agentID string, status domain.TaskStatus) domain.Task {
	return domain.Task{AssignedToAgentID: agentID, Status: status}
}

func TestComputeCountsOpenTasksForActiveAgents(t *testing.T) {
	agents := []domain.Agent{
		agent("a-2", 4, true),
		agent("a-1", 2, true),
		agent("a-off", 5, false),
		agent("a-bad", 0, true),
	}
	tasks := []domain.Task{
		openTask("a-1", domain.TaskStatusPending),
		openTask("a-1", domain.TaskStatusOverdue),
		openTask("a-2", domain.TaskStatusInProgress),
		openTask("a-2", domain.TaskStatusCompleted),
		openTask("a-off", domain.TaskStatusPending),
	}

	caps, issues := Compute(agents, tasks)
	require.Len(t, caps, 2)
	require.Len(t, issues, 1)
	assert.True(t, domain.IsValidation(issues[0]))

	assert.Equal(t, domain.AgentCapacity{AgentID: "a-1", CurrentLoad: 2, Capacity: 2, UtilizationPct: 100}, caps[0])
	assert.Equal(t, domain.AgentCapacity{AgentID: "a-2", CurrentLoad: 1, Capacity: 4, UtilizationPct: 25}, caps[1])
}

func TestPoolExcludesFullAgentsAndRanksByUtilization(t *testing.T) {
	pool := NewPool([]domain.AgentCapacity{
		{AgentID: "a-full", CurrentLoad: 3, Capacity: 3, UtilizationPct: 100},
		{AgentID: "a-half", CurrentLoad: 1, Capacity: 2, UtilizationPct: 50},
		{AgentID: "a-idle", CurrentLoad: 0, Capacity: 2, UtilizationPct: 0},
	})

	ranked := pool.Assignable()
	require.Len(t, ranked, 2)
	assert.Equal(t, "a-idle", ranked[0].AgentID)
	assert.Equal(t, "a-half", ranked[1].AgentID)

	err := pool.Reserve("a-full")
	assert.ErrorIs(t, err, domain.ErrCapacityExhausted)
}

func TestReserveUpdatesLoadWithinPass(t *testing.T) {
	pool := NewPool([]domain.AgentCapacity{
		{AgentID: "a-1", CurrentLoad: 0, Capacity: 2},
		{AgentID: "a-2", CurrentLoad: 0, Capacity: 2},
	})

	require.NoError(t, pool.Reserve("a-1"))
	assert.Equal(t, "a-2", pool.Assignable()[0].AgentID)
	require.NoError(t, pool.Reserve("a-2"))
	require.NoError(t, pool.Reserve("a-1"))
	require.NoError(t, pool.Reserve("a-2"))
	assert.Empty(t, pool.Assignable())

	for _, c := range pool.Snapshot() {
		assert.LessOrEqual(t, c.CurrentLoad, c.Capacity)
		assert.Equal(t, float64(100), c.UtilizationPct)
	}

	_, ok := pool.Get("missing")
	assert.False(t, ok)
	assert.ErrorIs(t, pool.Reserve("missing"), domain.ErrNotFound)
}
