package capacity

import (
	"fmt"
	"math"
	"sort"

	"crm_autotask/internal/domain"
)

// Compute returns one entry per active agent, ordered by agent id. Agents
// with an invalid capacity are reported as issues and left out.
func Compute(agents []domain.Agent, openTasks []domain.Task) ([]domain.AgentCapacity, []error) {
	load := make(map[string]int, len(agents))
	for _, task := range openTasks {
		if task.Status.IsOpen() {
			load[task.AssignedToAgentID]++
		}
	}

	var issues []error
	out := make([]domain.AgentCapacity, 0, len(agents))
	for _, agent := range agents {
		if !agent.IsActive {
			continue
		}
		if agent.MaxConcurrentTasks < 1 {
			issues = append(issues, domain.NewValidationError(agent.ID, fmt.Sprintf("max_concurrent_tasks=%d", agent.MaxConcurrentTasks)))
			continue
		}
		out = append(out, newEntry(agent.ID, load[agent.ID], agent.MaxConcurrentTasks))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, issues
}

func newEntry(agentID string, current, capacity int) domain.AgentCapacity {
	return domain.AgentCapacity{
		AgentID:        agentID,
		CurrentLoad:    current,
		Capacity:       capacity,
		UtilizationPct: utilization(current, capacity),
	}
}

func utilization(current, capacity int) float64 {
	if capacity <= 0 {
		return 100
	}
	return math.Round(float64(current)/float64(capacity)*10000) / 100
}

// Pool is the in-memory capacity view for one assignment pass. Reserve
// bumps load immediately so later picks in the same pass see it.
// Pool is not safe for concurrent use.
type Pool struct {
	entries map[string]*domain.AgentCapacity
}

func NewPool(capacities []domain.AgentCapacity) *Pool {
	p := &Pool{entries: make(map[string]*domain.AgentCapacity, len(capacities))}
	for _, c := range capacities {
		entry := c
		p.entries[c.AgentID] = &entry
	}
	return p
}

// Assignable returns agents with free slots, least utilized first, ties by
// lower load then agent id.
func (p *Pool) Assignable() []domain.AgentCapacity {
	out := make([]domain.AgentCapacity, 0, len(p.entries))
	for _, c := range p.entries {
		if c.Full() {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UtilizationPct != out[j].UtilizationPct {
			return out[i].UtilizationPct < out[j].UtilizationPct
		}
		if out[i].CurrentLoad != out[j].CurrentLoad {
			return out[i].CurrentLoad < out[j].CurrentLoad
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

func (p *Pool) Get(agentID string) (domain.AgentCapacity, bool) {
	c, ok := p.entries[agentID]
	if !ok {
		return domain.AgentCapacity{}, false
	}
	return *c, true
}

// Reserve takes one slot from the agent.
func (p *Pool) Reserve(agentID string) error {
	c, ok := p.entries[agentID]
	if !ok {
		return fmt.Errorf("reserve %s: %w", agentID, domain.ErrNotFound)
	}
	if c.Full() {
		return domain.NewCapacityExhaustedError(agentID)
	}
	c.CurrentLoad++
	c.UtilizationPct = utilization(c.CurrentLoad, c.Capacity)
	return nil
}

// Remove drops an agent from the pool, used when the agent record turns out
// to be stale mid-pass.
func (p *Pool) Remove(agentID string) {
	delete(p.entries, agentID)
}

// Snapshot returns the current view ordered by agent id.
func (p *Pool) Snapshot() []domain.AgentCapacity {
	out := make([]domain.AgentCapacity, 0, len(p.entries))
	for _, c := range p.entries {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
