package domain

import "time"

// ResellerFilter narrows reseller listings. The zero value lists everything.
type ResellerFilter struct {
	Statuses []ResellerStatus
}

type AgentFilter struct {
	ActiveOnly bool
}

// TaskFilter narrows task listings. Due bounds are inclusive.
type TaskFilter struct {
	Statuses   []TaskStatus
	AgentID    string
	ResellerID string
	TaskType   TaskType
	DueFrom    *time.Time
	DueTo      *time.Time
	Limit      int
	// AsOf is the instant overdue is judged against; zero means now.
	AsOf time.Time
}

// RunCommit is everything a successful scheduler pass writes at once.
type RunCommit struct {
	Run                SchedulerRun
	Tasks              []Task
	IncompleteProfiles []string
}
