package domain

import (
	"encoding/json"
	"time"
)

type ResellerStatus string

const (
	ResellerStatusNew      ResellerStatus = "new"
	ResellerStatusActive   ResellerStatus = "active"
	ResellerStatusInactive ResellerStatus = "inactive"
	ResellerStatusLapsed   ResellerStatus = "lapsed"
)

type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelPhone    Channel = "phone"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelInPerson Channel = "in_person"
)

type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

type SkillLevel string

const (
	SkillNone   SkillLevel = "none"
	SkillBasic  SkillLevel = "basic"
	SkillMedium SkillLevel = "medium"
	SkillHigh   SkillLevel = "high"
	SkillExpert SkillLevel = "expert"
)

var skillRank = map[SkillLevel]int{
	SkillNone:   0,
	SkillBasic:  1,
	SkillMedium: 2,
	SkillHigh:   3,
	SkillExpert: 4,
}

// Rank orders skill levels; unknown values rank as none.
func (s SkillLevel) Rank() int {
	return skillRank[s]
}

func (s SkillLevel) AtLeast(min SkillLevel) bool {
	return s.Rank() >= min.Rank()
}

type TaskType string

const (
	TaskTypeFollowUp             TaskType = "follow_up"
	TaskTypeProactiveOutreach    TaskType = "proactive_outreach"
	TaskTypeChurnPrevention      TaskType = "churn_prevention"
	TaskTypeInformationGathering TaskType = "information_gathering"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeFollowUp, TaskTypeProactiveOutreach, TaskTypeChurnPrevention, TaskTypeInformationGathering:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank is higher for more pressing priorities.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusOverdue    TaskStatus = "overdue"
	TaskStatusCompleted  TaskStatus = "completed"
)

// OpenTaskStatuses are the non-terminal statuses. Overdue tasks are still open.
var OpenTaskStatuses = []TaskStatus{TaskStatusPending, TaskStatusInProgress, TaskStatusOverdue}

// CanTransition enforces the agent-driven lifecycle. Completed tasks are final,
// and overdue is a derived status that is never requested directly.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusCompleted:
		return false
	case TaskStatusPending, TaskStatusOverdue:
		return to == TaskStatusInProgress || to == TaskStatusCompleted
	case TaskStatusInProgress:
		return to == TaskStatusCompleted
	}
	return false
}

func (s TaskStatus) IsOpen() bool {
	return s == TaskStatusPending || s == TaskStatusInProgress || s == TaskStatusOverdue
}

type TaskSource string

const (
	TaskSourceEngine TaskSource = "engine"
	TaskSourceManual TaskSource = "manual"
)

type RunTrigger string

const (
	RunTriggerInterval RunTrigger = "interval"
	RunTriggerManual   RunTrigger = "manual"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

type SalesRecord struct {
	Year   int     `json:"year" yaml:"year"`
	Week   int     `json:"week" yaml:"week"`
	Amount float64 `json:"amount" yaml:"amount"`
}

// Before orders sales records chronologically by ISO year and week.
func (r SalesRecord) Before(other SalesRecord) bool {
	if r.Year != other.Year {
		return r.Year < other.Year
	}
	return r.Week < other.Week
}

type PsychProfile struct {
	Receptiveness    int     `json:"receptiveness" yaml:"receptiveness"`
	PreferredChannel Channel `json:"preferred_channel" yaml:"preferred_channel"`
	BusinessAcumen   Tier    `json:"business_acumen" yaml:"business_acumen"`
	RiskAversion     Tier    `json:"risk_aversion" yaml:"risk_aversion"`
}

// Complete reports whether every profile attribute the engine relies on is present.
func (p PsychProfile) Complete() bool {
	return p.Receptiveness >= 1 && p.Receptiveness <= 10 &&
		p.PreferredChannel != "" &&
		p.BusinessAcumen != "" &&
		p.RiskAversion != ""
}

type Reseller struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Status            ResellerStatus `json:"status"`
	Profile           PsychProfile   `json:"profile"`
	Sales             []SalesRecord  `json:"sales,omitempty"`
	ProfileIncomplete bool           `json:"profile_incomplete"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type WorkSchedule struct {
	DaysPerWeek int            `json:"days_per_week"`
	DailyHours  float64        `json:"daily_hours"`
	StartTime   string         `json:"start_time"`
	EndTime     string         `json:"end_time"`
	Timezone    string         `json:"timezone"`
	WorkingDays []time.Weekday `json:"working_days,omitempty"`
}

type Agent struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	Schedule           WorkSchedule           `json:"schedule"`
	MaxConcurrentTasks int                    `json:"max_concurrent_tasks"`
	IsActive           bool                   `json:"is_active"`
	Skills             map[Channel]SkillLevel `json:"skills"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// Skill returns the agent's level for a channel, none when unset.
func (a Agent) Skill(ch Channel) SkillLevel {
	if lvl, ok := a.Skills[ch]; ok {
		return lvl
	}
	return SkillNone
}

type Task struct {
	ID                   string     `json:"id"`
	ResellerID           string     `json:"reseller_id"`
	AssignedToAgentID    string     `json:"assigned_to_agent_id"`
	TaskType             TaskType   `json:"task_type"`
	Priority             Priority   `json:"priority"`
	Status               TaskStatus `json:"status"`
	DueDate              time.Time  `json:"due_date"`
	Prompt               string     `json:"prompt"`
	ContextSummary       string     `json:"context_summary"`
	SuggestedSolutions   []string   `json:"suggested_solutions"`
	EstimatedEffortHours float64    `json:"estimated_effort_hours"`
	NeedsReview          bool       `json:"needs_review"`
	RiskScore            float64    `json:"risk_score"`
	Source               TaskSource `json:"source"`
	RunID                string     `json:"run_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// EffectiveStatus derives the overdue view from the due date. Calling it
// repeatedly with the same instant yields the same result.
func (t Task) EffectiveStatus(now time.Time) TaskStatus {
	if t.Status == TaskStatusCompleted {
		return TaskStatusCompleted
	}
	if !t.DueDate.IsZero() && t.DueDate.Before(now) {
		return TaskStatusOverdue
	}
	if t.Status == TaskStatusOverdue {
		// due date was moved into the future
		return TaskStatusPending
	}
	return t.Status
}

type TaskReport struct {
	ID                         string    `json:"id"`
	TaskID                     string    `json:"task_id"`
	AgentID                    string    `json:"agent_id"`
	CompletionTimestamp        time.Time `json:"completion_timestamp"`
	TaskEffectivenessRating    int       `json:"task_effectiveness_rating"`
	CommunicationChannelUsed   Channel   `json:"communication_channel_used"`
	InteractionDurationMinutes int       `json:"interaction_duration_minutes"`
	ResellerMood               string    `json:"reseller_mood"`
	ChallengesFaced            []string  `json:"challenges_faced,omitempty"`
	SolutionsApplied           []string  `json:"solutions_applied,omitempty"`
	FollowUpRequired           bool      `json:"follow_up_required"`
	CreatedAt                  time.Time `json:"created_at"`
}

type GoalMetric struct {
	Target float64 `json:"target"`
	Actual float64 `json:"actual"`
}

type WeeklyGoals struct {
	WeekStart        string     `json:"week_start"`
	TasksCompleted   GoalMetric `json:"tasks_completed"`
	QualityAverage   GoalMetric `json:"quality_average"`
	OnTimePercentage GoalMetric `json:"on_time_percentage"`
}

type AgentProgress struct {
	ID                 string      `json:"id"`
	AgentID            string      `json:"agent_id"`
	CurrentLevel       int         `json:"current_level"`
	TotalXP            int         `json:"total_xp"`
	CurrentStreak      int         `json:"current_streak"`
	BestStreak         int         `json:"best_streak"`
	Badges             []string    `json:"badges"`
	WeeklyGoals        WeeklyGoals `json:"weekly_goals"`
	LastCompletionDate string      `json:"last_completion_date,omitempty"`
	Version            int         `json:"version"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

func (p AgentProgress) HasBadge(badge string) bool {
	for _, b := range p.Badges {
		if b == badge {
			return true
		}
	}
	return false
}

type SchedulerRun struct {
	ID             string     `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Trigger        RunTrigger `json:"trigger"`
	Status         RunStatus  `json:"status"`
	TasksCreated   int        `json:"tasks_created"`
	GapsIdentified int        `json:"gaps_identified"`
	Unassigned     int        `json:"unassigned"`
	Errors         []string   `json:"errors"`
}

type GapSignal struct {
	ResellerID          string     `json:"reseller_id"`
	RiskLevel           Priority   `json:"risk_level"`
	RiskScore           float64    `json:"risk_score"`
	RecommendedTaskType TaskType   `json:"recommended_task_type"`
	Rationale           string     `json:"rationale"`
	LastInteraction     *time.Time `json:"last_interaction,omitempty"`
	ProfileIncomplete   bool       `json:"profile_incomplete,omitempty"`
}

type AgentCapacity struct {
	AgentID        string  `json:"agent_id"`
	CurrentLoad    int     `json:"current_load"`
	Capacity       int     `json:"capacity"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// Full reports whether the agent has no remaining slots.
func (c AgentCapacity) Full() bool {
	return c.CurrentLoad >= c.Capacity
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id,omitempty"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
