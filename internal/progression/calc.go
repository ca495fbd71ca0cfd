package progression

import (
	"fmt"
	"strings"
	"time"

	"crm_autotask/internal/config"
	"crm_autotask/internal/domain"
)

const dateLayout = "2006-01-02"

const (
	BadgeFirstTask       = "first_task"
	BadgeStreak7         = "streak_7"
	BadgeStreak30        = "streak_30"
	BadgeWeeklyTasksGoal = "weekly_tasks_goal"
)

// Rules is the tuning table for XP, levels and weekly goals.
type Rules struct {
	BaseXP          int
	OnTimeBonus     int
	QualityBonus    []int
	LevelThresholds []int
	WeekStart       time.Weekday
	Location        *time.Location
	TargetTasks     float64
	TargetQuality   float64
	TargetOnTimePct float64
}

func RulesFromConfig(cfg config.ProgressionConfig) (Rules, error) {
	weekStart, err := parseWeekday(cfg.WeekStart)
	if err != nil {
		return Rules{}, err
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Rules{}, fmt.Errorf("progression timezone %q: %w", tz, err)
	}
	if len(cfg.QualityBonus) < 6 {
		return Rules{}, fmt.Errorf("quality_bonus needs 6 entries for ratings 0-5, got %d", len(cfg.QualityBonus))
	}
	if cfg.BaseXP < 0 || cfg.OnTimeBonus < 0 {
		return Rules{}, fmt.Errorf("base_xp and on_time_bonus must not be negative")
	}
	for rating, bonus := range cfg.QualityBonus {
		if bonus < 0 {
			return Rules{}, fmt.Errorf("quality_bonus for rating %d must not be negative", rating)
		}
	}
	if len(cfg.LevelThresholds) == 0 {
		return Rules{}, fmt.Errorf("level_thresholds must not be empty")
	}
	for i := 1; i < len(cfg.LevelThresholds); i++ {
		if cfg.LevelThresholds[i] <= cfg.LevelThresholds[i-1] {
			return Rules{}, fmt.Errorf("level_thresholds must be strictly increasing")
		}
	}
	return Rules{
		BaseXP:          cfg.BaseXP,
		OnTimeBonus:     cfg.OnTimeBonus,
		QualityBonus:    append([]int(nil), cfg.QualityBonus...),
		LevelThresholds: append([]int(nil), cfg.LevelThresholds...),
		WeekStart:       weekStart,
		Location:        loc,
		TargetTasks:     cfg.TargetTasks,
		TargetQuality:   cfg.TargetQuality,
		TargetOnTimePct: cfg.TargetOnTimePct,
	}, nil
}

// XP returns the award for one completion.
func (r Rules) XP(rating int, onTime bool) int {
	xp := r.BaseXP
	if rating >= 0 && rating < len(r.QualityBonus) {
		xp += r.QualityBonus[rating]
	}
	if onTime {
		xp += r.OnTimeBonus
	}
	return xp
}

// Level is the 1-based index of the highest threshold not above totalXP.
func (r Rules) Level(totalXP int) int {
	level := 1
	for i, threshold := range r.LevelThresholds {
		if totalXP >= threshold {
			level = i + 1
		}
	}
	return level
}

// WeekStartOf returns the date of the most recent week boundary at or before t.
func (r Rules) WeekStartOf(t time.Time) string {
	local := t.In(r.Location)
	back := (int(local.Weekday()) - int(r.WeekStart) + 7) % 7
	start := time.Date(local.Year(), local.Month(), local.Day()-back, 0, 0, 0, 0, r.Location)
	return start.Format(dateLayout)
}

func (r Rules) freshWeek(weekStart string) domain.WeeklyGoals {
	return domain.WeeklyGoals{
		WeekStart:        weekStart,
		TasksCompleted:   domain.GoalMetric{Target: r.TargetTasks},
		QualityAverage:   domain.GoalMetric{Target: r.TargetQuality},
		OnTimePercentage: domain.GoalMetric{Target: r.TargetOnTimePct},
	}
}

// Apply folds one report into p and returns the new progress with the XP
// awarded. p is not modified.
func (r Rules) Apply(p domain.AgentProgress, report domain.TaskReport, due time.Time) (domain.AgentProgress, int) {
	next := p
	next.Badges = append([]string(nil), p.Badges...)

	completed := report.CompletionTimestamp
	onTime := !due.IsZero() && !completed.After(due)
	xp := r.XP(report.TaskEffectivenessRating, onTime)
	next.TotalXP += xp
	next.CurrentLevel = r.Level(next.TotalXP)

	day := completed.In(r.Location).Format(dateLayout)
	switch {
	case p.LastCompletionDate == "":
		next.CurrentStreak = 1
		next.LastCompletionDate = day
	case day == p.LastCompletionDate:
	case day < p.LastCompletionDate:
		// late report for an earlier day
	case day == nextDay(p.LastCompletionDate, r.Location):
		next.CurrentStreak = p.CurrentStreak + 1
		next.LastCompletionDate = day
	default:
		next.CurrentStreak = 1
		next.LastCompletionDate = day
	}
	if next.CurrentStreak < 1 {
		next.CurrentStreak = 1
	}
	if next.CurrentStreak > next.BestStreak {
		next.BestStreak = next.CurrentStreak
	}

	week := r.WeekStartOf(completed)
	switch {
	case p.WeeklyGoals.WeekStart == "" || week > p.WeeklyGoals.WeekStart:
		next.WeeklyGoals = r.freshWeek(week)
	case week < p.WeeklyGoals.WeekStart:
		return r.award(next), xp
	}
	g := &next.WeeklyGoals
	count := g.TasksCompleted.Actual + 1
	g.QualityAverage.Actual += (float64(report.TaskEffectivenessRating) - g.QualityAverage.Actual) / count
	onTimeValue := 0.0
	if onTime {
		onTimeValue = 100
	}
	g.OnTimePercentage.Actual += (onTimeValue - g.OnTimePercentage.Actual) / count
	g.TasksCompleted.Actual = count
	g.TasksCompleted.Target = r.TargetTasks
	g.QualityAverage.Target = r.TargetQuality
	g.OnTimePercentage.Target = r.TargetOnTimePct

	return r.award(next), xp
}

// View returns p as seen at now: weekly goals from a past week read as zero.
func (r Rules) View(p domain.AgentProgress, now time.Time) domain.AgentProgress {
	week := r.WeekStartOf(now)
	if p.WeeklyGoals.WeekStart != week {
		p.WeeklyGoals = r.freshWeek(week)
	}
	return p
}

func (r Rules) award(p domain.AgentProgress) domain.AgentProgress {
	add := func(badge string) {
		if !p.HasBadge(badge) {
			p.Badges = append(p.Badges, badge)
		}
	}
	if p.TotalXP > 0 {
		add(BadgeFirstTask)
	}
	if p.CurrentStreak >= 7 {
		add(BadgeStreak7)
	}
	if p.CurrentStreak >= 30 {
		add(BadgeStreak30)
	}
	for lvl := 2; lvl <= p.CurrentLevel; lvl++ {
		add(fmt.Sprintf("level_%d", lvl))
	}
	if r.TargetTasks > 0 && p.WeeklyGoals.TasksCompleted.Actual >= r.TargetTasks {
		add(BadgeWeeklyTasksGoal)
	}
	return p
}

func nextDay(date string, loc *time.Location) string {
	d, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return ""
	}
	return d.AddDate(0, 0, 1).Format(dateLayout)
}

func parseWeekday(v string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	case "sunday":
		return time.Sunday, nil
	default:
		return time.Sunday, fmt.Errorf("unknown week_start %q", v)
	}
}
