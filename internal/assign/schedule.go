package assign

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"crm_autotask/internal/domain"
)

var defaultDueOffsetDays = map[domain.Priority]int{
	domain.PriorityUrgent: 0,
	domain.PriorityHigh:   1,
	domain.PriorityMedium: 3,
	domain.PriorityLow:    7,
}

// DueDate places the deadline at the end of the agent's shift offsetDays
// after now, in the agent's timezone, moved forward to the next working day
// when the day is off or the shift has already ended.
func DueDate(s domain.WorkSchedule, offsetDays int, now time.Time) (time.Time, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("agent timezone %q: %w", tz, domain.ErrValidation)
	}
	hour, minute, err := parseClock(s.EndTime, 18, 0)
	if err != nil {
		return time.Time{}, err
	}
	working := workingDays(s)

	local := now.In(loc)
	due := time.Date(local.Year(), local.Month(), local.Day()+offsetDays, hour, minute, 0, 0, loc)
	for i := 0; i < 14; i++ {
		if working[due.Weekday()] && due.After(now) {
			return due.UTC(), nil
		}
		due = time.Date(due.Year(), due.Month(), due.Day()+1, hour, minute, 0, 0, loc)
	}
	return time.Time{}, domain.NewValidationError("schedule", "no working day within two weeks")
}

func workingDays(s domain.WorkSchedule) map[time.Weekday]bool {
	out := make(map[time.Weekday]bool, 7)
	if len(s.WorkingDays) > 0 {
		for _, d := range s.WorkingDays {
			out[d] = true
		}
		return out
	}
	n := s.DaysPerWeek
	if n <= 0 {
		n = 5
	}
	if n > 7 {
		n = 7
	}
	// Monday first.
	for i := 0; i < n; i++ {
		out[time.Weekday((int(time.Monday)+i)%7)] = true
	}
	return out
}

func parseClock(v string, defHour, defMinute int) (int, int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return defHour, defMinute, nil
	}
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, domain.NewValidationError("schedule", fmt.Sprintf("invalid clock %q", v))
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, domain.NewValidationError("schedule", fmt.Sprintf("invalid hour in %q", v))
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, domain.NewValidationError("schedule", fmt.Sprintf("invalid minute in %q", v))
	}
	return hour, minute, nil
}
