package fixtures

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crm_autotask/internal/domain"
)

const SchemaVersion = "1"

// File is a seed document: resellers with their sales history and the agent
// roster.
type File struct {
	SchemaVersion string     `yaml:"schema_version"`
	Resellers     []Reseller `yaml:"resellers"`
	Agents        []Agent    `yaml:"agents"`
}

type Reseller struct {
	ID      string               `yaml:"id"`
	Name    string               `yaml:"name"`
	Status  string               `yaml:"status"`
	Profile domain.PsychProfile  `yaml:"profile"`
	Sales   []domain.SalesRecord `yaml:"sales"`
}

type Agent struct {
	ID                 string            `yaml:"id"`
	Name               string            `yaml:"name"`
	MaxConcurrentTasks int               `yaml:"max_concurrent_tasks"`
	Active             *bool             `yaml:"active"`
	Skills             map[string]string `yaml:"skills"`
	Schedule           Schedule          `yaml:"schedule"`
}

type Schedule struct {
	DaysPerWeek int      `yaml:"days_per_week"`
	DailyHours  float64  `yaml:"daily_hours"`
	StartTime   string   `yaml:"start_time"`
	EndTime     string   `yaml:"end_time"`
	Timezone    string   `yaml:"timezone"`
	WorkingDays []string `yaml:"working_days"`
}

// Seeder is the write side of the store a seed needs.
type Seeder interface {
	UpsertReseller(ctx context.Context, r domain.Reseller) error
	UpsertAgent(ctx context.Context, a domain.Agent) error
}

type Summary struct {
	Resellers int
	Agents    int
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read fixture %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("fixture %s: %w", path, err)
	}
	return f, nil
}

func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse yaml: %w", err)
	}
	if f.SchemaVersion == "" {
		f.SchemaVersion = SchemaVersion
	}
	if f.SchemaVersion != SchemaVersion {
		return File{}, fmt.Errorf("unsupported schema_version %q", f.SchemaVersion)
	}
	if err := f.validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f File) validate() error {
	seen := make(map[string]bool)
	for i, r := range f.Resellers {
		if r.ID == "" {
			return domain.NewValidationError(fmt.Sprintf("resellers[%d]", i), "id is required")
		}
		if seen["r:"+r.ID] {
			return domain.NewValidationError(r.ID, "duplicate reseller id")
		}
		seen["r:"+r.ID] = true
		switch domain.ResellerStatus(r.Status) {
		case domain.ResellerStatusNew, domain.ResellerStatusActive, domain.ResellerStatusInactive, domain.ResellerStatusLapsed:
		default:
			return domain.NewValidationError(r.ID, fmt.Sprintf("unknown status %q", r.Status))
		}
	}
	for i, a := range f.Agents {
		if a.ID == "" {
			return domain.NewValidationError(fmt.Sprintf("agents[%d]", i), "id is required")
		}
		if seen["a:"+a.ID] {
			return domain.NewValidationError(a.ID, "duplicate agent id")
		}
		seen["a:"+a.ID] = true
		if a.MaxConcurrentTasks < 1 {
			return domain.NewValidationError(a.ID, "max_concurrent_tasks must be at least 1")
		}
		if _, err := workingDays(a.Schedule.WorkingDays); err != nil {
			return domain.NewValidationError(a.ID, err.Error())
		}
		if tz := a.Schedule.Timezone; tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return domain.NewValidationError(a.ID, fmt.Sprintf("unknown timezone %q", tz))
			}
		}
	}
	return nil
}

func (r Reseller) Domain() domain.Reseller {
	return domain.Reseller{
		ID:      r.ID,
		Name:    r.Name,
		Status:  domain.ResellerStatus(r.Status),
		Profile: r.Profile,
		Sales:   append([]domain.SalesRecord(nil), r.Sales...),
	}
}

func (a Agent) Domain() domain.Agent {
	active := true
	if a.Active != nil {
		active = *a.Active
	}
	skills := make(map[domain.Channel]domain.SkillLevel, len(a.Skills))
	for ch, lvl := range a.Skills {
		skills[domain.Channel(ch)] = domain.SkillLevel(lvl)
	}
	days, _ := workingDays(a.Schedule.WorkingDays)
	return domain.Agent{
		ID:                 a.ID,
		Name:               a.Name,
		MaxConcurrentTasks: a.MaxConcurrentTasks,
		IsActive:           active,
		Skills:             skills,
		Schedule: domain.WorkSchedule{
			DaysPerWeek: a.Schedule.DaysPerWeek,
			DailyHours:  a.Schedule.DailyHours,
			StartTime:   a.Schedule.StartTime,
			EndTime:     a.Schedule.EndTime,
			Timezone:    a.Schedule.Timezone,
			WorkingDays: days,
		},
	}
}

// Apply upserts every reseller, then every agent. It stops at the first
// failure; rows written before it stay.
func Apply(ctx context.Context, store Seeder, f File) (Summary, error) {
	var sum Summary
	for _, r := range f.Resellers {
		if err := store.UpsertReseller(ctx, r.Domain()); err != nil {
			return sum, fmt.Errorf("seed reseller %s: %w", r.ID, err)
		}
		sum.Resellers++
	}
	for _, a := range f.Agents {
		if err := store.UpsertAgent(ctx, a.Domain()); err != nil {
			return sum, fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
		sum.Agents++
	}
	return sum, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func workingDays(names []string) ([]time.Weekday, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]time.Weekday, 0, len(names))
	for _, name := range names {
		day, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown working day %q", name)
		}
		out = append(out, day)
	}
	return out, nil
}
