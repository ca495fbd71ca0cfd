package config

// DefaultConfig returns the starting configuration. Scoring weights, XP tables
// and due-date offsets are tuning defaults, not fixed contracts.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			Addr:                     ":8092",
			DBPath:                   "data/crm_autotask.db",
			ExecutionIntervalMinutes: 30,
			AutoStart:                true,
			WatchdogIntervalMS:       5000,
			MaxRunDurationSec:        300,
			ForceRunTimeoutSec:       120,
		},
		Gap: GapConfig{
			RecencyWeight:        0.4,
			TrendWeight:          0.4,
			StatusWeight:         0.2,
			RecencyHorizonDays:   30,
			FollowUpAfterDays:    14,
			TrendWeeks:           6,
			DeclineThreshold:     0.15,
			MinScore:             0.25,
			UrgentScore:          0.75,
			HighScore:            0.5,
			MediumScore:          0.3,
			NewStatusFactor:      0.5,
			ActiveStatusFactor:   0.1,
			InactiveStatusFactor: 0.6,
			LapsedStatusFactor:   1.0,
		},
		Assignment: AssignmentConfig{
			MinChannelSkill: "medium",
			DueOffsetDays: map[string]int{
				"urgent": 0,
				"high":   1,
				"medium": 3,
				"low":    7,
			},
			EffortHours: map[string]float64{
				"follow_up":             0.5,
				"proactive_outreach":    1.0,
				"churn_prevention":      1.5,
				"information_gathering": 0.75,
			},
			ContentBudgetSec: 60,
		},
		Progression: ProgressionConfig{
			BaseXP:          10,
			OnTimeBonus:     5,
			QualityBonus:    []int{0, 0, 2, 5, 10, 20},
			LevelThresholds: []int{0, 100, 250, 500, 1000},
			WeekStart:       "monday",
			Timezone:        "UTC",
			TargetTasks:     20,
			TargetQuality:   4.0,
			TargetOnTimePct: 90,
		},
		Content: ContentConfig{
			TimeoutSec:     30,
			Retries:        2,
			RetryBackoffMS: 1500,
		},
		Events: EventsConfig{
			KafkaTopic:  "crm-engine-events",
			InboxBuffer: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}
