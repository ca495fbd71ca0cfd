package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Engine      EngineConfig      `toml:"engine"`
	Gap         GapConfig         `toml:"gap"`
	Assignment  AssignmentConfig  `toml:"assignment"`
	Progression ProgressionConfig `toml:"progression"`
	Content     ContentConfig     `toml:"content"`
	Events      EventsConfig      `toml:"events"`
	Logging     LoggingConfig     `toml:"logging"`
	Raw         map[string]any    `toml:"-"`
	Path        string            `toml:"-"`
}

type EngineConfig struct {
	Addr                     string `toml:"addr"`
	DBPath                   string `toml:"db_path"`
	ExecutionIntervalMinutes int    `toml:"execution_interval_minutes"`
	AutoStart                bool   `toml:"auto_start"`
	WatchdogIntervalMS       int    `toml:"watchdog_interval_ms"`
	MaxRunDurationSec        int    `toml:"max_run_duration_sec"`
	ForceRunTimeoutSec       int    `toml:"force_run_timeout_sec"`
}

type GapConfig struct {
	RecencyWeight        float64 `toml:"recency_weight"`
	TrendWeight          float64 `toml:"trend_weight"`
	StatusWeight         float64 `toml:"status_weight"`
	RecencyHorizonDays   int     `toml:"recency_horizon_days"`
	FollowUpAfterDays    int     `toml:"follow_up_after_days"`
	TrendWeeks           int     `toml:"trend_weeks"`
	DeclineThreshold     float64 `toml:"decline_threshold"`
	MinScore             float64 `toml:"min_score"`
	UrgentScore          float64 `toml:"urgent_score"`
	HighScore            float64 `toml:"high_score"`
	MediumScore          float64 `toml:"medium_score"`
	NewStatusFactor      float64 `toml:"new_status_factor"`
	ActiveStatusFactor   float64 `toml:"active_status_factor"`
	InactiveStatusFactor float64 `toml:"inactive_status_factor"`
	LapsedStatusFactor   float64 `toml:"lapsed_status_factor"`
}

type AssignmentConfig struct {
	MinChannelSkill  string             `toml:"min_channel_skill"`
	DueOffsetDays    map[string]int     `toml:"due_offset_days"`
	EffortHours      map[string]float64 `toml:"effort_hours"`
	ContentBudgetSec int                `toml:"content_budget_sec"`
}

type ProgressionConfig struct {
	BaseXP          int     `toml:"base_xp"`
	OnTimeBonus     int     `toml:"on_time_bonus"`
	QualityBonus    []int   `toml:"quality_bonus"`
	LevelThresholds []int   `toml:"level_thresholds"`
	WeekStart       string  `toml:"week_start"`
	Timezone        string  `toml:"timezone"`
	TargetTasks     float64 `toml:"target_tasks"`
	TargetQuality   float64 `toml:"target_quality"`
	TargetOnTimePct float64 `toml:"target_on_time_pct"`
}

type ContentConfig struct {
	Endpoint       string `toml:"endpoint"`
	AuthToken      string `toml:"auth_token"`
	TimeoutSec     int    `toml:"timeout_sec"`
	Retries        int    `toml:"retries"`
	RetryBackoffMS int    `toml:"retry_backoff_ms"`
}

type EventsConfig struct {
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`
	InboxBuffer  int      `toml:"inbox_buffer"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
	File   string `toml:"file"`
}

// Load decodes the file at path on top of DefaultConfig. A missing file at the
// default location is not an error; an explicitly named missing file is.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	cfg.Path = resolved

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

// Save writes cfg as TOML, creating parent directories.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

func resolvePath(path string) (string, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	return filepath.Clean(resolved), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crm-engine/config.toml"
	}
	return filepath.Join(home, ".crm-engine", "config.toml")
}
