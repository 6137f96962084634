package model

type Config struct {
	Queue    QueueConfig    `yaml:"queue"`
	Lock     LockConfig     `yaml:"lock"`
	Session  SessionConfig  `yaml:"session"`
	Detector DetectorConfig `yaml:"detector"`
	Retry    RetryConfig    `yaml:"retry"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type QueueConfig struct {
	BackupOnSave    bool `yaml:"backup_on_save"`
	ScanIntervalSec int  `yaml:"scan_interval_sec"`
}

type LockConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BaseBackoffMs int `yaml:"base_backoff_ms"`
	MaxBackoffMs  int `yaml:"max_backoff_ms"`
	StaleAfterSec int `yaml:"stale_after_sec"`
}

type SessionConfig struct {
	Name         string `yaml:"name"`
	CaptureLines int    `yaml:"capture_lines"`
}

type DetectorConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec"`

	// Per-phase completion timeouts. Zero values fall back to defaults.
	DevelopTimeoutSec int `yaml:"develop_timeout_sec"`
	ClearTimeoutSec   int `yaml:"clear_timeout_sec"`
	ReviewTimeoutSec  int `yaml:"review_timeout_sec"`
	MergeTimeoutSec   int `yaml:"merge_timeout_sec"`
	GenericTimeoutSec int `yaml:"generic_timeout_sec"`

	// Per-phase completion pattern overrides (regex, case-insensitive).
	Patterns map[string][]string `yaml:"patterns,omitempty"`

	// AssumeCompleteOnTimeout treats an elapsed timeout as success when
	// output capture is unavailable. This weakens the completion guarantee
	// and must be opted into explicitly.
	AssumeCompleteOnTimeout bool `yaml:"assume_complete_on_timeout"`
}

type RetryConfig struct {
	MaxRetries         int `yaml:"max_retries"`
	BaseDelaySec       int `yaml:"base_delay_sec"`
	MaxDelaySec        int `yaml:"max_delay_sec"`
	JitterSec          int `yaml:"jitter_sec"`
	DefaultCooldownMin int `yaml:"default_cooldown_min"`

	// MaxWorkflowRetries bounds total recovery attempts across all error
	// kinds for one workflow, including usage-limit cooldowns.
	MaxWorkflowRetries int `yaml:"max_workflow_retries"`
}

type MonitorConfig struct {
	Enabled         bool    `yaml:"enabled"`
	IntervalSec     int     `yaml:"interval_sec"`
	CPUThresholdPct float64 `yaml:"cpu_threshold_pct"`
	MemThresholdMB  uint64  `yaml:"mem_threshold_mb"`
}

type JanitorConfig struct {
	Enabled          bool   `yaml:"enabled"`
	PruneSchedule    string `yaml:"prune_schedule"`
	MaxBackups       int    `yaml:"max_backups"`
	ArchiveAfterDays int    `yaml:"archive_after_days"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when config.yaml is absent.
func DefaultConfig() Config {
	return ApplyDefaults(Config{})
}

// ApplyDefaults fills zero-valued fields with defaults.
func ApplyDefaults(cfg Config) Config {
	if cfg.Queue.ScanIntervalSec <= 0 {
		cfg.Queue.ScanIntervalSec = 10
	}
	if cfg.Lock.MaxAttempts <= 0 {
		cfg.Lock.MaxAttempts = 10
	}
	if cfg.Lock.BaseBackoffMs <= 0 {
		cfg.Lock.BaseBackoffMs = 100
	}
	if cfg.Lock.MaxBackoffMs <= 0 {
		cfg.Lock.MaxBackoffMs = 5000
	}
	if cfg.Lock.StaleAfterSec <= 0 {
		cfg.Lock.StaleAfterSec = 600
	}
	if cfg.Session.Name == "" {
		cfg.Session.Name = "convoy"
	}
	if cfg.Session.CaptureLines <= 0 {
		cfg.Session.CaptureLines = 50
	}
	if cfg.Detector.PollIntervalSec <= 0 {
		cfg.Detector.PollIntervalSec = 5
	}
	if cfg.Detector.DevelopTimeoutSec <= 0 {
		cfg.Detector.DevelopTimeoutSec = 600
	}
	if cfg.Detector.ClearTimeoutSec <= 0 {
		cfg.Detector.ClearTimeoutSec = 30
	}
	if cfg.Detector.ReviewTimeoutSec <= 0 {
		cfg.Detector.ReviewTimeoutSec = 480
	}
	if cfg.Detector.MergeTimeoutSec <= 0 {
		cfg.Detector.MergeTimeoutSec = 300
	}
	if cfg.Detector.GenericTimeoutSec <= 0 {
		cfg.Detector.GenericTimeoutSec = 180
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelaySec <= 0 {
		cfg.Retry.BaseDelaySec = 30
	}
	if cfg.Retry.MaxDelaySec <= 0 {
		cfg.Retry.MaxDelaySec = 600
	}
	if cfg.Retry.JitterSec <= 0 {
		cfg.Retry.JitterSec = 10
	}
	if cfg.Retry.DefaultCooldownMin <= 0 {
		cfg.Retry.DefaultCooldownMin = 60
	}
	if cfg.Retry.MaxWorkflowRetries <= 0 {
		cfg.Retry.MaxWorkflowRetries = 10
	}
	if cfg.Monitor.IntervalSec <= 0 {
		cfg.Monitor.IntervalSec = 60
	}
	if cfg.Monitor.CPUThresholdPct <= 0 {
		cfg.Monitor.CPUThresholdPct = 90
	}
	if cfg.Monitor.MemThresholdMB <= 0 {
		cfg.Monitor.MemThresholdMB = 2048
	}
	if cfg.Janitor.PruneSchedule == "" {
		cfg.Janitor.PruneSchedule = "@hourly"
	}
	if cfg.Janitor.MaxBackups <= 0 {
		cfg.Janitor.MaxBackups = 50
	}
	if cfg.Janitor.ArchiveAfterDays <= 0 {
		cfg.Janitor.ArchiveAfterDays = 14
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return cfg
}
