package model

type Config struct {
	Project ProjectConfig `yaml:"project"`
	Routing RoutingConfig `yaml:"routing"`
	Watcher WatcherConfig `yaml:"watcher"`
	Retry   RetryConfig   `yaml:"retry"`
	Limits  LimitsConfig  `yaml:"limits"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Logging LoggingConfig `yaml:"logging"`
	Audit   AuditConfig   `yaml:"audit"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// RoutingConfig holds the static capability routing table: which capability
// class claims the next pipeline item after one completes. An empty value
// marks a terminal class. Validated at startup; an unknown class fails fast.
type RoutingConfig struct {
	Classes map[string]string `yaml:"classes"`
}

type WatcherConfig struct {
	ScanIntervalSec     int     `yaml:"scan_interval_sec"`
	DebounceSec         float64 `yaml:"debounce_sec"`
	HeartbeatTimeoutSec int     `yaml:"heartbeat_timeout_sec"`
	PollTimeoutSec      int     `yaml:"poll_timeout_sec"`
}

type RetryConfig struct {
	// MaxReworkAttempts bounds the needs_rework → ready cycle. An item
	// rejected while already at the limit escalates instead of requeueing.
	MaxReworkAttempts int `yaml:"max_rework_attempts"`
	ClaimRetries      int `yaml:"claim_retries"`
}

type LimitsConfig struct {
	MaxStoryItems    int `yaml:"max_story_items"`
	MaxPayloadBytes  int `yaml:"max_payload_bytes"`
	MaxYAMLFileBytes int `yaml:"max_yaml_file_bytes"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type AuditConfig struct {
	MaxLogBytes int64 `yaml:"max_log_bytes"`
}
