// Package config loads WatcherConfig and OrchestratorConfig from
// environment variables and an optional config file (watcher.yaml or
// orchestrator.yaml),
// following the same viper-based priority order the teacher's loader
// uses: env vars > config file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WatcherConfig holds everything one worker watcher process needs.
type WatcherConfig struct {
	WorkerName   string `mapstructure:"worker_name"`
	BaseDir      string `mapstructure:"base_dir"`
	TaskDir      string `mapstructure:"task_dir"`
	TriggerDir   string `mapstructure:"trigger_dir"`
	ResultDir    string `mapstructure:"result_dir"`
	HeartbeatDir string `mapstructure:"heartbeat_dir"`
	DLQDir       string `mapstructure:"dlq_dir"`

	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `mapstructure:"task_timeout"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`

	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      float64       `mapstructure:"retry_backoff"`
	InitialRetryDelay time.Duration `mapstructure:"initial_retry_delay"`

	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	EnableMetrics bool `mapstructure:"enable_metrics"`
	MetricsPort   int  `mapstructure:"metrics_port"`

	ClaudeCommand    string        `mapstructure:"claude_command"`
	SystemPromptFile string        `mapstructure:"system_prompt_file"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
}

// OrchestratorConfig holds everything the orchestrator listener needs.
type OrchestratorConfig struct {
	Workers    []string `mapstructure:"workers"`
	BaseDir    string   `mapstructure:"base_dir"`
	ResultDir  string   `mapstructure:"result_dir"`
	TriggerDir string   `mapstructure:"trigger_dir"`
	PipeDir    string   `mapstructure:"pipe_dir"`
	StateFile  string   `mapstructure:"state_file"`

	PollInterval      time.Duration `mapstructure:"poll_interval"`
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	EnableMetrics bool `mapstructure:"enable_metrics"`
	MetricsPort   int  `mapstructure:"metrics_port"`
}

// LoadWatcherConfig reads configuration for workerName. Priority: env
// vars (WATCHER_*) > config file > defaults, matching the teacher's
// internal/config.Load ordering.
func LoadWatcherConfig(workerName string) (*WatcherConfig, error) {
	v := viper.New()

	base := defaultBaseDir()
	v.SetDefault("worker_name", workerName)
	v.SetDefault("base_dir", base)
	v.SetDefault("max_concurrent_tasks", 3)
	v.SetDefault("task_timeout", "600s")
	v.SetDefault("heartbeat_interval", "10s")
	v.SetDefault("poll_interval", "2s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_backoff", 2.0)
	v.SetDefault("initial_retry_delay", "1s")
	v.SetDefault("circuit_breaker_threshold", 5)
	v.SetDefault("circuit_breaker_timeout", "60s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("enable_metrics", true)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("claude_command", "claude")
	v.SetDefault("lock_timeout", "30s")

	v.SetConfigName("watcher")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading watcher config file: %w", err)
		}
	}

	v.SetEnvPrefix("WATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg WatcherConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding watcher config: %w", err)
	}
	if workerName != "" {
		cfg.WorkerName = workerName
	}

	deriveWatcherDirs(&cfg)

	if err := validateWatcherConfig(&cfg); err != nil {
		return nil, err
	}
	if err := ensureWatcherDirs(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deriveWatcherDirs fills any per-worker directory left unset from
// base_dir, mirroring watcher_config.py's get_worker_task_dir family.
func deriveWatcherDirs(cfg *WatcherConfig) {
	if cfg.TaskDir == "" {
		cfg.TaskDir = filepath.Join(cfg.BaseDir, "tasks", cfg.WorkerName)
	}
	if cfg.TriggerDir == "" {
		cfg.TriggerDir = filepath.Join(cfg.BaseDir, "triggers", cfg.WorkerName)
	}
	if cfg.ResultDir == "" {
		cfg.ResultDir = filepath.Join(cfg.BaseDir, "results", cfg.WorkerName)
	}
	if cfg.HeartbeatDir == "" {
		cfg.HeartbeatDir = filepath.Join(cfg.BaseDir, "heartbeats")
	}
	if cfg.DLQDir == "" {
		cfg.DLQDir = filepath.Join(cfg.BaseDir, "dlq", cfg.WorkerName)
	}
}

func validateWatcherConfig(cfg *WatcherConfig) error {
	if cfg.WorkerName == "" {
		return fmt.Errorf("worker_name is required")
	}
	if cfg.MaxConcurrentTasks < 1 || cfg.MaxConcurrentTasks > 10 {
		return fmt.Errorf("max_concurrent_tasks must be between 1 and 10, got %d", cfg.MaxConcurrentTasks)
	}
	if cfg.TaskTimeout < 10*time.Second || cfg.TaskTimeout > 3600*time.Second {
		return fmt.Errorf("task_timeout must be between 10s and 3600s, got %s", cfg.TaskTimeout)
	}
	if cfg.HeartbeatInterval < time.Second || cfg.HeartbeatInterval > 60*time.Second {
		return fmt.Errorf("heartbeat_interval must be between 1s and 60s, got %s", cfg.HeartbeatInterval)
	}
	if cfg.MaxRetries < 0 || cfg.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be between 0 and 10, got %d", cfg.MaxRetries)
	}
	if cfg.RetryBackoff < 1.0 || cfg.RetryBackoff > 10.0 {
		return fmt.Errorf("retry_backoff must be between 1.0 and 10.0, got %f", cfg.RetryBackoff)
	}
	if cfg.CircuitBreakerThreshold < 1 || cfg.CircuitBreakerThreshold > 20 {
		return fmt.Errorf("circuit_breaker_threshold must be between 1 and 20, got %d", cfg.CircuitBreakerThreshold)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be 'json' or 'text', got %q", cfg.LogFormat)
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "critical", "fatal":
	default:
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	return nil
}

func ensureWatcherDirs(cfg *WatcherConfig) error {
	for _, dir := range []string{cfg.TaskDir, cfg.TriggerDir, cfg.ResultDir, cfg.HeartbeatDir, cfg.DLQDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// LoadOrchestratorConfig reads configuration for the orchestrator
// listener. Priority: env vars (ORCHESTRATOR_*) > config file > defaults.
func LoadOrchestratorConfig() (*OrchestratorConfig, error) {
	v := viper.New()

	base := defaultBaseDir()
	v.SetDefault("workers", []string{})
	v.SetDefault("base_dir", base)
	v.SetDefault("poll_interval", "500ms")
	v.SetDefault("completion_timeout", "600s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("enable_metrics", true)
	v.SetDefault("metrics_port", 9091)

	v.SetConfigName("orchestrator")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading orchestrator config file: %w", err)
		}
	}

	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg OrchestratorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding orchestrator config: %w", err)
	}

	if cfg.ResultDir == "" {
		cfg.ResultDir = filepath.Join(cfg.BaseDir, "results")
	}
	if cfg.TriggerDir == "" {
		cfg.TriggerDir = filepath.Join(cfg.BaseDir, "triggers")
	}
	if cfg.PipeDir == "" {
		cfg.PipeDir = filepath.Join(cfg.BaseDir, "pipes")
	}
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(cfg.BaseDir, "orchestrator_state.json")
	}

	if err := validateOrchestratorConfig(&cfg); err != nil {
		return nil, err
	}
	dirs := []string{cfg.ResultDir, cfg.TriggerDir, filepath.Join(cfg.TriggerDir, "orchestrator"), filepath.Dir(cfg.StateFile)}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	for _, w := range cfg.Workers {
		if err := os.MkdirAll(filepath.Join(cfg.ResultDir, w), 0o755); err != nil {
			return nil, fmt.Errorf("creating result directory for worker %s: %w", w, err)
		}
	}
	return &cfg, nil
}

func validateOrchestratorConfig(cfg *OrchestratorConfig) error {
	if len(cfg.Workers) == 0 {
		return fmt.Errorf("at least one worker must be configured")
	}
	if cfg.PollInterval < 100*time.Millisecond || cfg.PollInterval > 5*time.Second {
		return fmt.Errorf("poll_interval must be between 100ms and 5s, got %s", cfg.PollInterval)
	}
	if cfg.CompletionTimeout < 10*time.Second || cfg.CompletionTimeout > 3600*time.Second {
		return fmt.Errorf("completion_timeout must be between 10s and 3600s, got %s", cfg.CompletionTimeout)
	}
	return nil
}

func defaultBaseDir() string {
	if v := os.Getenv("AGENTRT_BASE_DIR"); v != "" {
		return v
	}
	return "/var/lib/agentrt"
}
