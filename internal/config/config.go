// Package config handles configuration loading and management for taskmesh.
// It supports XDG config paths, project-level overrides, environment
// variables, and live reload of tunable values on config file changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Config holds all configuration for the taskmesh coordinator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Allocator AllocatorConfig `mapstructure:"allocator"`
	Gate      GateConfig      `mapstructure:"gate"`
	Bus       BusConfig       `mapstructure:"bus"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Listen is the address the coordinator binds to.
	Listen string `mapstructure:"listen"`
	// HeartbeatRateLimit caps heartbeats per second per worker.
	HeartbeatRateLimit float64 `mapstructure:"heartbeat_rate_limit"`
	// HeartbeatRateBurst is the per-worker heartbeat burst allowance.
	HeartbeatRateBurst int `mapstructure:"heartbeat_rate_burst"`
	// AssignmentPollTimeout bounds a worker's assignment long-poll.
	AssignmentPollTimeout time.Duration `mapstructure:"assignment_poll_timeout"`
}

// DatabaseConfig holds persistence settings.
type DatabaseConfig struct {
	// Path is the sqlite database file location.
	Path string `mapstructure:"path"`
}

// RegistryConfig holds worker liveness settings.
type RegistryConfig struct {
	// HeartbeatInterval is the expected interval between worker heartbeats.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// MissedHeartbeats is how many consecutive intervals a worker may
	// miss before it is marked offline.
	MissedHeartbeats int `mapstructure:"missed_heartbeats"`
	// SweepInterval is how often the liveness sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// OfflineAfter returns how long a worker may stay silent before the
// liveness sweep marks it offline.
func (r RegistryConfig) OfflineAfter() time.Duration {
	return time.Duration(r.MissedHeartbeats) * r.HeartbeatInterval
}

// SchedulerConfig holds scheduling tick and retry settings.
type SchedulerConfig struct {
	// TickInterval is the period of the scheduling tick that scans
	// ready nodes across all tasks.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// MaxRetries is how many times a failed subtask is retried before
	// it becomes blocked.
	MaxRetries int `mapstructure:"max_retries"`
	// Backoff lists the delay before each retry attempt. The last entry
	// repeats if retries exceed its length.
	Backoff []time.Duration `mapstructure:"backoff"`
}

// BackoffFor returns the delay to apply after the given failure count
// (1-based: the first failure uses Backoff[0]).
func (s SchedulerConfig) BackoffFor(failures int) time.Duration {
	if len(s.Backoff) == 0 {
		return 0
	}
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.Backoff) {
		idx = len(s.Backoff) - 1
	}
	return s.Backoff[idx]
}

// AllocatorConfig holds the worker scoring policy weights. The four
// weights need not sum to 1; scores are compared relative to each other.
type AllocatorConfig struct {
	// ToolMatchWeight scores capability fit.
	ToolMatchWeight float64 `mapstructure:"tool_match_weight"`
	// ResourceWeight scores free CPU/memory headroom.
	ResourceWeight float64 `mapstructure:"resource_weight"`
	// LoadBalanceWeight penalises recently assigned workers.
	LoadBalanceWeight float64 `mapstructure:"load_balance_weight"`
	// AffinityWeight rewards privacy capability on sensitive tasks.
	AffinityWeight float64 `mapstructure:"affinity_weight"`
	// RecentWindow is the sliding window for the load-balance term.
	RecentWindow time.Duration `mapstructure:"recent_window"`
}

// GateConfig holds evaluation and checkpoint settings.
type GateConfig struct {
	// PassThreshold is the minimum aggregate score to pass evaluation.
	PassThreshold float64 `mapstructure:"pass_threshold"`
	// CriticalSecurityThreshold raises an immediate checkpoint when the
	// security dimension scores below it.
	CriticalSecurityThreshold float64 `mapstructure:"critical_security_threshold"`
	// MaxFixCycles bounds automatic fix nodes per origin before
	// escalating to a human checkpoint.
	MaxFixCycles int `mapstructure:"max_fix_cycles"`
	// MediumInterval is k for medium checkpoint frequency: a checkpoint
	// after every k completed subtasks.
	MediumInterval int `mapstructure:"medium_interval"`
	// Weights are the evaluation dimension weights.
	Weights models.EvaluationWeights `mapstructure:"weights"`
	// ScorerCommand is the external evaluator binary. It receives the
	// subtask output on stdin and prints dimension scores as JSON.
	// Empty disables automatic evaluation.
	ScorerCommand string `mapstructure:"scorer_command"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	// SubscriberBuffer is the per-subscriber channel depth. Delivery is
	// best-effort: a full subscriber drops events until resync.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (TASKMESH_*)
// 2. Project config (.taskmesh.yaml in current directory or parent)
// 3. User config (~/.config/taskmesh/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("TASKMESH")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Watch reloads the config file on change and invokes onChange with the
// freshly parsed configuration. Reload errors keep the previous values.
// Used to retune allocator weights and gate thresholds without restart.
func Watch(path string, onChange func(*Config)) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg := &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()

	return v, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listen", ":8420")
	v.SetDefault("server.heartbeat_rate_limit", 2.0)
	v.SetDefault("server.heartbeat_rate_burst", 5)
	v.SetDefault("server.assignment_poll_timeout", "25s")

	// Database defaults
	v.SetDefault("database.path", defaultDBPath())

	// Registry defaults: offline after 3 missed 30s intervals
	v.SetDefault("registry.heartbeat_interval", "30s")
	v.SetDefault("registry.missed_heartbeats", 3)
	v.SetDefault("registry.sweep_interval", "10s")

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.backoff", []string{"10s", "30s", "60s"})

	// Allocator defaults: 40/30/20/10
	v.SetDefault("allocator.tool_match_weight", 0.4)
	v.SetDefault("allocator.resource_weight", 0.3)
	v.SetDefault("allocator.load_balance_weight", 0.2)
	v.SetDefault("allocator.affinity_weight", 0.1)
	v.SetDefault("allocator.recent_window", "5m")

	// Gate defaults
	v.SetDefault("gate.pass_threshold", 7.0)
	v.SetDefault("gate.critical_security_threshold", 7.0)
	v.SetDefault("gate.max_fix_cycles", 2)
	v.SetDefault("gate.medium_interval", 3)
	v.SetDefault("gate.weights.code_quality", 1.5)
	v.SetDefault("gate.weights.completeness", 1.5)
	v.SetDefault("gate.weights.security", 2.0)
	v.SetDefault("gate.weights.architecture", 1.0)
	v.SetDefault("gate.weights.testability", 1.0)
	v.SetDefault("gate.scorer_command", "")

	// Bus defaults
	v.SetDefault("bus.subscriber_buffer", 256)
}

// defaultDBPath returns the XDG data path for the coordinator database.
func defaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "taskmesh", "taskmesh.db")
}

// getUserConfigDir returns the XDG config directory for taskmesh.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "taskmesh")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "taskmesh")
	}
	return filepath.Join(home, ".config", "taskmesh")
}

// findProjectConfig searches for .taskmesh.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".taskmesh.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:                ":8420",
			HeartbeatRateLimit:    2.0,
			HeartbeatRateBurst:    5,
			AssignmentPollTimeout: 25 * time.Second,
		},
		Database: DatabaseConfig{
			Path: defaultDBPath(),
		},
		Registry: RegistryConfig{
			HeartbeatInterval: 30 * time.Second,
			MissedHeartbeats:  3,
			SweepInterval:     10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Second,
			MaxRetries:   3,
			Backoff:      []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},
		},
		Allocator: AllocatorConfig{
			ToolMatchWeight:   0.4,
			ResourceWeight:    0.3,
			LoadBalanceWeight: 0.2,
			AffinityWeight:    0.1,
			RecentWindow:      5 * time.Minute,
		},
		Gate: GateConfig{
			PassThreshold:             7.0,
			CriticalSecurityThreshold: 7.0,
			MaxFixCycles:              2,
			MediumInterval:            3,
			Weights:                   models.DefaultEvaluationWeights(),
		},
		Bus: BusConfig{
			SubscriberBuffer: 256,
		},
	}
}
