package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds settings for the external coding agent subprocess.
type AgentConfig struct {
	// Command is the agent CLI binary. Args are prepended to the flags the
	// client adds itself (output format, resume token).
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// PermissionMode is passed through to the agent (e.g. "acceptEdits",
	// "bypassPermissions"). Empty uses the agent's default.
	PermissionMode string `yaml:"permission_mode"`

	// ConnectTimeoutSeconds bounds process startup + handshake.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
}

// RunsConfig holds settings for background agent runs.
type RunsConfig struct {
	// MaxConcurrent bounds the number of runs in RUNNING or PAUSED state.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxDurationMinutes is the per-run deadline. A launch spec may lower it
	// but never raise it past this value.
	MaxDurationMinutes int `yaml:"max_duration_minutes"`

	// ReviewMaxDurationMinutes bounds follow-up review runs.
	ReviewMaxDurationMinutes int `yaml:"review_max_duration_minutes"`

	// QueuePollSeconds is the queue-processing tick interval.
	QueuePollSeconds int `yaml:"queue_poll_seconds"`

	// Dir is where isolated run workspaces are created.
	Dir string `yaml:"dir"`

	// Isolate controls whether runs get a dedicated branch + worktree.
	Isolate bool `yaml:"isolate"`

	// PublishBranch pushes a completed run's branch to the remote.
	PublishBranch bool `yaml:"publish_branch"`

	// OpenReviewRequest opens a review request after publishing.
	OpenReviewRequest bool `yaml:"open_review_request"`

	// LaunchReviewRun launches a follow-up review run after completion.
	LaunchReviewRun bool `yaml:"launch_review_run"`
}

// SessionsConfig holds settings for interactive chat sessions.
type SessionsConfig struct {
	// IdleTimeoutMinutes evicts sessions inactive this long and not streaming.
	IdleTimeoutMinutes int `yaml:"idle_timeout_minutes"`

	// StaleConnectionMinutes drops device sinks idle this long.
	StaleConnectionMinutes int `yaml:"stale_connection_minutes"`

	// RetentionDays deletes persisted sessions with no activity this long.
	RetentionDays int `yaml:"retention_days"`
}

// OtelConfig mirrors the otel package config so it can live in config.yaml.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only (no cross-origin WebSockets).
	AllowOrigins []string `yaml:"allow_origins"`

	// Repo is the working tree interactive sessions run in and the base for
	// isolated run workspaces.
	Repo string `yaml:"repo"`

	Agent    AgentConfig    `yaml:"agent"`
	Runs     RunsConfig     `yaml:"runs"`
	Sessions SessionsConfig `yaml:"sessions"`
	Otel     OtelConfig     `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|agent=%s|max=%d|dur=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.Agent.Command, c.Runs.MaxConcurrent,
		c.Runs.MaxDurationMinutes, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConnectTimeout returns the agent connect timeout as a duration.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Agent.ConnectTimeoutSeconds) * time.Second
}

// RunMaxDuration returns the per-run deadline as a duration.
func (c Config) RunMaxDuration() time.Duration {
	return time.Duration(c.Runs.MaxDurationMinutes) * time.Minute
}

// SessionIdleTimeout returns the idle-session eviction threshold.
func (c Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.Sessions.IdleTimeoutMinutes) * time.Minute
}

// StaleConnectionAge returns the stale device connection threshold.
func (c Config) StaleConnectionAge() time.Duration {
	return time.Duration(c.Sessions.StaleConnectionMinutes) * time.Minute
}

// SessionRetention returns how long persisted sessions are kept.
func (c Config) SessionRetention() time.Duration {
	return time.Duration(c.Sessions.RetentionDays) * 24 * time.Hour
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Agent: AgentConfig{
			Command:               "claude",
			ConnectTimeoutSeconds: 30,
		},
		Runs: RunsConfig{
			MaxConcurrent:            2,
			MaxDurationMinutes:       60,
			ReviewMaxDurationMinutes: 15,
			QueuePollSeconds:         5,
			Isolate:                  true,
		},
		Sessions: SessionsConfig{
			IdleTimeoutMinutes:     30,
			StaleConnectionMinutes: 60,
			RetentionDays:          30,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AGENTDECK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentdeck")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentdeck home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Agent.Command) == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.ConnectTimeoutSeconds <= 0 {
		cfg.Agent.ConnectTimeoutSeconds = 30
	}
	if cfg.Runs.MaxConcurrent <= 0 {
		cfg.Runs.MaxConcurrent = 2
	}
	if cfg.Runs.MaxDurationMinutes <= 0 {
		cfg.Runs.MaxDurationMinutes = 60
	}
	if cfg.Runs.ReviewMaxDurationMinutes <= 0 {
		cfg.Runs.ReviewMaxDurationMinutes = 15
	}
	if cfg.Runs.QueuePollSeconds <= 0 {
		cfg.Runs.QueuePollSeconds = 5
	}
	if strings.TrimSpace(cfg.Runs.Dir) == "" {
		cfg.Runs.Dir = filepath.Join(cfg.HomeDir, "runs")
	}
	if cfg.Sessions.IdleTimeoutMinutes <= 0 {
		cfg.Sessions.IdleTimeoutMinutes = 30
	}
	if cfg.Sessions.StaleConnectionMinutes <= 0 {
		cfg.Sessions.StaleConnectionMinutes = 60
	}
	if cfg.Sessions.RetentionDays <= 0 {
		cfg.Sessions.RetentionDays = 30
	}
	if strings.TrimSpace(cfg.Repo) == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Repo = wd
		} else {
			cfg.Repo = "."
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTDECK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTDECK_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("AGENTDECK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTDECK_REPO"); raw != "" {
		cfg.Repo = raw
	}
	if raw := os.Getenv("AGENTDECK_AGENT_COMMAND"); raw != "" {
		cfg.Agent.Command = raw
	}
	if raw := os.Getenv("AGENTDECK_MAX_CONCURRENT_RUNS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Runs.MaxConcurrent = v
		}
	}
	if raw := os.Getenv("AGENTDECK_RUN_MAX_DURATION_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Runs.MaxDurationMinutes = v
		}
	}
}
