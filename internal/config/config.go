package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the single configuration file format for drover.jsonc
type Config struct {
	Claude   ClaudeSection   `json:"claude"`
	Codex    CodexSection    `json:"codex"`
	PTY      PTYSection      `json:"pty"`
	Store    StoreSection    `json:"store"`
	Limits   LimitsSection   `json:"limits"`
	Timeouts TimeoutsSection `json:"timeouts"`
	LogDir   string          `json:"log_dir"`
	Debug    bool            `json:"debug"`
}

// ClaudeSection configures the claude CLI backend
type ClaudeSection struct {
	Binary          string   `json:"binary"`
	PermissionModes []string `json:"permission_modes"`
	DefaultMode     string   `json:"default_mode"`
	Models          []string `json:"models"`
	DefaultModel    string   `json:"default_model"`
}

// CodexSection configures the codex CLI backend
type CodexSection struct {
	Binary         string   `json:"binary"`
	SandboxModes   []string `json:"sandbox_modes"`
	DefaultSandbox string   `json:"default_sandbox"`
	ApprovalModes  []string `json:"approval_modes"`
	Models         []string `json:"models"`
	DefaultModel   string   `json:"default_model"`
}

// PTYSection configures the interactive session pool
type PTYSection struct {
	MaxSessions int    `json:"max_sessions"`
	SweepSpec   string `json:"sweep_spec"`
}

// StoreSection configures the conversation metadata store
type StoreSection struct {
	DataDir string `json:"data_dir"`
}

// LimitsSection bounds retries, buffers and spawn rates
type LimitsSection struct {
	MaxRetryDepth   int     `json:"max_retry_depth"`
	MaxLineBytes    int     `json:"max_line_bytes"`
	SpawnsPerMinute float64 `json:"spawns_per_minute"`
	SpawnBurst      int     `json:"spawn_burst"`
}

// TimeoutsSection holds every timeout the engine observes.
// Values are JSON numbers of seconds except PTYRead which is milliseconds.
type TimeoutsSection struct {
	ReadLineSec       int `json:"read_line_sec"`
	StartupSec        int `json:"startup_sec"`
	CallTimeoutSec    int `json:"call_timeout_sec"`
	PlanWriteGraceSec int `json:"plan_write_grace_sec"`
	TermGraceSec      int `json:"term_grace_sec"`
	PTYInactivitySec  int `json:"pty_inactivity_sec"`
	PTYReadMS         int `json:"pty_read_ms"`
	IdleTimeoutSec    int `json:"idle_timeout_sec"`
}

func (t TimeoutsSection) ReadLine() time.Duration       { return time.Duration(t.ReadLineSec) * time.Second }
func (t TimeoutsSection) Startup() time.Duration        { return time.Duration(t.StartupSec) * time.Second }
func (t TimeoutsSection) CallTimeout() time.Duration    { return time.Duration(t.CallTimeoutSec) * time.Second }
func (t TimeoutsSection) PlanWriteGrace() time.Duration { return time.Duration(t.PlanWriteGraceSec) * time.Second }
func (t TimeoutsSection) TermGrace() time.Duration      { return time.Duration(t.TermGraceSec) * time.Second }
func (t TimeoutsSection) PTYInactivity() time.Duration  { return time.Duration(t.PTYInactivitySec) * time.Second }
func (t TimeoutsSection) PTYRead() time.Duration        { return time.Duration(t.PTYReadMS) * time.Millisecond }
func (t TimeoutsSection) IdleTimeout() time.Duration    { return time.Duration(t.IdleTimeoutSec) * time.Second }

// Default returns a Config populated with the engine defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// FindConfigPath returns the path to drover.jsonc using precedence:
// 1. configDir + /drover.jsonc (if configDir specified)
// 2. ./config/drover.jsonc (project-local)
// 3. ~/.drover/config/drover.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, "drover.jsonc")
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("drover.jsonc not found in %s", configDir)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return path, nil
		}
		return abs, nil
	}

	candidates := []string{
		filepath.Join("config", "drover.jsonc"),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".drover", "config", "drover.jsonc"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("drover.jsonc not found; tried: %v", candidates)
}

// Load reads configuration from a drover.jsonc file and applies defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	jsonData := StripJSONComments(data)

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Claude.Binary == "" {
		cfg.Claude.Binary = "claude"
	}
	if len(cfg.Claude.PermissionModes) == 0 {
		cfg.Claude.PermissionModes = []string{"default", "acceptEdits", "bypassPermissions", "plan"}
	}
	if cfg.Claude.DefaultMode == "" {
		cfg.Claude.DefaultMode = "acceptEdits"
	}
	if len(cfg.Claude.Models) == 0 {
		cfg.Claude.Models = []string{"sonnet", "opus", "haiku"}
	}
	if cfg.Claude.DefaultModel == "" {
		cfg.Claude.DefaultModel = "sonnet"
	}

	if cfg.Codex.Binary == "" {
		cfg.Codex.Binary = "codex"
	}
	if len(cfg.Codex.SandboxModes) == 0 {
		cfg.Codex.SandboxModes = []string{"read-only", "workspace-write", "danger-full-access"}
	}
	if cfg.Codex.DefaultSandbox == "" {
		cfg.Codex.DefaultSandbox = "workspace-write"
	}
	if len(cfg.Codex.ApprovalModes) == 0 {
		cfg.Codex.ApprovalModes = []string{"untrusted", "on-failure", "on-request", "never"}
	}
	if len(cfg.Codex.Models) == 0 {
		cfg.Codex.Models = []string{"gpt-5-codex", "gpt-5", "o3", "o4-mini"}
	}
	if cfg.Codex.DefaultModel == "" {
		cfg.Codex.DefaultModel = "gpt-5-codex"
	}

	if cfg.PTY.MaxSessions == 0 {
		cfg.PTY.MaxSessions = 10
	}
	if cfg.PTY.SweepSpec == "" {
		cfg.PTY.SweepSpec = "* * * * *"
	}

	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "data"
	}

	if cfg.Limits.MaxRetryDepth == 0 {
		cfg.Limits.MaxRetryDepth = 3
	}
	if cfg.Limits.MaxLineBytes == 0 {
		cfg.Limits.MaxLineBytes = 1024 * 1024
	}
	if cfg.Limits.SpawnsPerMinute == 0 {
		cfg.Limits.SpawnsPerMinute = 30
	}
	if cfg.Limits.SpawnBurst == 0 {
		cfg.Limits.SpawnBurst = 10
	}

	if cfg.Timeouts.ReadLineSec == 0 {
		cfg.Timeouts.ReadLineSec = 600
	}
	if cfg.Timeouts.StartupSec == 0 {
		cfg.Timeouts.StartupSec = 30
	}
	if cfg.Timeouts.CallTimeoutSec == 0 {
		cfg.Timeouts.CallTimeoutSec = 216000
	}
	if cfg.Timeouts.PlanWriteGraceSec == 0 {
		cfg.Timeouts.PlanWriteGraceSec = 15
	}
	if cfg.Timeouts.TermGraceSec == 0 {
		cfg.Timeouts.TermGraceSec = 5
	}
	if cfg.Timeouts.PTYInactivitySec == 0 {
		cfg.Timeouts.PTYInactivitySec = 10
	}
	if cfg.Timeouts.PTYReadMS == 0 {
		cfg.Timeouts.PTYReadMS = 100
	}
	if cfg.Timeouts.IdleTimeoutSec == 0 {
		cfg.Timeouts.IdleTimeoutSec = 1800
	}
}

// Validate checks that configuration values are internally consistent.
func (c *Config) Validate() error {
	if !contains(c.Claude.PermissionModes, c.Claude.DefaultMode) {
		return fmt.Errorf("claude.default_mode %q not in permission_modes %v", c.Claude.DefaultMode, c.Claude.PermissionModes)
	}
	if !contains(c.Codex.SandboxModes, c.Codex.DefaultSandbox) {
		return fmt.Errorf("codex.default_sandbox %q not in sandbox_modes %v", c.Codex.DefaultSandbox, c.Codex.SandboxModes)
	}
	if c.PTY.MaxSessions < 1 {
		return fmt.Errorf("pty.max_sessions must be at least 1, got %d", c.PTY.MaxSessions)
	}
	if c.Limits.MaxRetryDepth < 1 {
		return fmt.Errorf("limits.max_retry_depth must be at least 1, got %d", c.Limits.MaxRetryDepth)
	}
	if c.Limits.MaxLineBytes < 4096 {
		return fmt.Errorf("limits.max_line_bytes must be at least 4096, got %d", c.Limits.MaxLineBytes)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
