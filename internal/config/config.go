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

	"github.com/basket/crewplane/internal/otel"
)

// PoolConfig defines a worker pool to register on startup. Lower priority
// is preferred by the selector.
type PoolConfig struct {
	Name      string `yaml:"name"`
	RoleType  string `yaml:"role_type"`
	Priority  int    `yaml:"priority"`
	MaxAgents int    `yaml:"max_agents"`
	Active    *bool  `yaml:"active"` // nil means active
}

// IsActive resolves the optional active flag; unset means active.
func (p PoolConfig) IsActive() bool {
	return p.Active == nil || *p.Active
}

// WIPLimitConfig seeds a per-project, per-column WIP limit. Type is
// "hard" (block) or "soft" (warn).
type WIPLimitConfig struct {
	ProjectID string `yaml:"project_id"`
	Column    string `yaml:"column"`
	Limit     int    `yaml:"limit"`
	Type      string `yaml:"type"`
}

// ScratchConfig controls the per-workspace scratch database container.
type ScratchConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

// JanitorConfig controls the periodic sweep.
type JanitorConfig struct {
	CronExpr          string `yaml:"cron"`
	StaleAfterMinutes int    `yaml:"stale_after_minutes"`
}

// TelegramConfig holds operator notification settings. Notifications are
// best-effort; a bad token disables them, it never fails a route.
type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type NotificationsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type WorkspaceConfig struct {
	// Root is the directory workspaces are provisioned under.
	// Defaults to <home>/workspaces.
	Root string `yaml:"root"`
	// GitTimeoutSeconds bounds each git invocation. 0 uses the default.
	GitTimeoutSeconds int `yaml:"git_timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Scratch       ScratchConfig       `yaml:"scratch"`
	Janitor       JanitorConfig       `yaml:"janitor"`
	Notifications NotificationsConfig `yaml:"notifications"`
	OTel          otel.Config         `yaml:"otel"`

	Pools     []PoolConfig     `yaml:"pools"`
	WIPLimits []WIPLimitConfig `yaml:"wip_limits"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the crewplane home directory. CREWPLANE_HOME overrides;
// the default is ~/.crewplane.
func HomeDir() string {
	if override := os.Getenv("CREWPLANE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".crewplane")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Scratch: ScratchConfig{
			Image:    "postgres:16-alpine",
			MemoryMB: 256,
			Network:  "bridge",
		},
		Janitor: JanitorConfig{
			CronExpr:          "*/15 * * * *",
			StaleAfterMinutes: int((1 * time.Hour).Minutes()),
		},
		Pools: defaultPools(),
	}
}

// defaultPools covers the four board roles so a fresh install can route
// every column without hand-written config.
func defaultPools() []PoolConfig {
	return []PoolConfig{
		{Name: "analysis-pool", RoleType: "business_analyst", Priority: 1, MaxAgents: 2},
		{Name: "dev-pool", RoleType: "developer", Priority: 1, MaxAgents: 4},
		{Name: "test-pool", RoleType: "tester", Priority: 1, MaxAgents: 2},
		{Name: "lead-pool", RoleType: "team_leader", Priority: 1, MaxAgents: 1},
	}
}

// Load reads config.yaml from the crewplane home, applying defaults, env
// overrides, and validation. A missing config.yaml is not an error: the
// defaults stand.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create crewplane home: %w", err)
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
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Workspace.Root) == "" {
		cfg.Workspace.Root = filepath.Join(cfg.HomeDir, "workspaces")
	}
	if cfg.Scratch.Image == "" {
		cfg.Scratch.Image = "postgres:16-alpine"
	}
	if cfg.Scratch.MemoryMB <= 0 {
		cfg.Scratch.MemoryMB = 256
	}
	if cfg.Scratch.Network == "" {
		cfg.Scratch.Network = "bridge"
	}
	if cfg.Janitor.CronExpr == "" {
		cfg.Janitor.CronExpr = "*/15 * * * *"
	}
	if cfg.Janitor.StaleAfterMinutes <= 0 {
		cfg.Janitor.StaleAfterMinutes = 60
	}
	if len(cfg.Pools) == 0 {
		cfg.Pools = defaultPools()
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Pools))
	for _, p := range cfg.Pools {
		if p.Name == "" {
			return fmt.Errorf("pool with empty name in config")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pool %q in config", p.Name)
		}
		seen[p.Name] = true
		if p.RoleType == "" {
			return fmt.Errorf("pool %q: role_type must be set", p.Name)
		}
		if p.MaxAgents < 0 {
			return fmt.Errorf("pool %q: max_agents must be >= 0", p.Name)
		}
	}
	for _, l := range cfg.WIPLimits {
		if l.ProjectID == "" || l.Column == "" {
			return fmt.Errorf("wip limit needs project_id and column")
		}
		if l.Limit <= 0 {
			return fmt.Errorf("wip limit for %s/%s: limit must be > 0", l.ProjectID, l.Column)
		}
		if l.Type != "hard" && l.Type != "soft" {
			return fmt.Errorf("wip limit for %s/%s: type must be hard or soft, got %q", l.ProjectID, l.Column, l.Type)
		}
	}
	if cfg.Notifications.Telegram.Enabled && cfg.Notifications.Telegram.Token == "" {
		return fmt.Errorf("telegram notifications enabled but no token configured")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CREWPLANE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CREWPLANE_WORKSPACE_ROOT"); raw != "" {
		cfg.Workspace.Root = raw
	}
	if raw := os.Getenv("CREWPLANE_JANITOR_CRON"); raw != "" {
		cfg.Janitor.CronExpr = raw
	}
	if raw := os.Getenv("CREWPLANE_SCRATCH_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Scratch.Enabled = v
		}
	}
	if raw := os.Getenv("CREWPLANE_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("CREWPLANE_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notifications.Telegram.Token = raw
	}
}

// Fingerprint returns a stable hash of the routing-relevant config, logged
// at startup so operators can tell which config a process is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|root=%s|cron=%s|pools=%d|limits=%d",
		c.LogLevel, c.Workspace.Root, c.Janitor.CronExpr, len(c.Pools), len(c.WIPLimits))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
