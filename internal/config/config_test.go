package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/crewplane/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromCrewplaneHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "cphome")
	writeConfig(t, home, `
log_level: debug
workspace:
  root: /srv/workspaces
pools:
  - name: overflow
    role_type: developer
    priority: 9
    max_agents: 8
`)
	t.Setenv("CREWPLANE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q, want debug", cfg.LogLevel)
	}
	if cfg.Workspace.Root != "/srv/workspaces" {
		t.Fatalf("workspace root = %q", cfg.Workspace.Root)
	}
	if len(cfg.Pools) != 1 || cfg.Pools[0].Name != "overflow" {
		t.Fatalf("pools = %+v", cfg.Pools)
	}
	if !cfg.Pools[0].IsActive() {
		t.Fatal("unset active flag must mean active")
	}
}

func TestLoad_MissingConfigUsesDefaults(t *testing.T) {
	home := filepath.Join(t.TempDir(), "cphome")
	t.Setenv("CREWPLANE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("default log_level = %q", cfg.LogLevel)
	}
	if cfg.Workspace.Root != filepath.Join(home, "workspaces") {
		t.Fatalf("default workspace root = %q", cfg.Workspace.Root)
	}
	if cfg.Janitor.CronExpr != "*/15 * * * *" {
		t.Fatalf("default janitor cron = %q", cfg.Janitor.CronExpr)
	}
	if len(cfg.Pools) != 4 {
		t.Fatalf("default pools = %d, want one per role", len(cfg.Pools))
	}
	roles := map[string]bool{}
	for _, p := range cfg.Pools {
		roles[p.RoleType] = true
	}
	for _, role := range []string{"business_analyst", "developer", "tester", "team_leader"} {
		if !roles[role] {
			t.Fatalf("default pools missing role %s", role)
		}
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "cphome")
	writeConfig(t, home, "log_level: info\n")
	t.Setenv("CREWPLANE_HOME", home)
	t.Setenv("CREWPLANE_LOG_LEVEL", "error")
	t.Setenv("CREWPLANE_WORKSPACE_ROOT", "/tmp/ws-override")
	t.Setenv("TELEGRAM_TOKEN", "tok-from-env")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("env override lost: log_level = %q", cfg.LogLevel)
	}
	if cfg.Workspace.Root != "/tmp/ws-override" {
		t.Fatalf("env override lost: workspace root = %q", cfg.Workspace.Root)
	}
	if cfg.Notifications.Telegram.Token != "tok-from-env" {
		t.Fatalf("env override lost: telegram token = %q", cfg.Notifications.Telegram.Token)
	}
}

func TestLoad_RejectsBadWIPLimit(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "zero limit",
			body: "wip_limits:\n  - project_id: p1\n    column: review\n    limit: 0\n    type: hard\n",
			want: "limit must be > 0",
		},
		{
			name: "bad type",
			body: "wip_limits:\n  - project_id: p1\n    column: review\n    limit: 2\n    type: squishy\n",
			want: "type must be hard or soft",
		},
		{
			name: "missing column",
			body: "wip_limits:\n  - project_id: p1\n    limit: 2\n    type: soft\n",
			want: "project_id and column",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home := filepath.Join(t.TempDir(), "cphome")
			writeConfig(t, home, tc.body)
			t.Setenv("CREWPLANE_HOME", home)

			_, err := config.Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestLoad_RejectsDuplicatePool(t *testing.T) {
	home := filepath.Join(t.TempDir(), "cphome")
	writeConfig(t, home, `
pools:
  - name: dev-pool
    role_type: developer
    max_agents: 2
  - name: dev-pool
    role_type: developer
    max_agents: 4
`)
	t.Setenv("CREWPLANE_HOME", home)

	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "duplicate pool") {
		t.Fatalf("expected duplicate pool error, got %v", err)
	}
}

func TestLoad_TelegramEnabledNeedsToken(t *testing.T) {
	home := filepath.Join(t.TempDir(), "cphome")
	writeConfig(t, home, "notifications:\n  telegram:\n    enabled: true\n")
	t.Setenv("CREWPLANE_HOME", home)
	t.Setenv("TELEGRAM_TOKEN", "")

	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "no token") {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	home := filepath.Join(t.TempDir(), "cphome")
	t.Setenv("CREWPLANE_HOME", home)

	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprints differ: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("fingerprint = %q", a.Fingerprint())
	}
}
