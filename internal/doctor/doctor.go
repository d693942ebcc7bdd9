// Package doctor runs startup diagnostics: configuration, store, home
// permissions, and the external tools the routing plane shells out to.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/crewplane/internal/config"
	"github.com/basket/crewplane/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkPools,
		checkExternalTools,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "crewplane.db"))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListPools(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Workspace root unusable: %v", err)}
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home and workspace root writable"}
}

// checkPools verifies every board role has at least one configured pool.
// A role with no pool means every move into its column quietly parks.
func checkPools(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Pools", Status: "SKIP", Message: "Config missing"}
	}

	covered := map[string]bool{}
	for _, p := range cfg.Pools {
		if p.IsActive() && p.MaxAgents > 0 {
			covered[p.RoleType] = true
		}
	}

	var missing []string
	for _, role := range []string{"business_analyst", "developer", "tester", "team_leader"} {
		if !covered[role] {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Pools",
			Status:  "WARN",
			Message: fmt.Sprintf("No usable pool for: %s", strings.Join(missing, ", ")),
			Detail:  "Stories moved into these roles' columns will wait until capacity exists",
		}
	}
	return CheckResult{Name: "Pools", Status: "PASS", Message: fmt.Sprintf("%d pools cover all roles", len(cfg.Pools))}
}

func checkExternalTools(ctx context.Context, cfg *config.Config) CheckResult {
	var details []string
	status := "PASS"

	if _, err := exec.LookPath("git"); err != nil {
		details = append(details, "git: missing (required for workspace provisioning)")
		status = "FAIL"
	} else {
		details = append(details, "git: ok")
	}

	if cfg != nil && cfg.Scratch.Enabled {
		if _, err := exec.LookPath("docker"); err != nil {
			details = append(details, "docker: missing (required for scratch databases)")
			status = "WARN"
		} else {
			cmd := exec.CommandContext(ctx, "docker", "info")
			if err := cmd.Run(); err != nil {
				details = append(details, fmt.Sprintf("docker: daemon unreachable (%v)", err))
				status = "WARN"
			} else {
				details = append(details, "docker: ok")
			}
		}
	} else {
		details = append(details, "docker: skipped (scratch disabled)")
	}

	return CheckResult{
		Name:    "External Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", len(details)),
		Detail:  strings.Join(details, "; "),
	}
}
