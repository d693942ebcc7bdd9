package doctor

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/crewplane/internal/config"
)

func TestCheckPools_AllRolesCovered(t *testing.T) {
	cfg := &config.Config{
		Pools: []config.PoolConfig{
			{Name: "analysis-pool", RoleType: "business_analyst", MaxAgents: 1},
			{Name: "dev-pool", RoleType: "developer", MaxAgents: 2},
			{Name: "test-pool", RoleType: "tester", MaxAgents: 1},
			{Name: "lead-pool", RoleType: "team_leader", MaxAgents: 1},
		},
	}

	result := checkPools(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("result = %+v", result)
	}
}

func TestCheckPools_MissingRoleWarns(t *testing.T) {
	cfg := &config.Config{
		Pools: []config.PoolConfig{
			{Name: "dev-pool", RoleType: "developer", MaxAgents: 2},
		},
	}

	result := checkPools(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN, got %+v", result)
	}
	if !strings.Contains(result.Message, "tester") {
		t.Fatalf("missing role not named: %q", result.Message)
	}
}

func TestCheckPools_ZeroCapacityDoesNotCount(t *testing.T) {
	inactive := false
	cfg := &config.Config{
		Pools: []config.PoolConfig{
			{Name: "dev-pool", RoleType: "developer", MaxAgents: 0},
			{Name: "test-pool", RoleType: "tester", MaxAgents: 2, Active: &inactive},
		},
	}

	result := checkPools(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN, got %+v", result)
	}
	for _, role := range []string{"developer", "tester"} {
		if !strings.Contains(result.Message, role) {
			t.Fatalf("role %s should be reported missing: %q", role, result.Message)
		}
	}
}

func TestCheckPools_NilConfig(t *testing.T) {
	result := checkPools(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckPermissions(t *testing.T) {
	home := t.TempDir()
	cfg := &config.Config{HomeDir: home}
	cfg.Workspace.Root = home + "/workspaces"

	result := checkPermissions(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("result = %+v", result)
	}
}

func TestRun_CollectsAllChecks(t *testing.T) {
	home := t.TempDir()
	cfg := &config.Config{HomeDir: home}
	cfg.Workspace.Root = home + "/workspaces"
	cfg.Pools = []config.PoolConfig{
		{Name: "dev-pool", RoleType: "developer", MaxAgents: 2},
	}

	d := Run(context.Background(), cfg, "test")
	if len(d.Results) != 5 {
		t.Fatalf("results = %d, want 5", len(d.Results))
	}
	if d.System.Version != "test" {
		t.Fatalf("system = %+v", d.System)
	}
}

func TestDiagnosis_Healthy(t *testing.T) {
	d := Diagnosis{Results: []CheckResult{{Status: "PASS"}, {Status: "WARN"}}}
	if !d.Healthy() {
		t.Fatal("WARN must not make a diagnosis unhealthy")
	}
	d.Results = append(d.Results, CheckResult{Status: "FAIL"})
	if d.Healthy() {
		t.Fatal("FAIL must make a diagnosis unhealthy")
	}
}
