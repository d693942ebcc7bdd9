package workspace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// initRepo creates a git repo with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	runGit(t, dir, "checkout", "-q", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	return dir
}

func TestDeterministicNaming(t *testing.T) {
	m := NewManager("/srv/workspaces", testLogger())

	p1 := m.PathFor("proj-1", "story-42")
	p2 := m.PathFor("proj-1", "story-42")
	if p1 != p2 {
		t.Fatalf("path not deterministic: %s vs %s", p1, p2)
	}
	if m.BranchFor("story-42") != m.BranchFor("story-42") {
		t.Fatal("branch not deterministic")
	}
	if m.PathFor("proj-1", "story-42") == m.PathFor("proj-1", "story-43") {
		t.Fatal("distinct stories must map to distinct paths")
	}
	if !strings.HasPrefix(m.BranchFor("story-42"), "story/") {
		t.Fatalf("branch = %s, want story/ prefix", m.BranchFor("story-42"))
	}
}

func TestGetOrCreateValidation(t *testing.T) {
	m := NewManager(t.TempDir(), testLogger())
	ctx := context.Background()

	if _, err := m.GetOrCreate(ctx, "proj-1", "", "/repo"); err == nil {
		t.Fatal("empty story id must be rejected")
	}
	if _, err := m.GetOrCreate(ctx, "proj-1", "story-1", ""); err == nil {
		t.Fatal("empty main repo must be rejected")
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(t.TempDir(), testLogger())
	ctx := context.Background()

	ws1, err := m.GetOrCreate(ctx, "proj-1", "story-1", repo)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := os.Stat(ws1.Path); err != nil {
		t.Fatalf("worktree missing: %v", err)
	}

	ws2, err := m.GetOrCreate(ctx, "proj-1", "story-1", repo)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if ws1 != ws2 {
		t.Fatal("repeated provisioning must return the same workspace")
	}
	if len(m.Active()) != 1 {
		t.Fatalf("active workspaces = %d, want 1", len(m.Active()))
	}
}

func TestMergeAndCleanup(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(t.TempDir(), testLogger())
	ctx := context.Background()

	ws, err := m.GetOrCreate(ctx, "proj-1", "story-1", repo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Do some work on the story branch.
	if err := os.WriteFile(filepath.Join(ws.Path, "feature.txt"), []byte("done\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, ws.Path, "add", ".")
	runGit(t, ws.Path, "commit", "-q", "-m", "story work")

	if err := m.MergeAndCleanup(ctx, "story-1", repo); err != nil {
		t.Fatalf("merge: %v", err)
	}

	// Work landed on main, worktree gone, workspace untracked.
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Fatalf("merged file missing on main: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Fatal("worktree should be removed after merge")
	}
	if m.Get("story-1") != nil {
		t.Fatal("workspace should be untracked after cleanup")
	}
}

func TestMergeConflictKeepsWorktree(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(t.TempDir(), testLogger())
	ctx := context.Background()

	ws, err := m.GetOrCreate(ctx, "proj-1", "story-1", repo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Conflicting edits to the same file on both sides.
	if err := os.WriteFile(filepath.Join(ws.Path, "README.md"), []byte("branch version\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, ws.Path, "add", ".")
	runGit(t, ws.Path, "commit", "-q", "-m", "branch edit")

	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("main version\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-q", "-m", "main edit")

	err = m.MergeAndCleanup(ctx, "story-1", repo)
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("got %v, want ErrMergeConflict", err)
	}
	if _, statErr := os.Stat(ws.Path); statErr != nil {
		t.Fatal("worktree must survive a merge conflict")
	}
	if m.Get("story-1") == nil {
		t.Fatal("conflicted workspace must stay tracked")
	}

	// Main repo must be back on a clean state after the aborted merge.
	status := runGit(t, repo, "status", "--porcelain")
	if strings.TrimSpace(status) != "" {
		t.Fatalf("main repo dirty after aborted merge:\n%s", status)
	}
}

func TestDiscardWithoutMerge(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(t.TempDir(), testLogger())
	ctx := context.Background()

	ws, err := m.GetOrCreate(ctx, "proj-1", "story-1", repo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Discard(ctx, "story-1", repo); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Fatal("worktree should be removed on discard")
	}

	// Discarding an untracked story is a no-op.
	if err := m.Discard(ctx, "story-unknown", repo); err != nil {
		t.Fatalf("discard unknown: %v", err)
	}
}

type fakeProvisioner struct {
	provisionErr error
	provisioned  []string
	torn         []string
}

func (f *fakeProvisioner) Provision(_ context.Context, name, _ string) (string, error) {
	if f.provisionErr != nil {
		return "", f.provisionErr
	}
	f.provisioned = append(f.provisioned, name)
	return "container-" + name, nil
}

func (f *fakeProvisioner) Teardown(_ context.Context, id string) error {
	f.torn = append(f.torn, id)
	return nil
}

func TestScratchFailureIsDegradedNotFatal(t *testing.T) {
	repo := initRepo(t)
	fp := &fakeProvisioner{provisionErr: errors.New("docker daemon unreachable")}
	m := NewManager(t.TempDir(), testLogger(), WithProvisioner(fp))
	ctx := context.Background()

	ws, err := m.GetOrCreate(ctx, "proj-1", "story-1", repo)
	if err != nil {
		t.Fatalf("create must not fail on scratch provisioning: %v", err)
	}
	if !ws.Degraded {
		t.Fatal("workspace should be marked degraded")
	}
	if ws.ScratchContainerID != "" {
		t.Fatalf("container id = %q, want empty", ws.ScratchContainerID)
	}
}

func TestScratchTeardownOnCleanup(t *testing.T) {
	repo := initRepo(t)
	fp := &fakeProvisioner{}
	m := NewManager(t.TempDir(), testLogger(), WithProvisioner(fp))
	ctx := context.Background()

	ws, err := m.GetOrCreate(ctx, "proj-1", "story-1", repo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ws.ScratchContainerID == "" {
		t.Fatal("expected a scratch container")
	}
	if err := m.Discard(ctx, "story-1", repo); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if len(fp.torn) != 1 || fp.torn[0] != ws.ScratchContainerID {
		t.Fatalf("teardown calls = %v, want [%s]", fp.torn, ws.ScratchContainerID)
	}
}

func TestIndexHookFailureIsDegraded(t *testing.T) {
	repo := initRepo(t)
	hook := func(context.Context, *Workspace) error { return errors.New("indexer offline") }
	m := NewManager(t.TempDir(), testLogger(), WithIndexHook(hook))

	ws, err := m.GetOrCreate(context.Background(), "proj-1", "story-1", repo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !ws.Degraded {
		t.Fatal("workspace should be marked degraded after index hook failure")
	}
}
