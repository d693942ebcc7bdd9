// Package workspace provisions an isolated git worktree per story, with an
// optional scratch database container riding along. Worktree creation is
// idempotent per story: the path and branch are derived deterministically
// from the story ID, so repeated provisioning converges on the same
// workspace.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/crewplane/internal/shared"
)

// ErrMergeConflict is returned when merging a story branch back into the
// main branch fails with conflicts. The worktree is kept for manual
// resolution.
var ErrMergeConflict = errors.New("merge conflict")

const defaultGitTimeout = 60 * time.Second

// Provisioner supplies the optional per-workspace scratch database. A nil
// Provisioner disables scratch databases entirely. Provision failures are
// soft: the workspace is still usable, just degraded.
type Provisioner interface {
	Provision(ctx context.Context, name, mountPath string) (containerID string, err error)
	Teardown(ctx context.Context, containerID string) error
}

// IndexHook is invoked after a workspace is created so a code index can
// warm up. Failures are soft.
type IndexHook func(ctx context.Context, ws *Workspace) error

// Workspace is a provisioned story worktree.
type Workspace struct {
	StoryID            string `json:"story_id"`
	ProjectID          string `json:"project_id"`
	Path               string `json:"path"`
	Branch             string `json:"branch"`
	Degraded           bool   `json:"degraded"`
	ScratchContainerID string `json:"scratch_container_id,omitempty"`
	CreatedAt          time.Time
}

// Manager creates and retires story workspaces under root. Each project's
// main checkout acts as the worktree parent repository.
type Manager struct {
	root        string
	provisioner Provisioner
	indexHook   IndexHook
	gitTimeout  time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]*Workspace // story ID -> workspace
}

// Option configures a Manager.
type Option func(*Manager)

// WithProvisioner attaches a scratch database provisioner.
func WithProvisioner(p Provisioner) Option {
	return func(m *Manager) { m.provisioner = p }
}

// WithIndexHook attaches a post-create indexing hook.
func WithIndexHook(h IndexHook) Option {
	return func(m *Manager) { m.indexHook = h }
}

// WithGitTimeout bounds each git invocation.
func WithGitTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.gitTimeout = d
		}
	}
}

func NewManager(root string, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		root:       root,
		gitTimeout: defaultGitTimeout,
		logger:     logger.With("component", "workspace_manager"),
		active:     make(map[string]*Workspace),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// PathFor returns the deterministic worktree path for a story.
func (m *Manager) PathFor(projectID, storyID string) string {
	return filepath.Join(m.root, fmt.Sprintf("%s-ws-%s", projectID, shared.ShortID(storyID)))
}

// BranchFor returns the deterministic branch name for a story.
func (m *Manager) BranchFor(storyID string) string {
	return "story/" + shared.ShortID(storyID)
}

// GetOrCreate returns the story's workspace, provisioning it on first use.
// mainRepo is the project's primary checkout; the worktree and its branch
// hang off it. Provisioning is idempotent: an existing worktree directory
// is adopted, not recreated. Scratch database and index failures mark the
// workspace degraded but do not fail the call.
func (m *Manager) GetOrCreate(ctx context.Context, projectID, storyID, mainRepo string) (*Workspace, error) {
	if storyID == "" {
		return nil, fmt.Errorf("story id must be non-empty")
	}
	if mainRepo == "" {
		return nil, fmt.Errorf("main repo path must be non-empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ws, ok := m.active[storyID]; ok {
		return ws, nil
	}

	ws := &Workspace{
		StoryID:   storyID,
		ProjectID: projectID,
		Path:      m.PathFor(projectID, storyID),
		Branch:    m.BranchFor(storyID),
		CreatedAt: time.Now().UTC(),
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	if _, err := os.Stat(ws.Path); err == nil {
		// Directory survives restarts; adopt it.
		m.logger.Info("adopting existing workspace", "story_id", storyID, "path", ws.Path)
	} else {
		if _, err := m.git(ctx, mainRepo, "worktree", "add", "-b", ws.Branch, ws.Path); err != nil {
			// The branch may survive a previously removed worktree.
			if _, retryErr := m.git(ctx, mainRepo, "worktree", "add", ws.Path, ws.Branch); retryErr != nil {
				return nil, fmt.Errorf("create worktree for story %s: %w", storyID, err)
			}
		}
		m.logger.Info("workspace created",
			"story_id", storyID, "project_id", projectID, "path", ws.Path, "branch", ws.Branch)
	}

	if m.provisioner != nil {
		name := fmt.Sprintf("crewplane-scratch-%s", shared.ShortID(storyID))
		containerID, err := m.provisioner.Provision(ctx, name, ws.Path)
		if err != nil {
			ws.Degraded = true
			m.logger.Warn("scratch database unavailable, continuing degraded",
				"story_id", storyID, "error", err)
		} else {
			ws.ScratchContainerID = containerID
		}
	}

	if m.indexHook != nil {
		if err := m.indexHook(ctx, ws); err != nil {
			ws.Degraded = true
			m.logger.Warn("index hook failed, continuing degraded",
				"story_id", storyID, "error", err)
		}
	}

	m.active[storyID] = ws
	return ws, nil
}

// Get returns the tracked workspace for a story, or nil.
func (m *Manager) Get(storyID string) *Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[storyID]
}

// Active returns a snapshot of all tracked workspaces.
func (m *Manager) Active() []*Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Workspace, 0, len(m.active))
	for _, ws := range m.active {
		out = append(out, ws)
	}
	return out
}

// MergeAndCleanup merges the story branch into the main branch of mainRepo
// and retires the workspace. On conflict the merge is aborted, the
// worktree is left in place for manual resolution, and ErrMergeConflict is
// returned; the workspace stays tracked.
func (m *Manager) MergeAndCleanup(ctx context.Context, storyID, mainRepo string) error {
	m.mu.Lock()
	ws, ok := m.active[storyID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no workspace tracked for story %s", storyID)
	}

	if out, err := m.git(ctx, mainRepo, "merge", "--no-ff", ws.Branch); err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "conflict") {
			_, _ = m.git(ctx, mainRepo, "merge", "--abort")
			m.logger.Warn("merge conflict, workspace kept for manual resolution",
				"story_id", storyID, "branch", ws.Branch, "path", ws.Path)
			return fmt.Errorf("story %s branch %s: %w", storyID, ws.Branch, ErrMergeConflict)
		}
		return fmt.Errorf("merge story %s: %w", storyID, err)
	}

	return m.retire(ctx, ws, mainRepo, true)
}

// Discard retires a workspace without merging. Used for cancelled stories
// and janitor sweeps of stale worktrees.
func (m *Manager) Discard(ctx context.Context, storyID, mainRepo string) error {
	m.mu.Lock()
	ws, ok := m.active[storyID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.retire(ctx, ws, mainRepo, false)
}

func (m *Manager) retire(ctx context.Context, ws *Workspace, mainRepo string, merged bool) error {
	if ws.ScratchContainerID != "" && m.provisioner != nil {
		if err := m.provisioner.Teardown(ctx, ws.ScratchContainerID); err != nil {
			m.logger.Warn("scratch database teardown failed",
				"story_id", ws.StoryID, "container_id", ws.ScratchContainerID, "error", err)
		}
	}

	if _, err := m.git(ctx, mainRepo, "worktree", "remove", "--force", ws.Path); err != nil {
		// Fall back to removing the directory and pruning the registration.
		if rmErr := os.RemoveAll(ws.Path); rmErr != nil {
			return fmt.Errorf("remove worktree %s: %w", ws.Path, rmErr)
		}
		_, _ = m.git(ctx, mainRepo, "worktree", "prune")
	}
	if _, err := m.git(ctx, mainRepo, "branch", "-D", ws.Branch); err != nil {
		m.logger.Warn("branch delete failed", "branch", ws.Branch, "error", err)
	}

	m.mu.Lock()
	delete(m.active, ws.StoryID)
	m.mu.Unlock()

	m.logger.Info("workspace retired",
		"story_id", ws.StoryID, "path", ws.Path, "merged", merged)
	return nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
