// Package janitor runs the periodic housekeeping sweeps of the routing
// plane: retiring workspaces whose stories finished long ago, clearing
// signals addressed to dead work, and logging a WIP usage snapshot.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/crewplane/internal/persistence"
	"github.com/basket/crewplane/internal/wip"
	"github.com/basket/crewplane/internal/workspace"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Workspaces is the slice of the workspace manager the janitor needs.
type Workspaces interface {
	Active() []*workspace.Workspace
	Discard(ctx context.Context, storyID, mainRepo string) error
}

// Signals is the slice of the signal store the janitor needs.
type Signals interface {
	Pending() []string
	Clear(taskID string)
}

// Config holds the dependencies for the janitor.
type Config struct {
	Store      *persistence.Store
	Workspaces Workspaces
	Signals    Signals
	Limiter    *wip.Limiter
	Logger     *slog.Logger
	CronExpr   string        // when sweeps run; defaults to every 15 minutes
	Interval   time.Duration // dueness-check tick; defaults to 1 minute
	StaleAfter time.Duration // workspace age before a finished story is swept; defaults to 1 hour
}

// Janitor periodically runs the sweeps on a cron schedule.
type Janitor struct {
	store      *persistence.Store
	workspaces Workspaces
	signals    Signals
	limiter    *wip.Limiter
	logger     *slog.Logger
	schedule   cronlib.Schedule
	interval   time.Duration
	staleAfter time.Duration

	nextRun time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Janitor. The cron expression is validated here so a config
// typo fails at startup, not at 3am.
func New(cfg Config) (*Janitor, error) {
	expr := cfg.CronExpr
	if expr == "" {
		expr = "*/15 * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", expr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:      cfg.Store,
		workspaces: cfg.Workspaces,
		signals:    cfg.Signals,
		limiter:    cfg.Limiter,
		logger:     logger.With("component", "janitor"),
		schedule:   schedule,
		interval:   interval,
		staleAfter: staleAfter,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.nextRun = j.schedule.Next(time.Now())
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("janitor started", "next_run", j.nextRun)
}

// Stop cancels the loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(j.nextRun) {
				continue
			}
			j.Sweep(ctx)
			j.nextRun = j.schedule.Next(now)
		}
	}
}

// Sweep runs all sweeps once. Exported so operators can trigger it on
// demand.
func (j *Janitor) Sweep(ctx context.Context) {
	j.sweepWorkspaces(ctx)
	j.sweepSignals(ctx)
	j.snapshotWIP(ctx)
}

// sweepWorkspaces discards worktrees whose stories no longer have live
// tasks and have been around longer than the stale threshold. Workspaces
// of cancelled work inside the threshold are kept for inspection.
func (j *Janitor) sweepWorkspaces(ctx context.Context) {
	cutoff := time.Now().Add(-j.staleAfter)
	for _, ws := range j.workspaces.Active() {
		if ws.CreatedAt.After(cutoff) {
			continue
		}
		live, err := j.store.StoryHasLiveTasks(ctx, ws.StoryID)
		if err != nil {
			j.logger.Error("sweep: live-task check failed", "story_id", ws.StoryID, "error", err)
			continue
		}
		if live {
			continue
		}
		project, err := j.store.GetProject(ctx, ws.ProjectID)
		if err != nil || project == nil {
			j.logger.Error("sweep: project lookup failed", "project_id", ws.ProjectID, "error", err)
			continue
		}
		if err := j.workspaces.Discard(ctx, ws.StoryID, project.MainWorkspace); err != nil {
			j.logger.Error("sweep: workspace discard failed", "story_id", ws.StoryID, "error", err)
			continue
		}
		j.logger.Info("sweep: stale workspace discarded", "story_id", ws.StoryID, "path", ws.Path)
	}
}

// sweepSignals clears signals addressed to stories with no live tasks.
func (j *Janitor) sweepSignals(ctx context.Context) {
	for _, id := range j.signals.Pending() {
		live, err := j.store.StoryHasLiveTasks(ctx, id)
		if err != nil {
			j.logger.Error("sweep: live-task check failed", "task_id", id, "error", err)
			continue
		}
		if live {
			continue
		}
		j.signals.Clear(id)
		j.logger.Info("sweep: orphaned signal cleared", "task_id", id)
	}
}

// snapshotWIP logs live occupancy against every configured limit.
func (j *Janitor) snapshotWIP(ctx context.Context) {
	if j.limiter == nil {
		return
	}
	projects, err := j.store.ListProjects(ctx)
	if err != nil {
		j.logger.Error("sweep: project list failed", "error", err)
		return
	}
	for _, p := range projects {
		usage, err := j.limiter.UsageSnapshot(ctx, p.ID)
		if err != nil {
			j.logger.Error("sweep: wip snapshot failed", "project_id", p.ID, "error", err)
			continue
		}
		for _, u := range usage {
			j.logger.Info("wip usage",
				"project_id", p.ID,
				"column", u.Column,
				"occupancy", u.Occupancy,
				"limit", u.Limit,
				"limit_type", u.Type,
				"breached", u.Breached)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
