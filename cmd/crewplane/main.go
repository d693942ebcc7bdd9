package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/crewplane/internal/audit"
	"github.com/basket/crewplane/internal/bus"
	"github.com/basket/crewplane/internal/config"
	"github.com/basket/crewplane/internal/events"
	"github.com/basket/crewplane/internal/janitor"
	"github.com/basket/crewplane/internal/notify"
	otelPkg "github.com/basket/crewplane/internal/otel"
	"github.com/basket/crewplane/internal/persistence"
	"github.com/basket/crewplane/internal/pool"
	"github.com/basket/crewplane/internal/router"
	sigstore "github.com/basket/crewplane/internal/signal"
	"github.com/basket/crewplane/internal/telemetry"
	"github.com/basket/crewplane/internal/tui"
	"github.com/basket/crewplane/internal/wip"
	"github.com/basket/crewplane/internal/workspace"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Run the routing plane
  %s -board          Run with the live board TUI attached
  %s doctor [-json]  Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CREWPLANE_HOME            Data directory (default: ~/.crewplane)
  CREWPLANE_LOG_LEVEL       Override log level
  CREWPLANE_WORKSPACE_ROOT  Override workspace root
  TELEGRAM_TOKEN            Telegram bot token for operator notifications
`)
}

func main() {
	board := flag.Bool("board", false, "attach the live board TUI")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			printUsage()
			return
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := run(ctx, *board); err != nil {
		fmt.Fprintln(os.Stderr, "crewplane:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, board bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Quiet logs (file-only) when the board owns the terminal.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, board)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("starting", "version", Version, "home", cfg.HomeDir, "config", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "crewplane.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := bootstrap(ctx, store, cfg); err != nil {
		return err
	}

	eventBus := bus.New()
	signals := sigstore.NewStore()
	selector := pool.NewSelector(store, logger)
	limiter := wip.NewLimiter(store, eventBus, logger)

	wsOpts := []workspace.Option{}
	if cfg.Workspace.GitTimeoutSeconds > 0 {
		wsOpts = append(wsOpts, workspace.WithGitTimeout(time.Duration(cfg.Workspace.GitTimeoutSeconds)*time.Second))
	}
	if cfg.Scratch.Enabled {
		provisioner, err := workspace.NewDockerProvisioner(cfg.Scratch.Image, cfg.Scratch.MemoryMB, cfg.Scratch.Network)
		if err != nil {
			// Scratch databases are a convenience; the plane routes without them.
			logger.Warn("docker unavailable, scratch databases disabled", "error", err)
		} else {
			defer provisioner.Close()
			wsOpts = append(wsOpts, workspace.WithProvisioner(provisioner))
		}
	}
	workspaces := workspace.NewManager(cfg.Workspace.Root, logger, wsOpts...)

	var notifier notify.Notifier = notify.Nop{}
	if tg := cfg.Notifications.Telegram; tg.Enabled {
		t, err := notify.NewTelegram(tg.Token, tg.ChatIDs, logger)
		if err != nil {
			logger.Warn("telegram unavailable, notifications disabled", "error", err)
		} else {
			notifier = t
		}
	}
	relay := notify.NewRelay(eventBus, notifier, logger)
	relay.Start(ctx)
	defer relay.Stop()

	recorder, err := audit.NewRecorder(cfg.HomeDir, store.DB(), eventBus, logger)
	if err != nil {
		return fmt.Errorf("init audit: %w", err)
	}
	recorder.Start(ctx)
	defer recorder.Stop()

	validator, err := events.NewValidator()
	if err != nil {
		return fmt.Errorf("init event validator: %w", err)
	}

	dispatcher := router.NewDispatcher(eventBus, validator, logger,
		router.NewStoryRouter(store, selector, limiter, workspaces, eventBus, notifier, metrics, logger),
		router.NewMessageRouter(store, selector, eventBus, notifier, metrics, logger),
		router.NewCompletionRouter(store, selector, eventBus, notifier, logger),
		router.NewStatusRouter(store, selector, logger),
	)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	jan, err := janitor.New(janitor.Config{
		Store:      store,
		Workspaces: workspaces,
		Signals:    signals,
		Limiter:    limiter,
		Logger:     logger,
		CronExpr:   cfg.Janitor.CronExpr,
		StaleAfter: time.Duration(cfg.Janitor.StaleAfterMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("init janitor: %w", err)
	}
	jan.Start(ctx)
	defer jan.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				// Pools and limits are re-seedable without a restart; the
				// rest of the config needs one.
				fresh, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				if err := bootstrap(ctx, store, fresh); err != nil {
					logger.Error("config re-seed failed", "error", err)
					continue
				}
				logger.Info("pools and limits re-seeded", "config", fresh.Fingerprint())
			}
		}()
	}

	logger.Info("routing plane up")

	if board {
		feed := tui.NewFeed(eventBus)
		feed.Start(ctx)
		defer feed.Stop()
		started := time.Now()
		return tui.Run(ctx, func() tui.Snapshot { return snapshot(ctx, store, started) }, feed)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// bootstrap seeds pools and WIP limits from config. Occupancy on existing
// pools is preserved.
func bootstrap(ctx context.Context, store *persistence.Store, cfg config.Config) error {
	for _, p := range cfg.Pools {
		err := store.UpsertPool(ctx, persistence.Pool{
			Name:      p.Name,
			RoleType:  p.RoleType,
			Priority:  p.Priority,
			MaxAgents: p.MaxAgents,
			IsActive:  p.IsActive(),
		})
		if err != nil {
			return fmt.Errorf("seed pool %s: %w", p.Name, err)
		}
	}
	for _, l := range cfg.WIPLimits {
		err := store.UpsertWIPLimit(ctx, persistence.WIPLimit{
			ProjectID: l.ProjectID,
			Column:    l.Column,
			Limit:     l.Limit,
			Type:      persistence.LimitType(l.Type),
		})
		if err != nil {
			return fmt.Errorf("seed wip limit %s/%s: %w", l.ProjectID, l.Column, err)
		}
	}
	return nil
}

func snapshot(ctx context.Context, store *persistence.Store, started time.Time) tui.Snapshot {
	snap := tui.Snapshot{Uptime: time.Since(started)}
	pools, err := store.ListPools(ctx)
	if err == nil {
		snap.DBOK = true
		snap.Pools = pools
	}
	if recent, err := store.ListRecentTasks(ctx, 8); err == nil {
		snap.Recent = recent
	}
	return snap
}
