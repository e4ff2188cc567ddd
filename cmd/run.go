package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/nextlevelbuilder/workfarm/internal/adversary"
	"github.com/nextlevelbuilder/workfarm/internal/agents"
	"github.com/nextlevelbuilder/workfarm/internal/bridge"
	"github.com/nextlevelbuilder/workfarm/internal/bus"
	"github.com/nextlevelbuilder/workfarm/internal/config"
	"github.com/nextlevelbuilder/workfarm/internal/goals"
	"github.com/nextlevelbuilder/workfarm/internal/oracle"
	"github.com/nextlevelbuilder/workfarm/internal/prefs"
	"github.com/nextlevelbuilder/workfarm/internal/repl"
	"github.com/nextlevelbuilder/workfarm/internal/runtime"
	"github.com/nextlevelbuilder/workfarm/internal/scheduler"
	"github.com/nextlevelbuilder/workfarm/internal/sessions"
	"github.com/nextlevelbuilder/workfarm/internal/store"
	"github.com/nextlevelbuilder/workfarm/internal/tasks"
)

// runWorkfarm wires the whole core together and hands control to the
// REPL. Logs go to stderr so they interleave cleanly with REPL output.
func runWorkfarm() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.HasRoots() {
		if err := promptFirstWorkspace(cfg, cfgPath); err != nil {
			return err
		}
	}

	st, err := store.New(resolveDataDir())
	if err != nil {
		return err
	}

	b := bus.New()
	am, err := agents.NewManager(st, b)
	if err != nil {
		return err
	}
	tm, err := tasks.NewManager(st, b)
	if err != nil {
		return err
	}
	gm, err := goals.NewManager(st, b)
	if err != nil {
		return err
	}
	pm := prefs.NewManager(st)

	workerRunner := runtime.NewCLIRunner(cfg.Worker.Bin)
	sm := sessions.NewManager(workerRunner, b)
	br := bridge.New(am, tm, sm, b)
	br.SweepStaleState()

	orc := oracle.NewCLI(oracle.Config{
		Runner:  runtime.NewCLIRunner(cfg.Oracle.Bin),
		WorkDir: st.Root(),
		Timeout: time.Duration(cfg.Oracle.TimeoutSec) * time.Second,
		RPM:     cfg.Oracle.RateLimitRPM,
	})

	adv := adversary.New(adversary.Config{
		Agents: am, Tasks: tm, Goals: gm, Prefs: pm,
		Bridge: br, Oracle: orc, Bus: b,
		Roots: cfg.Roots,
	})
	defer adv.Close()

	sched := scheduler.New(gm, adv, b)
	sched.Start()
	defer sched.Stop()

	defer repl.AttachLogSink(b, st)()

	stopWatch, err := config.Watch(cfgPath, func(fresh *config.Config) {
		cfg.SetRoots(fresh.WorkspaceRoots)
	})
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	r := repl.New(repl.Deps{
		Agents: am, Tasks: tm, Goals: gm, Prefs: pm,
		Sessions: sm, Bridge: br, Adversary: adv, Scheduler: sched,
		Store: st, Config: cfg, ConfigPath: cfgPath, Bus: b,
	}, os.Stdout)
	return r.Run(context.Background(), os.Stdin)
}

// promptFirstWorkspace asks for at least one workspace root on first run
// and persists it.
func promptFirstWorkspace(cfg *config.Config, cfgPath string) error {
	var root string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Where should your agents work?").
			Description("Path to a directory of projects (e.g. ~/code). More can be added later with: workspace add <path>").
			Value(&root).
			Validate(func(s string) error {
				expanded := config.ExpandHome(s)
				info, err := os.Stat(expanded)
				if err != nil {
					return fmt.Errorf("cannot access %s", expanded)
				}
				if !info.IsDir() {
					return errors.New("not a directory")
				}
				return nil
			}),
	))
	if err := form.Run(); err != nil {
		return fmt.Errorf("workspace setup: %w", err)
	}
	cfg.AddRoot(root)
	if err := cfg.Save(cfgPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	slog.Info("workspace configured", "root", root)
	return nil
}
