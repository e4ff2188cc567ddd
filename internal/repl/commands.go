package repl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/workfarm/internal/agents"
	"github.com/nextlevelbuilder/workfarm/internal/bridge"
	"github.com/nextlevelbuilder/workfarm/internal/goals"
	"github.com/nextlevelbuilder/workfarm/internal/store"
)

func (r *REPL) resolveAgent(name string) (*agents.Agent, error) {
	a, err := r.Agents.GetByName(name)
	if err != nil {
		return nil, fmt.Errorf("no agent named %q", name)
	}
	return a, nil
}

func (r *REPL) activeGoal(agentID string) (*goals.Goal, error) {
	g := r.Goals.ActiveGoalForAgent(agentID)
	if g == nil {
		return nil, errors.New("agent has no active goal")
	}
	return g, nil
}

// defaultDir picks a working directory for dispatches that have no goal:
// the first workspace root, else the process working directory.
func (r *REPL) defaultDir() string {
	if roots := r.Config.Roots(); len(roots) > 0 {
		return roots[0]
	}
	return "."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ── lifecycle ──

func (r *REPL) cmdHire(args []string) error {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	a, err := r.Agents.Hire(name)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "hired %s (%s)\n", a.Name, shortID(a.ID))
	return nil
}

func (r *REPL) cmdFire(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: fire <agent>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}

	// Everything the agent owns goes with it.
	if err := r.Bridge.CancelExecution(a.ID); err != nil && !errors.Is(err, bridge.ErrNoActiveSession) {
		fmt.Fprintf(r.out, "warning: cancel session: %v\n", err)
	}
	for _, g := range r.Goals.ListGoals(a.ID) {
		r.Scheduler.RemoveForGoal(g.ID)
	}
	r.Goals.DeleteGoalsForAgent(a.ID)
	r.Tasks.DeleteForAgent(a.ID)
	r.Prefs.DeleteForAgent(a.ID)
	if r.Store != nil {
		if err := r.Store.DeleteLogs(a.ID); err != nil {
			fmt.Fprintf(r.out, "warning: delete logs: %v\n", err)
		}
	}
	if err := r.Agents.Fire(a.ID); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "fired %s\n", a.Name)
	return nil
}

// ── listings ──

func (r *REPL) cmdAgents() {
	list := r.Agents.List()
	if len(list) == 0 {
		fmt.Fprintln(r.out, "no agents. hire one with: hire [name]")
		return
	}
	t := newTable("NAME", "STATE", "DONE", "TOOLS")
	for _, a := range list {
		t.row(a.Name, string(a.State), strconv.Itoa(a.TasksCompleted), strings.Join(a.ApprovedTools, ","))
	}
	t.render(r.out)
}

func (r *REPL) cmdTasks() {
	list := r.Tasks.List()
	if len(list) == 0 {
		fmt.Fprintln(r.out, "no tasks yet")
		return
	}
	t := newTable("ID", "AGENT", "STATUS", "DESCRIPTION")
	for _, task := range list {
		agentName := ""
		if a, err := r.Agents.Get(task.AssignedAgentID); err == nil {
			agentName = a.Name
		}
		t.row(shortID(task.ID), agentName, string(task.Status), truncate(task.Description, 60))
	}
	t.render(r.out)
}

func (r *REPL) cmdGoals(args []string) error {
	agentID := ""
	if len(args) > 0 {
		a, err := r.resolveAgent(args[0])
		if err != nil {
			return err
		}
		agentID = a.ID
	}
	list := r.Goals.ListGoals(agentID)
	if len(list) == 0 {
		fmt.Fprintln(r.out, "no goals")
		return nil
	}
	t := newTable("ID", "AGENT", "STATUS", "DIR", "DESCRIPTION")
	for _, g := range list {
		agentName := g.AgentID
		if a, err := r.Agents.Get(g.AgentID); err == nil {
			agentName = a.Name
		}
		t.row(shortID(g.ID), agentName, string(g.Status), g.WorkingDirectory, truncate(g.Description, 50))
	}
	t.render(r.out)
	return nil
}

func (r *REPL) cmdPlan(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: plan <agent>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	plan, err := r.Goals.GetCurrentPlan(g.ID)
	if err != nil {
		return fmt.Errorf("goal %s has no plan yet (wake %s to start)", shortID(g.ID), a.Name)
	}
	fmt.Fprintf(r.out, "plan v%d for %q\n", plan.Version, truncate(g.Description, 60))
	if plan.Reasoning != "" {
		fmt.Fprintf(r.out, "reasoning: %s\n", truncate(plan.Reasoning, 120))
	}
	t := newTable("#", "STATUS", "DESCRIPTION", "NOTE")
	for _, s := range plan.Steps {
		note := s.Result
		if s.Status == goals.StepBlocked {
			note = "? " + s.Question
		}
		t.row(strconv.Itoa(s.Order), string(s.Status), truncate(s.Description, 50), truncate(note, 40))
	}
	t.render(r.out)
	return nil
}

func (r *REPL) cmdPrefs(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: prefs <agent>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	list := r.Prefs.List(a.ID)
	if len(list) == 0 {
		fmt.Fprintf(r.out, "%s has no learned preferences\n", a.Name)
		return nil
	}
	t := newTable("KEY", "VALUE", "CATEGORY", "CONFIDENCE", "USED")
	for _, p := range list {
		t.row(p.Key, truncate(p.Value, 40), p.Category, string(p.Confidence), strconv.Itoa(p.UsedCount))
	}
	t.render(r.out)
	return nil
}

// ── dispatch ──

func (r *REPL) cmdAssign(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: assign <agent> <task description>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	desc := strings.Join(args[1:], " ")
	dir := r.defaultDir()
	if g := r.Goals.ActiveGoalForAgent(a.ID); g != nil {
		dir = g.WorkingDirectory
	}
	task := r.Tasks.Create(desc, a.ID)
	err = r.Bridge.DispatchWorker(ctx, a.ID, task.ID, bridge.DispatchOptions{
		Prompt:         desc,
		WorkingDir:     dir,
		MaxTurns:       r.Config.Worker.MaxTurns,
		AdditionalDirs: r.Config.Roots(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s is on it (task %s)\n", a.Name, shortID(task.ID))
	return nil
}

// ── goals ──

func (r *REPL) cmdGoal(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: goal <agent> [--dir <path>] <description>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	rest := args[1:]
	dir := r.defaultDir()
	if rest[0] == "--dir" {
		if len(rest) < 3 {
			return errors.New("usage: goal <agent> [--dir <path>] <description>")
		}
		dir = rest[1]
		rest = rest[2:]
	}
	g := r.Goals.CreateGoal(a.ID, strings.Join(rest, " "), dir, r.Config.Worker.MaxTurns)
	fmt.Fprintf(r.out, "goal %s created for %s in %s. start it with: wake %s\n", shortID(g.ID), a.Name, dir, a.Name)
	return nil
}

func (r *REPL) cmdConstrain(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: constrain <agent> <constraint text>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	if err := r.Goals.AddConstraint(g.ID, strings.Join(args[1:], " ")); err != nil {
		return err
	}
	fmt.Fprintln(r.out, "constraint added")
	return nil
}

func (r *REPL) cmdChdir(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: chdir <agent> <path>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	if err := r.Goals.SetWorkingDirectory(g.ID, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "goal now works in %s\n", args[1])
	return nil
}

// ── adversary control ──

func (r *REPL) cmdWake(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: wake <agent>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	return r.Adversary.Wake(ctx, g.ID)
}

func (r *REPL) cmdPause(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: pause <agent>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	if err := r.Adversary.Pause(g.ID); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s paused; a running step finishes but nothing new starts\n", a.Name)
	return nil
}

func (r *REPL) cmdReply(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: reply <agent> <answer>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	return r.Adversary.Reply(ctx, g.ID, strings.Join(args[1:], " "))
}

func (r *REPL) cmdTalk(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: talk <agent> <message>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	reply, err := r.Adversary.Talk(ctx, a.ID, strings.Join(args[1:], " "), r.activitySummary(a.ID))
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s: %s\n", a.Name, reply)
	return nil
}

// activitySummary condenses the agent's recent tasks for talk context.
func (r *REPL) activitySummary(agentID string) string {
	list := r.Tasks.ListForAgent(agentID)
	if len(list) > 3 {
		list = list[len(list)-3:]
	}
	parts := make([]string, 0, len(list))
	for _, t := range list {
		parts = append(parts, fmt.Sprintf("%s (%s)", truncate(t.Description, 40), t.Status))
	}
	return strings.Join(parts, "; ")
}

// ── permissions ──

func (r *REPL) cmdApprove(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: approve <agent> <tool>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	canonical, resumed, err := r.Bridge.ApproveToolPermission(ctx, a.ID, args[1])
	if err != nil {
		return err
	}
	if resumed {
		fmt.Fprintf(r.out, "%s approved; %s is back to work\n", canonical, a.Name)
	} else {
		fmt.Fprintf(r.out, "%s approved; more requests pending\n", canonical)
	}
	return nil
}

func (r *REPL) cmdDeny(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: deny <agent>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	if err := r.Bridge.DenyToolPermission(a.ID); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "denied; %s wraps up with what it has\n", a.Name)
	return nil
}

// ── triggers ──

func (r *REPL) cmdSchedule(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: schedule <agent> <minutes> | schedule <agent> cron <expr>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}

	if args[1] == "cron" {
		if len(args) < 3 {
			return errors.New("usage: schedule <agent> cron <expr>")
		}
		expr := strings.Join(args[2:], " ")
		t, err := r.Scheduler.AddCron(a.ID, g.ID, expr)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "cron trigger %s armed (%s)\n", shortID(t.ID), expr)
		return nil
	}

	minutes, err := strconv.Atoi(args[1])
	if err != nil || minutes <= 0 {
		return fmt.Errorf("minutes must be a positive integer, got %q", args[1])
	}
	t, err := r.Scheduler.AddInterval(a.ID, g.ID, time.Duration(minutes)*time.Minute)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "interval trigger %s armed (every %dm)\n", shortID(t.ID), minutes)
	return nil
}

func (r *REPL) cmdUnschedule(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: unschedule <agent>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	n := 0
	for _, g := range r.Goals.ListGoals(a.ID) {
		n += len(r.Goals.TriggersForGoal(g.ID))
		r.Scheduler.RemoveForGoal(g.ID)
	}
	fmt.Fprintf(r.out, "removed %d trigger(s)\n", n)
	return nil
}

// ── misc ──

func (r *REPL) cmdPrompt(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: prompt <agent> <system prompt text>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	if err := r.Agents.SetSystemPrompt(a.ID, strings.Join(args[1:], " ")); err != nil {
		return err
	}
	fmt.Fprintln(r.out, "system prompt set")
	return nil
}

func (r *REPL) cmdForget(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: forget <agent> <preference key>")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	if err := r.Prefs.Remove(a.ID, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "forgot %s\n", args[1])
	return nil
}

func (r *REPL) cmdWorkspace(args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		roots := r.Config.Roots()
		if len(roots) == 0 {
			fmt.Fprintln(r.out, "no workspace roots configured. add one with: workspace add <path>")
			return nil
		}
		for _, root := range roots {
			fmt.Fprintf(r.out, "  %s\n", root)
		}
		return nil
	case "add", "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: workspace %s <path>", sub)
		}
		var changed bool
		if sub == "add" {
			changed = r.Config.AddRoot(args[1])
		} else {
			changed = r.Config.RemoveRoot(args[1])
		}
		if !changed {
			fmt.Fprintln(r.out, "no change")
			return nil
		}
		if r.ConfigPath != "" {
			if err := r.Config.Save(r.ConfigPath); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
		}
		fmt.Fprintf(r.out, "workspace %sed %s\n", sub, args[1])
		return nil
	default:
		return errors.New("usage: workspace [add|remove|list] [path]")
	}
}

func (r *REPL) cmdLog(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: log <agent> [n]")
	}
	a, err := r.resolveAgent(args[0])
	if err != nil {
		return err
	}
	n := 20
	if len(args) > 1 {
		if v, err := strconv.Atoi(args[1]); err == nil && v > 0 {
			n = v
		}
	}
	if r.Store == nil {
		return errors.New("no log store configured")
	}
	recs, err := r.Store.ReadLogs(a.ID, store.LogFilter{})
	if err != nil {
		return err
	}
	if len(recs) > n {
		recs = recs[len(recs)-n:]
	}
	if len(recs) == 0 {
		fmt.Fprintf(r.out, "no events logged for %s\n", a.Name)
		return nil
	}
	for _, rec := range recs {
		fmt.Fprintf(r.out, "  %s  %-22s %s\n",
			rec.Timestamp.Format("15:04:05"), rec.Topic, truncate(string(rec.Payload), 90))
	}
	return nil
}
