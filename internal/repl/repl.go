// Package repl is the terminal control surface: it parses operator
// commands, drives the managers and the orchestration loop, and prints
// bus events as they happen.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/nextlevelbuilder/workfarm/internal/adversary"
	"github.com/nextlevelbuilder/workfarm/internal/agents"
	"github.com/nextlevelbuilder/workfarm/internal/bridge"
	"github.com/nextlevelbuilder/workfarm/internal/bus"
	"github.com/nextlevelbuilder/workfarm/internal/config"
	"github.com/nextlevelbuilder/workfarm/internal/goals"
	"github.com/nextlevelbuilder/workfarm/internal/prefs"
	"github.com/nextlevelbuilder/workfarm/internal/scheduler"
	"github.com/nextlevelbuilder/workfarm/internal/sessions"
	"github.com/nextlevelbuilder/workfarm/internal/store"
	"github.com/nextlevelbuilder/workfarm/internal/tasks"
)

// Deps bundles every collaborator the REPL commands touch.
type Deps struct {
	Agents     *agents.Manager
	Tasks      *tasks.Manager
	Goals      *goals.Manager
	Prefs      *prefs.Manager
	Sessions   *sessions.Manager
	Bridge     *bridge.Bridge
	Adversary  *adversary.Adversary
	Scheduler  *scheduler.Scheduler
	Store      *store.FileStore
	Config     *config.Config
	ConfigPath string
	Bus        *bus.EventBus
}

type REPL struct {
	Deps
	out io.Writer
}

func New(d Deps, out io.Writer) *REPL {
	return &REPL{Deps: d, out: out}
}

// Run reads commands until quit, EOF, or context cancellation. Bus events
// of operator interest are echoed between prompts.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	defer r.attachNotifier()()

	fmt.Fprintln(r.out, `workfarm ready. Type "help" for commands.`)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "workfarm> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if r.Execute(ctx, scanner.Text()) {
			return nil
		}
	}
}

// Execute runs one command line. Returns true when the operator asked to
// quit. Errors are printed, never returned; the REPL survives them.
func (r *REPL) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		r.printHelp()
	case "hire":
		err = r.cmdHire(args)
	case "fire":
		err = r.cmdFire(args)
	case "agents":
		r.cmdAgents()
	case "tasks":
		r.cmdTasks()
	case "goals":
		err = r.cmdGoals(args)
	case "plan":
		err = r.cmdPlan(args)
	case "prefs":
		err = r.cmdPrefs(args)
	case "assign":
		err = r.cmdAssign(ctx, args)
	case "goal":
		err = r.cmdGoal(args)
	case "constrain":
		err = r.cmdConstrain(args)
	case "chdir":
		err = r.cmdChdir(args)
	case "wake":
		err = r.cmdWake(ctx, args)
	case "pause":
		err = r.cmdPause(args)
	case "reply":
		err = r.cmdReply(ctx, args)
	case "talk":
		err = r.cmdTalk(ctx, args)
	case "approve":
		err = r.cmdApprove(ctx, args)
	case "deny":
		err = r.cmdDeny(args)
	case "schedule":
		err = r.cmdSchedule(args)
	case "unschedule":
		err = r.cmdUnschedule(args)
	case "prompt":
		err = r.cmdPrompt(args)
	case "forget":
		err = r.cmdForget(args)
	case "workspace":
		err = r.cmdWorkspace(args)
	case "log":
		err = r.cmdLog(args)
	default:
		err = fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
	return false
}

func (r *REPL) printHelp() {
	fmt.Fprint(r.out, `commands:
  hire [name]                    add an agent
  fire <agent>                   remove an agent and everything it owns
  agents | tasks                 listings
  goals [agent] | plan <agent>   goal and plan state
  prefs <agent>                  learned preferences
  assign <agent> <task...>       one-off worker dispatch
  goal <agent> [--dir <path>] <desc...>
  constrain <agent> <text...>    add a constraint to the active goal
  chdir <agent> <path>           move the active goal's working directory
  wake <agent> | pause <agent>   drive or halt the goal loop
  reply <agent> <answer...>      answer a blocked step
  talk <agent> <message...>      chat without dispatching work
  approve <agent> <tool>         grant a requested tool
  deny <agent>                   refuse pending tool requests
  schedule <agent> <minutes>     recurring interval trigger
  schedule <agent> cron <expr>   cron trigger (5-field expression)
  unschedule <agent>             remove the active goal's triggers
  prompt <agent> <text...>       set the agent's system prompt
  forget <agent> <key>           drop a preference
  workspace [add|remove|list] [path]
  log <agent> [n]                recent observability events
  quit
`)
}

// attachNotifier echoes the bus topics an operator acts on. Returns the
// combined unsubscribe.
func (r *REPL) attachNotifier() func() {
	name := func(agentID string) string {
		if a, err := r.Agents.Get(agentID); err == nil {
			return a.Name
		}
		return agentID
	}
	unsubs := []func(){
		r.Bus.Subscribe(bus.TopicQuestionRaised, func(ev bus.Event) {
			p := ev.Payload.(bus.QuestionPayload)
			fmt.Fprintf(r.out, "\n[%s needs input] %s\n  answer with: reply %s <answer>\n", name(p.AgentID), p.Question, name(p.AgentID))
		}),
		r.Bus.Subscribe(bus.TopicPermissionRequested, func(ev bus.Event) {
			p := ev.Payload.(bus.PermissionPayload)
			fmt.Fprintf(r.out, "\n[%s requests tool] %s\n  approve %s %s  |  deny %s\n",
				name(p.AgentID), p.ToolName, name(p.AgentID), p.ToolName, name(p.AgentID))
		}),
		r.Bus.Subscribe(bus.TopicTriggerFired, func(ev bus.Event) {
			p := ev.Payload.(bus.TriggerPayload)
			fmt.Fprintf(r.out, "\n[trigger fired] %s goal %s\n", p.Type, p.GoalID)
		}),
		r.Bus.Subscribe(bus.TopicTaskCompleted, func(ev bus.Event) {
			p := ev.Payload.(bus.TaskPayload)
			fmt.Fprintf(r.out, "\n[%s finished a task] %s\n", name(p.AgentID), truncate(p.Result, 100))
		}),
		r.Bus.Subscribe(bus.TopicTaskFailed, func(ev bus.Event) {
			p := ev.Payload.(bus.TaskPayload)
			fmt.Fprintf(r.out, "\n[%s task failed] %s\n", name(p.AgentID), truncate(p.Error, 100))
		}),
		r.Bus.Subscribe(bus.TopicGoalUpdated, func(ev bus.Event) {
			p := ev.Payload.(bus.GoalPayload)
			fmt.Fprintf(r.out, "\n[goal %s] %s\n", p.Status, p.GoalID)
		}),
		r.Bus.Subscribe(bus.TopicLog, func(ev bus.Event) {
			p := ev.Payload.(bus.LogPayload)
			fmt.Fprintf(r.out, "\n[%s] %s\n", name(p.AgentID), p.Message)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
